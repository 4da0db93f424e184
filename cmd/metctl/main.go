// Package main is metctl, the operator CLI of the metadata explorer: run a
// refresh batch by hand, apply migrations, import federations and inspect
// metadata files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"metexplorer.io/met/internal/app/modules"
	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "metctl: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags of every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "metctl",
		Short:         "Operate the SAML federation metadata explorer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml, /etc/met/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRefreshCmd(opts),
		newMigrateCmd(opts),
		newFederationsCmd(opts),
		newParseCmd(),
	)
	return root
}

// load reads the configuration and initializes the console logger.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	if err := logger.Init(level, "console"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect loads the configuration and opens the database, applying
// migrations when database.auto_migrate is set.
func (o *globalOptions) connect(ctx context.Context) (*config.Config, *modules.Infrastructure, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, infra, nil
}
