// Package testutil provides PostgreSQL fixtures for integration tests.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"metexplorer.io/met/internal/infrastructure"
)

// PostgresImage is started when no TEST_DATABASE_URL/DATABASE_URL is set.
const PostgresImage = "postgres:16-alpine"

var (
	nonIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)
	searchPathRe  = regexp.MustCompile(`search_path=\S+`)

	sharedDSN     string
	sharedDSNOnce sync.Once
	sharedDSNErr  error
)

// OpenPGXPool opens a pgxpool on an isolated schema with all application
// migrations applied. The schema is dropped when the test ends.
func OpenPGXPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	dsn := postgresDSN(t)

	schema := newSchemaName(prefix)
	ctx := context.Background()

	adminPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres admin pool: %v", err)
	}
	t.Cleanup(adminPool.Close)

	if _, err := adminPool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema)); err != nil {
		t.Fatalf("create test schema %q: %v", schema, err)
	}
	t.Cleanup(func() {
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
	})

	schemaDSN, err := dsnWithSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("build postgres DSN with search_path: %v", err)
	}

	pool, err := pgxpool.New(ctx, schemaDSN)
	if err != nil {
		t.Fatalf("open postgres test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := infrastructure.MigrateSchema(ctx, pool); err != nil {
		t.Fatalf("migrate test schema: %v", err)
	}
	return pool
}

func postgresDSN(t *testing.T) string {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn != "" {
		return dsn
	}

	sharedDSNOnce.Do(func() {
		sharedDSN, sharedDSNErr = startContainer(context.Background())
	})
	if sharedDSNErr != nil {
		t.Fatalf("start postgres container: %v", sharedDSNErr)
	}
	return sharedDSN
}

// startContainer runs one PostgreSQL container per test binary. Ryuk
// removes it when the process exits.
func startContainer(ctx context.Context) (string, error) {
	container, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase("met"),
		tcpostgres.WithUsername("met"),
		tcpostgres.WithPassword("met"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", fmt.Errorf("connection string: %w", err)
	}
	return dsn, nil
}

func dsnWithSearchPath(dsn, schema string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse DSN: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if strings.Contains(dsn, "search_path=") {
		return searchPathRe.ReplaceAllString(dsn, "search_path="+schema), nil
	}
	return dsn + " search_path=" + schema, nil
}

func newSchemaName(prefix string) string {
	base := strings.ToLower(prefix)
	base = nonIdentChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "test"
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	const maxPostgresIdentLen = 63
	maxBaseLen := max(maxPostgresIdentLen-len("t__")-len(suffix), 1)
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return fmt.Sprintf("t_%s_%s", base, suffix)
}
