package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/repository"
)

// InboxSender writes notifications to the database inbox. The write commits
// on its own, independent of any refresh transaction.
type InboxSender struct {
	store repository.NotificationStore
}

// NewInboxSender creates a new inbox sender.
func NewInboxSender(store repository.NotificationStore) *InboxSender {
	return &InboxSender{store: store}
}

// Channel implements Sender.
func (s *InboxSender) Channel() string { return ChannelInbox }

// Send stores msg as an unread notification.
func (s *InboxSender) Send(ctx context.Context, msg Message) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	n := &domain.Notification{
		ID:         id,
		Subject:    msg.Subject,
		Message:    msg.Body,
		Federation: msg.Federation,
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("create notification %q: %w", msg.Subject, err)
	}
	return nil
}

var _ Sender = (*InboxSender)(nil)
