package delivery

import (
	"context"

	"guest-access-service/internal/models"
)

// Sender delivers a one-time code to the customer over an external
// channel. The transport itself (mail service, SMS gateway) is a
// collaborator outside this service; implementations here are thin
// clients so tests can substitute a fake.
type Sender interface {
	Send(ctx context.Context, identifier, code string, purpose models.Purpose) error
}
