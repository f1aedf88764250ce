package appointment

import (
	"context"

	"github.com/medibook/medibook/internal/domain/ledger"
)

// Write is one atomic change to the store. Every part either commits or
// none does.
type Write struct {
	// Insert is created. With ClaimSlot its slot is marked booked by
	// Insert.ID, failing with ledger.ErrSlotUnavailable if the store already
	// has it booked.
	Insert    *Appointment
	ClaimSlot bool

	// Update is written only if the stored version still equals
	// Update.Version; a lost race fails with ErrInvalidTransition. Version
	// is incremented on success.
	Update *Appointment

	// Release frees the slot if it is still booked by ReleaseFor.
	Release    *ledger.SlotKey
	ReleaseFor string
}

type Repository interface {
	Get(ctx context.Context, id string) (*Appointment, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Appointment, int, error)
	ListByProvider(ctx context.Context, providerID string, limit, offset int) ([]*Appointment, int, error)
	Apply(ctx context.Context, w Write) error
}
