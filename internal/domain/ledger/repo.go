package ledger

import "context"

// Repository persists provider days. The ledger is a projection of it.
type Repository interface {
	// ListDays returns every stored day on or after from, slots sorted by start.
	ListDays(ctx context.Context, from string) ([]DaySlots, error)
	// SaveWindows stores unbooked windows, leaving existing rows untouched.
	SaveWindows(ctx context.Context, providerID, date string, windows []Window) error
}
