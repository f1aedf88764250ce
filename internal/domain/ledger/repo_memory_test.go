package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepo_SaveAndList(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()

	require.NoError(t, r.SaveWindows(ctx, "doc-b", "2024-06-02", []Window{{Start: MustClock("10:00"), End: MustClock("10:30")}}))
	require.NoError(t, r.SaveWindows(ctx, "doc-a", "2024-06-01", []Window{
		{Start: MustClock("09:30"), End: MustClock("10:00")},
		{Start: MustClock("09:00"), End: MustClock("09:30")},
	}))
	// Re-saving an existing window is a no-op.
	require.NoError(t, r.SaveWindows(ctx, "doc-a", "2024-06-01", []Window{{Start: MustClock("09:00"), End: MustClock("09:30")}}))
	require.NoError(t, r.SaveWindows(ctx, "doc-a", "2024-05-01", []Window{{Start: MustClock("09:00"), End: MustClock("09:30")}}))

	days, err := r.ListDays(ctx, "2024-06-01")
	require.NoError(t, err)
	require.Len(t, days, 2)

	assert.Equal(t, "doc-a", days[0].ProviderID)
	require.Len(t, days[0].Slots, 2)
	assert.Equal(t, MustClock("09:00"), days[0].Slots[0].Start)
	assert.False(t, days[0].Slots[0].IsBooked)
	assert.Equal(t, "doc-b", days[1].ProviderID)
}
