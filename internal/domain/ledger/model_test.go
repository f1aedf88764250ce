package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, Clock(570), c)
	assert.Equal(t, "09:30", c.String())

	for _, bad := range []string{"", "9", "25:00", "09:60", "nine"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestClock_JSON(t *testing.T) {
	var w Window
	require.NoError(t, json.Unmarshal([]byte(`{"start":"08:15","end":"08:45"}`), &w))
	assert.Equal(t, MustClock("08:15"), w.Start)

	b, err := json.Marshal(TimeSlot{Start: w.Start, End: w.End})
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"08:15","end":"08:45","is_booked":false}`, string(b))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01", d)

	_, err = ParseDate("2024-13-01")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}
