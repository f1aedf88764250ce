package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/platform/db"
)

type slotRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository over the provider_slot table.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &slotRepoPG{pool: pool} }

const slotCols = `provider_id, slot_date::text, start_min, end_min, is_booked,
	COALESCE(booked_by, ''), COALESCE(mode, '')`

func (r *slotRepoPG) ListDays(ctx context.Context, from string) ([]DaySlots, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+slotCols+` FROM provider_slot
		WHERE slot_date >= $1::date
		ORDER BY provider_id, slot_date, start_min`, from)
	if err != nil {
		return nil, fmt.Errorf("list provider days: %w", err)
	}
	defer rows.Close()

	var days []DaySlots
	for rows.Next() {
		var (
			providerID, date string
			s                TimeSlot
			start, end       int16
			mode             string
		)
		if err := rows.Scan(&providerID, &date, &start, &end, &s.IsBooked, &s.BookedBy, &mode); err != nil {
			return nil, fmt.Errorf("scan provider slot: %w", err)
		}
		s.Start, s.End, s.Mode = Clock(start), Clock(end), Mode(mode)

		n := len(days)
		if n == 0 || days[n-1].ProviderID != providerID || days[n-1].Date != date {
			days = append(days, DaySlots{ProviderID: providerID, Date: date})
			n++
		}
		days[n-1].Slots = append(days[n-1].Slots, s)
	}
	return days, rows.Err()
}

func (r *slotRepoPG) SaveWindows(ctx context.Context, providerID, date string, windows []Window) error {
	b := &pgx.Batch{}
	for _, w := range windows {
		b.Queue(`
			INSERT INTO provider_slot (provider_id, slot_date, start_min, end_min)
			VALUES ($1, $2::date, $3, $4)
			ON CONFLICT (provider_id, slot_date, start_min) DO NOTHING`,
			providerID, date, int16(w.Start), int16(w.End))
	}

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		res := db.TxFromContext(ctx).SendBatch(ctx, b)
		for range windows {
			if _, err := res.Exec(); err != nil {
				res.Close()
				return fmt.Errorf("save window for %s on %s: %w", providerID, date, err)
			}
		}
		return res.Close()
	})
}
