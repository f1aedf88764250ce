package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/medibook/internal/domain/emergency"
	"github.com/medibook/medibook/internal/domain/ledger"
	"github.com/medibook/medibook/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository over the appointment and provider_slot
// tables.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const apptCols = `id, provider_id, requester_id, appt_date::text, start_min, end_min, mode, status, urgent,
	COALESCE(cancellation_reason, ''), COALESCE(previous_id, ''), COALESCE(next_id, ''),
	COALESCE(session_room_id, ''), COALESCE(session_record_id, ''), session_started_at, session_ended_at,
	location_lat, location_lng, candidates, version, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		start, end int16
		mode       string
		status     string
		roomID     string
		recordID   string
		started    *time.Time
		ended      *time.Time
		lat, lng   *float64
	)
	err := row.Scan(&a.ID, &a.ProviderID, &a.RequesterID, &a.Date, &start, &end, &mode, &status, &a.Urgent,
		&a.CancellationReason, &a.PreviousID, &a.NextID,
		&roomID, &recordID, &started, &ended,
		&lat, &lng, &a.Candidates, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Start, a.End = ledger.Clock(start), ledger.Clock(end)
	a.Mode, a.Status = ledger.Mode(mode), Status(status)
	if roomID != "" && started != nil {
		a.Session = &Session{RoomID: roomID, StartedAt: *started, EndedAt: ended, RecordID: recordID}
	}
	if lat != nil && lng != nil {
		a.Location = &emergency.Point{Lat: *lat, Lng: *lng}
	}
	return &a, nil
}

func (r *repoPG) Get(ctx context.Context, id string) (*Appointment, error) {
	a, err := r.scan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *repoPG) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "requester_id", requesterID, limit, offset)
}

func (r *repoPG) ListByProvider(ctx context.Context, providerID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "provider_id", providerID, limit, offset)
}

// list filters on column, which is always a constant chosen above.
func (r *repoPG) list(ctx context.Context, column, value string, limit, offset int) ([]*Appointment, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+column+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+column+` = $1
		ORDER BY appt_date DESC, start_min DESC LIMIT $2 OFFSET $3`, value, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan appointment: %w", err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Apply(ctx context.Context, w Write) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.pool)
		if w.Insert != nil {
			if w.ClaimSlot {
				if err := claimSlot(ctx, conn, w.Insert); err != nil {
					return err
				}
			}
			if err := insert(ctx, conn, w.Insert); err != nil {
				return err
			}
		}
		if w.Update != nil {
			if err := update(ctx, conn, w.Update); err != nil {
				return err
			}
		}
		if w.Release != nil {
			k := w.Release
			_, err := conn.Exec(ctx, `
				UPDATE provider_slot SET is_booked = FALSE, booked_by = NULL, mode = NULL, updated_at = NOW()
				WHERE provider_id = $1 AND slot_date = $2::date AND start_min = $3 AND booked_by = $4`,
				k.ProviderID, k.Date, int16(k.Start), w.ReleaseFor)
			if err != nil {
				return fmt.Errorf("release slot %s: %w", k, err)
			}
		}
		return nil
	})
}

func claimSlot(ctx context.Context, conn db.Querier, a *Appointment) error {
	tag, err := conn.Exec(ctx, `
		UPDATE provider_slot SET is_booked = TRUE, booked_by = $4, mode = $5, updated_at = NOW()
		WHERE provider_id = $1 AND slot_date = $2::date AND start_min = $3 AND is_booked = FALSE`,
		a.ProviderID, a.Date, int16(a.Start), a.ID, string(a.Mode))
	if err != nil {
		return fmt.Errorf("claim slot %s: %w", a.SlotKey(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is booked in the store", ledger.ErrSlotUnavailable, a.SlotKey())
	}
	return nil
}

func insert(ctx context.Context, conn db.Querier, a *Appointment) error {
	room, record, started, ended := sessionCols(a.Session)
	lat, lng := locationCols(a.Location)
	_, err := conn.Exec(ctx, `
		INSERT INTO appointment (id, provider_id, requester_id, appt_date, start_min, end_min, mode, status, urgent,
			cancellation_reason, previous_id, next_id, session_room_id, session_record_id, session_started_at,
			session_ended_at, location_lat, location_lng, candidates, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), NULLIF($14, ''), $15, $16, $17, $18, $19, $20, $21, $22)`,
		a.ID, a.ProviderID, a.RequesterID, a.Date, int16(a.Start), int16(a.End), string(a.Mode), string(a.Status), a.Urgent,
		a.CancellationReason, a.PreviousID, a.NextID, room, record, started, ended,
		lat, lng, candidates(a), a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment %s: %w", a.ID, err)
	}
	return nil
}

func update(ctx context.Context, conn db.Querier, a *Appointment) error {
	room, record, started, ended := sessionCols(a.Session)
	tag, err := conn.Exec(ctx, `
		UPDATE appointment SET provider_id = $2, status = $3, cancellation_reason = NULLIF($4, ''),
			next_id = NULLIF($5, ''), session_room_id = NULLIF($6, ''), session_record_id = NULLIF($7, ''),
			session_started_at = $8, session_ended_at = $9, candidates = $10, version = version + 1,
			updated_at = $11
		WHERE id = $1 AND version = $12`,
		a.ID, a.ProviderID, string(a.Status), a.CancellationReason, a.NextID, room, record, started, ended,
		candidates(a), a.UpdatedAt, a.Version)
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s was modified concurrently", ErrInvalidTransition, a.ID)
	}
	a.Version++
	return nil
}

func sessionCols(s *Session) (room, record string, started, ended *time.Time) {
	if s == nil {
		return "", "", nil, nil
	}
	t := s.StartedAt
	return s.RoomID, s.RecordID, &t, s.EndedAt
}

func locationCols(p *emergency.Point) (*float64, *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

func candidates(a *Appointment) []string {
	if a.Candidates == nil {
		return []string{}
	}
	return a.Candidates
}
