package incident

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStoreUnavailable indicates the incident store is not configured.
	ErrStoreUnavailable = errors.New("incident: store unavailable")
	// ErrNotFound is returned for unknown or already resolved incidents.
	ErrNotFound = errors.New("incident: not found")
)

// Filter narrows List and Count.
type Filter struct {
	Kind            Kind
	PaymentRef      string
	IncludeResolved bool
}

// Store persists incidents.
type Store interface {
	Insert(ctx context.Context, inc Incident) error
	List(ctx context.Context, f Filter, limit, offset int) ([]Incident, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Resolve(ctx context.Context, id uuid.UUID, by string) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const selectColumns = `SELECT id, kind, payment_ref, event_id, order_id, detail, payload, created_at, resolved_at, resolved_by FROM fulfillment_incidents`

func (s *pgStore) Insert(ctx context.Context, inc Incident) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	var orderID any
	if inc.OrderID != 0 {
		orderID = inc.OrderID
	}
	var payload any
	if len(inc.Payload) > 0 {
		payload = []byte(inc.Payload)
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO fulfillment_incidents (id, kind, payment_ref, event_id, order_id, detail, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, inc.ID, string(inc.Kind), inc.PaymentRef, inc.EventID, orderID, inc.Detail, payload, inc.CreatedAt)
	return err
}

func (s *pgStore) List(ctx context.Context, f Filter, limit, offset int) ([]Incident, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	where, args := f.clause()
	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, selectColumns+where+` ORDER BY created_at DESC LIMIT $`+itoa(len(args)-1)+` OFFSET $`+itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Incident, 0, limit)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *pgStore) Count(ctx context.Context, f Filter) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	where, args := f.clause()
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fulfillment_incidents`+where, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *pgStore) Resolve(ctx context.Context, id uuid.UUID, by string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE fulfillment_incidents SET resolved_at = $2, resolved_by = $3 WHERE id = $1 AND resolved_at IS NULL`, id, time.Now().UTC(), by)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if !f.IncludeResolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if k := strings.TrimSpace(string(f.Kind)); k != "" {
		args = append(args, k)
		conds = append(conds, "kind = $"+itoa(len(args)))
	}
	if ref := strings.TrimSpace(f.PaymentRef); ref != "" {
		args = append(args, ref)
		conds = append(conds, "payment_ref = $"+itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanIncident(row pgx.Row) (Incident, error) {
	var (
		inc        Incident
		kind       string
		orderID    *int64
		payload    []byte
		resolvedBy *string
	)
	if err := row.Scan(&inc.ID, &kind, &inc.PaymentRef, &inc.EventID, &orderID, &inc.Detail, &payload, &inc.CreatedAt, &inc.ResolvedAt, &resolvedBy); err != nil {
		return Incident{}, err
	}
	inc.Kind = Kind(kind)
	if orderID != nil {
		inc.OrderID = *orderID
	}
	if len(payload) > 0 {
		inc.Payload = payload
	}
	if resolvedBy != nil {
		inc.ResolvedBy = *resolvedBy
	}
	return inc, nil
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func itoa(n int) string { return strconv.Itoa(n) }
