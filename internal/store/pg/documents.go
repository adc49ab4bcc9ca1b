package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"atlas.org/internal/document"
	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
)

var _ document.Store = (*Store)(nil)

const maxAllocateAttempts = 3

// Allocate reserves the next version of the order's document. The order row is
// locked so concurrent generators queue per order; the unique (order_id,
// version) constraint catches anything the lock misses, and the allocation is
// retried in a fresh transaction.
func (s *Store) Allocate(ctx context.Context, p document.AllocateParams) (*document.Record, error) {
	for attempt := 1; attempt <= maxAllocateAttempts; attempt++ {
		rec, err := s.allocateOnce(ctx, p)
		if err == nil {
			return rec, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		obs.Ctx(ctx).Warn().
			Str("order_id", p.OrderID).
			Int("attempt", attempt).
			Msg("document version collision, retrying")
	}
	return nil, document.ErrVersionConflict
}

func (s *Store) allocateOnce(ctx context.Context, p document.AllocateParams) (*document.Record, error) {
	rec := &document.Record{
		ID:       p.ID,
		OrderID:  p.OrderID,
		IssuedBy: p.IssuedBy,
		IssuedAt: p.IssuedAt,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `select numero from service_orders where id = $1 for update`, p.OrderID).Scan(&rec.OrderNumero)
		if errors.Is(err, sql.ErrNoRows) {
			return serviceorder.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			select coalesce(max(version), 0) + 1
			from service_order_documents
			where order_id = $1
		`, p.OrderID).Scan(&rec.Version); err != nil {
			return err
		}
		rec.Code = document.FormatCode(rec.OrderNumero, rec.Version)
		_, err = tx.ExecContext(ctx, `
			insert into service_order_documents (id, order_id, version, code, issued_by, issued_at)
			values ($1, $2, $3, $4, $5, $6)
		`, rec.ID, rec.OrderID, rec.Version, rec.Code, nullIfEmpty(rec.IssuedBy), rec.IssuedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Complete writes hash and snapshot onto an incomplete record.
func (s *Store) Complete(ctx context.Context, id, hash string, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update service_order_documents
		set hash_sha256 = $2, snapshot = $3::jsonb
		where id = $1 and hash_sha256 = ''
	`, id, hash, string(snapshot))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from service_order_documents where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return document.ErrAlreadyComplete
	}
	return document.ErrNotFound
}

// Discard removes an incomplete record. Completed records are never deleted.
func (s *Store) Discard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from service_order_documents where id = $1 and hash_sha256 = ''`, id)
	if err != nil {
		return err
	}
	return affectedOne(res, document.ErrNotFound)
}

const documentSelect = `
	select d.id, d.order_id, o.numero, d.version, d.code, d.hash_sha256,
	       coalesce(d.snapshot::text, ''), coalesce(d.issued_by::text, ''), coalesce(u.name, ''), d.issued_at
	from service_order_documents d
	join service_orders o on o.id = d.order_id
	left join users u on u.id = d.issued_by
`

func (s *Store) ByID(ctx context.Context, id string) (*document.Record, error) {
	if !ids.IsUUID(id) {
		return nil, document.ErrNotFound
	}
	return s.documentWhere(ctx, `d.id = $1`, id)
}

func (s *Store) ByCode(ctx context.Context, code string) (*document.Record, error) {
	return s.documentWhere(ctx, `d.code = $1`, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Store) documentWhere(ctx context.Context, cond string, arg any) (*document.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, documentSelect+` where `+cond, arg)
	rec, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, document.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListForOrder(ctx context.Context, orderID string) ([]document.Record, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+`
		where d.order_id = $1 and d.hash_sha256 <> ''
		order by d.version desc
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []document.Record
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		rec.Snapshot = nil
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*document.Record, error) {
	var (
		rec      document.Record
		snapshot string
	)
	if err := r.Scan(&rec.ID, &rec.OrderID, &rec.OrderNumero, &rec.Version, &rec.Code, &rec.Hash,
		&snapshot, &rec.IssuedBy, &rec.IssuerName, &rec.IssuedAt); err != nil {
		return nil, err
	}
	if snapshot != "" {
		rec.Snapshot = []byte(snapshot)
	}
	return &rec, nil
}
