package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
)

// DetailLoader loads an order with its items, expenses and beneficiaries.
type DetailLoader interface {
	Detail(ctx context.Context, orderID string) (*serviceorder.Detail, error)
}

// Generated is a completed record together with the rendered bytes. The bytes
// are returned to the caller and never stored.
type Generated struct {
	Record *Record
	PDF    []byte
}

// Generator produces new document versions for service orders.
type Generator struct {
	orders       DetailLoader
	store        Store
	renderer     Renderer
	frontendBase string
	now          func() time.Time
}

// GeneratorOption customizes a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorClock overrides the issue timestamp source.
func WithGeneratorClock(fn func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewGenerator(orders DetailLoader, store Store, renderer Renderer, frontendBase string, opts ...GeneratorOption) *Generator {
	g := &Generator{
		orders:       orders,
		store:        store,
		renderer:     renderer,
		frontendBase: frontendBase,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate allocates the next version for the order, renders it and stores the
// hash and snapshot. A failure after allocation removes the allocated record
// and returns ErrGenerationFailed wrapping the cause.
func (g *Generator) Generate(ctx context.Context, orderID string, issuer Issuer) (*Generated, error) {
	detail, err := g.orders.Detail(ctx, orderID)
	if err != nil {
		return nil, err
	}

	rec, err := g.store.Allocate(ctx, AllocateParams{
		ID:          ids.NewUUID(),
		OrderID:     detail.Order.ID,
		OrderNumero: detail.Order.Numero,
		IssuedBy:    issuer.UserID,
		IssuedAt:    g.now().Truncate(time.Second),
	})
	if err != nil {
		obs.DocumentsGenerated.WithLabelValues("allocate_error").Inc()
		return nil, err
	}
	rec.IssuerName = issuer.Name

	pdf, err := g.build(ctx, detail, rec, issuer)
	if err != nil {
		g.discard(ctx, rec, err)
		obs.DocumentsGenerated.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	obs.DocumentsGenerated.WithLabelValues("ok").Inc()
	obs.Ctx(ctx).Info().
		Str("order_id", rec.OrderID).
		Str("document_id", rec.ID).
		Str("code", rec.Code).
		Int("version", rec.Version).
		Int("bytes", len(pdf)).
		Msg("document generated")
	return &Generated{Record: rec, PDF: pdf}, nil
}

func (g *Generator) build(ctx context.Context, detail *serviceorder.Detail, rec *Record, issuer Issuer) ([]byte, error) {
	snap, err := BuildSnapshot(detail, rec, issuer, VerificationURL(g.frontendBase, rec.ID))
	if err != nil {
		return nil, err
	}
	raw, err := snap.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	start := time.Now()
	pdf, err := g.renderer.Render(snap)
	obs.DocumentRenderSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(pdf)
	hash := hex.EncodeToString(sum[:])
	if err := g.store.Complete(ctx, rec.ID, hash, raw); err != nil {
		return nil, fmt.Errorf("complete record: %w", err)
	}
	rec.Hash = hash
	rec.Snapshot = raw
	return pdf, nil
}

// discard deletes an allocated record whose generation failed. It runs even if
// the request context is already cancelled.
func (g *Generator) discard(ctx context.Context, rec *Record, cause error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	log := obs.Ctx(ctx)
	if err := g.store.Discard(dctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Error().Err(err).Str("document_id", rec.ID).Msg("discard incomplete document")
	}
	log.Error().Err(cause).
		Str("order_id", rec.OrderID).
		Str("code", rec.Code).
		Msg("document generation failed")
}
