package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
)

// DefaultMaxUpload caps integrity uploads at 10 MiB.
const DefaultMaxUpload int64 = 10 << 20

var pdfMagic = []byte("%PDF-")

// Verification is the public view of a completed record.
type Verification struct {
	ID          string          `json:"id"`
	Code        string          `json:"codigo"`
	Version     int             `json:"versao"`
	OrderNumero int64           `json:"ordem_servico_numero"`
	IssuedAt    time.Time       `json:"emitido_em"`
	IssuerName  string          `json:"emitido_por,omitempty"`
	Hash        string          `json:"hash_sha256"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

// IntegrityResult reports whether an uploaded file matches the stored hash.
type IntegrityResult struct {
	DocumentID     string `json:"documento_id"`
	Code           string `json:"codigo"`
	IntegrityValid bool   `json:"integrity_valid"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ComputedHash   string `json:"computed_hash,omitempty"`
}

// Verifier looks up issued documents and checks uploaded copies.
type Verifier struct {
	store     Store
	maxUpload int64
}

func NewVerifier(store Store, maxUpload int64) *Verifier {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	return &Verifier{store: store, maxUpload: maxUpload}
}

// MaxUpload is the largest accepted upload in bytes.
func (v *Verifier) MaxUpload() int64 { return v.maxUpload }

func (v *Verifier) ByID(ctx context.Context, id string) (*Verification, error) {
	rec, err := v.complete(ctx, id)
	if err != nil {
		return nil, err
	}
	return verification(rec), nil
}

func (v *Verifier) ByCode(ctx context.Context, code string) (*Verification, error) {
	if _, _, ok := ParseCode(code); !ok {
		return nil, ErrNotFound
	}
	rec, err := v.store.ByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !rec.Complete() {
		return nil, ErrNotFound
	}
	return verification(rec), nil
}

// History lists the completed records of an order, newest first.
func (v *Verifier) History(ctx context.Context, orderID string) ([]Record, error) {
	if !ids.IsUUID(orderID) {
		return nil, ErrNotFound
	}
	recs, err := v.store.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

// Integrity hashes the uploaded file and compares it to the stored hash. A
// mismatch is a valid result, not an error.
func (v *Verifier) Integrity(ctx context.Context, id string, r io.Reader) (*IntegrityResult, error) {
	rec, err := v.complete(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, v.maxUpload+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > v.maxUpload {
		obs.DocumentVerifications.WithLabelValues("too_large").Inc()
		return nil, ErrFileTooLarge
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		obs.DocumentVerifications.WithLabelValues("invalid_file").Inc()
		return nil, ErrNotPDF
	}

	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	res := &IntegrityResult{DocumentID: rec.ID, Code: rec.Code, IntegrityValid: computed == rec.Hash}
	if res.IntegrityValid {
		obs.DocumentVerifications.WithLabelValues("valid").Inc()
	} else {
		res.ExpectedHash = rec.Hash
		res.ComputedHash = computed
		obs.DocumentVerifications.WithLabelValues("mismatch").Inc()
	}
	obs.Ctx(ctx).Info().
		Str("document_id", rec.ID).
		Bool("integrity_valid", res.IntegrityValid).
		Msg("document integrity checked")
	return res, nil
}

func (v *Verifier) complete(ctx context.Context, id string) (*Record, error) {
	if !ids.IsUUID(id) {
		return nil, ErrNotFound
	}
	rec, err := v.store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Complete() {
		return nil, ErrNotFound
	}
	return rec, nil
}

func verification(rec *Record) *Verification {
	return &Verification{
		ID:          rec.ID,
		Code:        rec.Code,
		Version:     rec.Version,
		OrderNumero: rec.OrderNumero,
		IssuedAt:    rec.IssuedAt,
		IssuerName:  rec.IssuerName,
		Hash:        rec.Hash,
		Snapshot:    json.RawMessage(rec.Snapshot),
	}
}
