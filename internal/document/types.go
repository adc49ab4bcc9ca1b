// Package document issues versioned, hashed PDF records of service orders and
// verifies them later.
package document

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("document: not found")
	ErrVersionConflict  = errors.New("document: version conflict")
	ErrGenerationFailed = errors.New("document: generation failed")
	ErrAlreadyComplete  = errors.New("document: record already complete")
	ErrFileTooLarge     = errors.New("document: file too large")
	ErrNotPDF           = errors.New("document: not a pdf")
)

// Record is one issued document version. Hash and Snapshot are empty until the
// record is completed.
type Record struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"ordem_servico_id"`
	OrderNumero int64     `json:"ordem_servico_numero"`
	Version     int       `json:"versao"`
	Code        string    `json:"codigo"`
	Hash        string    `json:"hash_sha256"`
	Snapshot    []byte    `json:"-"`
	IssuedBy    string    `json:"emitido_por,omitempty"`
	IssuerName  string    `json:"emitido_por_nome,omitempty"`
	IssuedAt    time.Time `json:"emitido_em"`
}

// Complete reports whether the record has been finalized with its hash.
func (r Record) Complete() bool { return r.Hash != "" }

// AllocateParams reserves the next version of an order's document.
type AllocateParams struct {
	ID          string
	OrderID     string
	OrderNumero int64
	IssuedBy    string
	IssuedAt    time.Time
}

// Store persists document records.
type Store interface {
	// Allocate locks the order, picks max(version)+1 and inserts an incomplete
	// record. It returns ErrVersionConflict when retries are exhausted.
	Allocate(ctx context.Context, p AllocateParams) (*Record, error)
	// Complete writes hash and snapshot once. A complete record yields ErrAlreadyComplete.
	Complete(ctx context.Context, id, hash string, snapshot []byte) error
	// Discard removes an incomplete record.
	Discard(ctx context.Context, id string) error
	ByID(ctx context.Context, id string) (*Record, error)
	ByCode(ctx context.Context, code string) (*Record, error)
	// ListForOrder returns complete records, newest version first.
	ListForOrder(ctx context.Context, orderID string) ([]Record, error)
}

// Issuer identifies who requested a document.
type Issuer struct {
	UserID string
	Name   string
}
