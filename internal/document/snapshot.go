package document

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"atlas.org/internal/serviceorder"
)

// Snapshot freezes every value printed on a document version. Money fields
// serialize as fixed-point decimal strings.
type Snapshot struct {
	Code            string    `json:"codigo"`
	Version         int       `json:"versao"`
	IssuedAt        time.Time `json:"emitido_em"`
	IssuedBy        string    `json:"emitido_por,omitempty"`
	VerificationURL string    `json:"url_validacao"`

	Order         SnapshotOrder         `json:"ordem_servico"`
	Beneficiaries []SnapshotBeneficiary `json:"beneficiarios"`
	Items         []SnapshotItem        `json:"servicos"`
	Expenses      []SnapshotExpense     `json:"despesas"`
	Totals        serviceorder.Totals   `json:"totais"`
}

type SnapshotOrder struct {
	ID             string              `json:"id"`
	Numero         int64               `json:"numero"`
	Status         serviceorder.Status `json:"status"`
	ContractNumber string              `json:"contrato"`
	ContractorName string              `json:"contratante"`
	RequesterName  string              `json:"solicitante"`
	PayerName      string              `json:"faturamento"`
	RequesterUser  string              `json:"solicitante_usuario"`
	Colaborador    string              `json:"colaborador"`
	DataAbertura   time.Time           `json:"data_abertura"`
	DataFechamento *time.Time          `json:"data_fechamento,omitempty"`
	Observacao     string              `json:"observacao,omitempty"`
}

type SnapshotBeneficiary struct {
	Name        string `json:"nome"`
	Kind        string `json:"tipo"`
	Document    string `json:"documento"`
	Responsible string `json:"responsavel,omitempty"`
}

type SnapshotItem struct {
	Description string             `json:"descricao"`
	Quantity    int                `json:"quantidade"`
	UnitPrice   serviceorder.Money `json:"valor_unitario"`
	Subtotal    serviceorder.Money `json:"subtotal"`
}

type SnapshotExpense struct {
	Description string             `json:"descricao"`
	Value       serviceorder.Money `json:"valor"`
}

// BuildSnapshot derives the snapshot of d for rec. Totals are recomputed from
// the lines so the document never disagrees with itself.
func BuildSnapshot(d *serviceorder.Detail, rec *Record, issuer Issuer, verificationURL string) (*Snapshot, error) {
	o := d.Order
	totals, err := serviceorder.ComputeTotals(d.Items, d.Expenses)
	if err != nil {
		return nil, fmt.Errorf("totals: %w", err)
	}
	s := &Snapshot{
		Code:            rec.Code,
		Version:         rec.Version,
		IssuedAt:        rec.IssuedAt,
		IssuedBy:        issuer.Name,
		VerificationURL: verificationURL,
		Order: SnapshotOrder{
			ID:             o.ID,
			Numero:         o.Numero,
			Status:         o.Status,
			ContractNumber: o.ContractNumber,
			ContractorName: o.ContractorName,
			RequesterName:  o.RequesterName,
			PayerName:      o.PayerName,
			RequesterUser:  o.SolicitanteName,
			Colaborador:    o.ColaboradorName,
			DataAbertura:   o.DataAbertura,
			DataFechamento: o.DataFechamento,
			Observacao:     o.Observacao,
		},
		Beneficiaries: make([]SnapshotBeneficiary, 0, len(d.Beneficiaries)),
		Items:         make([]SnapshotItem, 0, len(d.Items)),
		Expenses:      make([]SnapshotExpense, 0, len(d.Expenses)),
		Totals:        totals,
	}
	for _, b := range d.Beneficiaries {
		s.Beneficiaries = append(s.Beneficiaries, SnapshotBeneficiary{
			Name:        b.Name,
			Kind:        b.Kind,
			Document:    b.Document,
			Responsible: b.Responsible,
		})
	}
	for _, it := range d.Items {
		desc := it.Description
		if desc == "" {
			desc = it.ServiceCode
		}
		subtotal, err := it.Total()
		if err != nil {
			return nil, fmt.Errorf("item subtotal: %w", err)
		}
		s.Items = append(s.Items, SnapshotItem{
			Description: desc,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    subtotal,
		})
	}
	for _, e := range d.Expenses {
		if !e.Active {
			continue
		}
		desc := e.Description
		if desc == "" {
			desc = e.TypeCode
		}
		s.Expenses = append(s.Expenses, SnapshotExpense{Description: desc, Value: e.Value})
	}
	return s, nil
}

// Marshal encodes the snapshot for storage.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
