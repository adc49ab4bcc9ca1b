package serviceorder

import (
	"context"
	"time"
)

// Order is a service order (ordem de serviço) with its denormalized
// counterpart names.
type Order struct {
	ID             string `json:"id"`
	Numero         int64  `json:"numero"`
	ContractID     string `json:"contrato_id"`
	ContractNumber string `json:"contrato_numero"`
	ContractorName string `json:"contratante_nome"`

	RequesterKind string `json:"solicitante_tipo,omitempty"`
	RequesterName string `json:"solicitante_nome,omitempty"`
	PayerKind     string `json:"pagador_tipo,omitempty"`
	PayerName     string `json:"pagador_nome,omitempty"`

	SolicitanteID   string `json:"solicitante_id,omitempty"`
	SolicitanteName string `json:"solicitante_usuario_nome,omitempty"`
	ColaboradorID   string `json:"colaborador_id,omitempty"`
	ColaboradorName string `json:"colaborador_nome,omitempty"`

	DataAbertura   time.Time  `json:"data_abertura"`
	DataFechamento *time.Time `json:"data_fechamento,omitempty"`
	DataFinalizada *time.Time `json:"data_finalizada,omitempty"`
	Status         Status     `json:"status"`
	Observacao     string     `json:"observacao,omitempty"`

	ValorServicos Money `json:"valor_servicos"`
	ValorDespesas Money `json:"valor_despesas"`
	ValorTotal    Money `json:"valor_total"`

	CreatedAt time.Time `json:"data_criacao"`
	UpdatedAt time.Time `json:"ultima_atualizacao"`
	CreatedBy string    `json:"criado_por,omitempty"`
	UpdatedBy string    `json:"atualizado_por,omitempty"`
}

// Counterpart kinds.
const (
	KindCompany = "empresa"
	KindTitular = "titular"
)

// Item is a contract service executed under an order.
type Item struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"ordem_servico_id"`
	ContractServiceID string    `json:"contrato_servico_id"`
	ServiceCode       string    `json:"servico_item"`
	Description       string    `json:"servico_descricao"`
	Quantity          int       `json:"quantidade"`
	UnitPrice         Money     `json:"valor_aplicado"`
	CreatedAt         time.Time `json:"data_criacao"`
}

// Total is unit price times quantity.
func (i Item) Total() (Money, error) { return i.UnitPrice.Mul(i.Quantity) }

// Expense is a cost charged on an order.
type Expense struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"ordem_servico_id"`
	ExpenseTypeID string    `json:"tipo_despesa_id"`
	TypeCode      string    `json:"tipo_despesa_item"`
	Description   string    `json:"tipo_despesa_descricao"`
	Value         Money     `json:"valor"`
	Active        bool      `json:"ativo"`
	Note          string    `json:"observacao,omitempty"`
	CreatedAt     time.Time `json:"data_criacao"`
}

// Beneficiary kinds as displayed.
const (
	BeneficiaryTitular    = "Titular"
	BeneficiaryDependente = "Dependente"
)

// Beneficiary is a titular or dependente attached to an order.
type Beneficiary struct {
	ID          string `json:"id"`
	Kind        string `json:"tipo"`
	Name        string `json:"nome"`
	Document    string `json:"rnm,omitempty"`
	Responsible string `json:"responsavel,omitempty"`
}

// Detail is an order with everything a document needs.
type Detail struct {
	Order         Order         `json:"ordem_servico"`
	Items         []Item        `json:"itens"`
	Expenses      []Expense     `json:"despesas"`
	Beneficiaries []Beneficiary `json:"beneficiarios"`
}

// Contract is the read-only view of a contract used when opening orders.
type Contract struct {
	ID             string
	Number         string
	ContractorName string
	Active         bool
}

// ContractService is a priced service offered under a contract.
type ContractService struct {
	ID          string
	ContractID  string
	ServiceCode string
	Description string
	Price       Money
	Active      bool
}

// ExpenseType is a catalog expense with a base value.
type ExpenseType struct {
	ID          string
	Code        string
	Description string
	BaseValue   Money
	Active      bool
}

// CreateInput opens a new order.
type CreateInput struct {
	ContractID         string     `json:"contrato_id" validate:"required,uuid"`
	DataAbertura       time.Time  `json:"data_abertura"`
	DataFechamento     *time.Time `json:"data_fechamento"`
	RequesterCompanyID string     `json:"empresa_solicitante_id" validate:"omitempty,uuid"`
	RequesterTitularID string     `json:"titular_solicitante_id" validate:"omitempty,uuid"`
	PayerCompanyID     string     `json:"empresa_pagadora_id" validate:"omitempty,uuid"`
	PayerTitularID     string     `json:"titular_pagador_id" validate:"omitempty,uuid"`
	SolicitanteID      string     `json:"solicitante_id" validate:"omitempty,uuid"`
	ColaboradorID      string     `json:"colaborador_id" validate:"omitempty,uuid"`
	Observacao         string     `json:"observacao" validate:"max=5000"`
	TitularIDs         []string   `json:"titulares" validate:"dive,uuid"`
	DependenteIDs      []string   `json:"dependentes" validate:"dive,uuid"`
}

// ItemInput adds a service. UnitPrice defaults to the contract price.
type ItemInput struct {
	ContractServiceID string `json:"contrato_servico_id" validate:"required,uuid"`
	Quantity          int    `json:"quantidade" validate:"min=1,max=100000"`
	UnitPrice         *Money `json:"valor_aplicado"`
}

// ExpenseInput adds an expense. Value defaults to the type's base value.
type ExpenseInput struct {
	ExpenseTypeID string `json:"tipo_despesa_id" validate:"required,uuid"`
	Value         *Money `json:"valor"`
	Note          string `json:"observacao" validate:"max=2000"`
}

// Actor is who performs a mutation. Override is the administrative right to
// edit orders that are no longer open.
type Actor struct {
	UserID   string
	Override bool
}

// StatusCount is one row of the statistics breakdown.
type StatusCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Stats aggregates all orders.
type Stats struct {
	Total      int64                  `json:"total"`
	ByStatus   map[Status]StatusCount `json:"por_status"`
	TotalValue Money                  `json:"valor_total_geral"`
	Average    Money                  `json:"valor_medio"`
}

// CreateParams is what the store persists for a new order.
type CreateParams struct {
	ID    string
	Input CreateInput
	By    string
	At    time.Time
}

// Lines reads and writes the lines and totals of one order. Inside Mutate it
// is bound to the transaction that holds the order lock.
type Lines interface {
	ContractService(ctx context.Context, id string) (*ContractService, error)
	ExpenseType(ctx context.Context, id string) (*ExpenseType, error)

	Items(ctx context.Context, orderID string) ([]Item, error)
	// ActiveExpenses excludes inactive expenses.
	ActiveExpenses(ctx context.Context, orderID string) ([]Expense, error)

	AddItem(ctx context.Context, it *Item) error
	RemoveItem(ctx context.Context, orderID, itemID string) error
	AddExpense(ctx context.Context, e *Expense) error
	RemoveExpense(ctx context.Context, orderID, expenseID string) error

	SaveTotals(ctx context.Context, orderID string, t Totals, by string, at time.Time) error
}

// MutateFunc changes the lines of a locked order. Returning an error rolls
// back everything it wrote.
type MutateFunc func(ctx context.Context, order *Order, lines Lines) error

// Store persists orders.
type Store interface {
	Lines

	Contract(ctx context.Context, id string) (*Contract, error)

	// Create allocates the next numero and inserts the order with its beneficiaries.
	Create(ctx context.Context, p CreateParams) (*Order, error)
	Get(ctx context.Context, id string) (*Order, error)
	Beneficiaries(ctx context.Context, orderID string) ([]Beneficiary, error)
	List(ctx context.Context, f Filter, p Page) (*Listing, error)

	// Mutate locks the order, loads it and runs fn in one transaction. Status
	// changes and other mutations of the same order wait until it commits.
	Mutate(ctx context.Context, orderID string, fn MutateFunc) error
	// UpdateStatus applies the change only if the order is still in from.
	UpdateStatus(ctx context.Context, orderID string, from, to Status, by string, at time.Time) error
	// Delete removes an open order without documents. It returns ErrHasDocuments
	// when documents exist.
	Delete(ctx context.Context, orderID string) error
	Stats(ctx context.Context) (Stats, error)
}
