package serviceorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"atlas.org/internal/ids"
)

// Service implements the order aggregate rules over a Store.
type Service struct {
	store Store
	now   func() time.Time
	valid *validator.Validate
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wraps store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		valid: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens an order against an active contract.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Order, error) {
	in.Observacao = strings.TrimSpace(in.Observacao)
	if err := s.valid.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.RequesterCompanyID != "" && in.RequesterTitularID != "" {
		return nil, newError(ErrInvalidInput, "Informe empresa ou titular solicitante, não ambos.")
	}
	if in.PayerCompanyID != "" && in.PayerTitularID != "" {
		return nil, newError(ErrInvalidInput, "Informe empresa ou titular pagador, não ambos.")
	}
	now := s.now().UTC()
	if in.DataAbertura.IsZero() {
		in.DataAbertura = now
	}
	if in.DataFechamento != nil && in.DataFechamento.Before(in.DataAbertura) {
		return nil, newError(ErrInvalidInput, "A data de fechamento não pode ser anterior à data de abertura.")
	}
	contract, err := s.store.Contract(ctx, in.ContractID)
	if err != nil {
		return nil, err
	}
	if !contract.Active {
		return nil, newError(ErrContractInactive, "Não é possível criar OS para um contrato que não está ativo.")
	}
	return s.store.Create(ctx, CreateParams{ID: ids.NewUUID(), Input: in, By: actor.UserID, At: now})
}

// Get loads one order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	if !ids.IsUUID(id) {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// Detail loads an order with its items, active expenses and beneficiaries.
func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{Order: *order}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := s.store.Items(gctx, id)
		d.Items = items
		return err
	})
	g.Go(func() error {
		expenses, err := s.store.ActiveExpenses(gctx, id)
		d.Expenses = expenses
		return err
	})
	g.Go(func() error {
		beneficiaries, err := s.store.Beneficiaries(gctx, id)
		d.Beneficiaries = beneficiaries
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load order %s detail: %w", id, err)
	}
	return d, nil
}

// List returns one page of orders matching f.
func (s *Service) List(ctx context.Context, f Filter, p Page) (*Listing, error) {
	f.Search = strings.TrimSpace(f.Search)
	if f.Status != "" && !f.Status.Valid() {
		return nil, newError(ErrInvalidInput, "Status inválido.")
	}
	for _, id := range []string{f.ContractID, f.RequesterCompanyID, f.PayerCompanyID, f.TitularID, f.DependenteID} {
		if id != "" && !ids.IsUUID(id) {
			return nil, newError(ErrInvalidInput, "Identificador inválido.")
		}
	}
	if f.Ordering != "" && !ValidOrdering(f.Ordering) {
		return nil, newError(ErrInvalidInput, "Ordenação inválida.")
	}
	if f.MinTotal != nil && f.MaxTotal != nil && *f.MinTotal > *f.MaxTotal {
		return nil, newError(ErrInvalidInput, "O valor mínimo não pode ser maior que o valor máximo.")
	}
	return s.store.List(ctx, f, p.Normalize())
}

// AddItem attaches a contract service and recomputes totals.
func (s *Service) AddItem(ctx context.Context, actor Actor, orderID string, in ItemInput) (*Item, *Order, error) {
	if in.Quantity == 0 {
		in.Quantity = 1
	}
	if err := s.valid.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	var it *Item
	updated, err := s.mutate(ctx, actor, orderID, func(ctx context.Context, order *Order, lines Lines) error {
		cs, err := lines.ContractService(ctx, in.ContractServiceID)
		if err != nil {
			return err
		}
		if cs.ContractID != order.ContractID {
			return newError(ErrInvalidInput, "O serviço deve pertencer ao mesmo contrato da OS.")
		}
		if !cs.Active {
			return newError(ErrInvalidInput, "O serviço selecionado está inativo.")
		}
		price := cs.Price
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}
		if price.IsNegative() {
			return newError(ErrInvalidInput, "O valor aplicado não pode ser negativo.")
		}
		if price > MaxAmount {
			return newError(ErrInvalidInput, "O valor aplicado excede o limite de "+MaxAmount.BRL()+".")
		}
		it = &Item{
			ID:                ids.NewUUID(),
			OrderID:           order.ID,
			ContractServiceID: cs.ID,
			ServiceCode:       cs.ServiceCode,
			Description:       cs.Description,
			Quantity:          in.Quantity,
			UnitPrice:         price,
			CreatedAt:         s.now().UTC(),
		}
		return lines.AddItem(ctx, it)
	})
	if err != nil {
		return nil, nil, err
	}
	return it, updated, nil
}

// RemoveItem deletes an item and recomputes totals.
func (s *Service) RemoveItem(ctx context.Context, actor Actor, orderID, itemID string) (*Order, error) {
	return s.mutate(ctx, actor, orderID, func(ctx context.Context, order *Order, lines Lines) error {
		return lines.RemoveItem(ctx, order.ID, itemID)
	})
}

// AddExpense attaches an expense and recomputes totals.
func (s *Service) AddExpense(ctx context.Context, actor Actor, orderID string, in ExpenseInput) (*Expense, *Order, error) {
	in.Note = strings.TrimSpace(in.Note)
	if err := s.valid.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	var e *Expense
	updated, err := s.mutate(ctx, actor, orderID, func(ctx context.Context, order *Order, lines Lines) error {
		et, err := lines.ExpenseType(ctx, in.ExpenseTypeID)
		if err != nil {
			return err
		}
		if !et.Active {
			return newError(ErrInvalidInput, "O tipo de despesa selecionado está inativo.")
		}
		value := et.BaseValue
		if in.Value != nil {
			value = *in.Value
		}
		if value.IsNegative() {
			return newError(ErrInvalidInput, "O valor da despesa não pode ser negativo.")
		}
		if value > MaxAmount {
			return newError(ErrInvalidInput, "O valor da despesa excede o limite de "+MaxAmount.BRL()+".")
		}
		e = &Expense{
			ID:            ids.NewUUID(),
			OrderID:       order.ID,
			ExpenseTypeID: et.ID,
			TypeCode:      et.Code,
			Description:   et.Description,
			Value:         value,
			Active:        true,
			Note:          in.Note,
			CreatedAt:     s.now().UTC(),
		}
		return lines.AddExpense(ctx, e)
	})
	if err != nil {
		return nil, nil, err
	}
	return e, updated, nil
}

// RemoveExpense deletes an expense and recomputes totals.
func (s *Service) RemoveExpense(ctx context.Context, actor Actor, orderID, expenseID string) (*Order, error) {
	return s.mutate(ctx, actor, orderID, func(ctx context.Context, order *Order, lines Lines) error {
		return lines.RemoveExpense(ctx, order.ID, expenseID)
	})
}

// Recalculate recomputes totals from the stored lines.
func (s *Service) Recalculate(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	return s.mutate(ctx, actor, orderID, func(context.Context, *Order, Lines) error { return nil })
}

// mutate runs fn against a locked order that actor may edit and then
// recomputes the totals in the same transaction.
func (s *Service) mutate(ctx context.Context, actor Actor, orderID string, fn MutateFunc) (*Order, error) {
	if !ids.IsUUID(orderID) {
		return nil, ErrNotFound
	}
	var out *Order
	err := s.store.Mutate(ctx, orderID, func(ctx context.Context, order *Order, lines Lines) error {
		if err := editable(actor, order); err != nil {
			return err
		}
		if err := fn(ctx, order, lines); err != nil {
			return err
		}
		updated, err := s.recalculate(ctx, lines, actor, order)
		out = updated
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) recalculate(ctx context.Context, lines Lines, actor Actor, order *Order) (*Order, error) {
	items, err := lines.Items(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	expenses, err := lines.ActiveExpenses(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	totals, err := ComputeTotals(items, expenses)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := lines.SaveTotals(ctx, order.ID, totals, actor.UserID, now); err != nil {
		return nil, err
	}
	out := *order
	totals.Apply(&out)
	out.UpdatedAt = now
	out.UpdatedBy = actor.UserID
	return &out, nil
}

// Finalize moves an open order to FINALIZADA.
func (s *Service) Finalize(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	return s.transition(ctx, actor, orderID, StatusFinalized)
}

// Cancel moves an open order to CANCELADA.
func (s *Service) Cancel(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	return s.transition(ctx, actor, orderID, StatusCancelled)
}

// Invoice moves a finalized order to FATURADA.
func (s *Service) Invoice(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	return s.transition(ctx, actor, orderID, StatusInvoiced)
}

// Receive moves an invoiced order to RECEBIDA.
func (s *Service) Receive(ctx context.Context, actor Actor, orderID string) (*Order, error) {
	return s.transition(ctx, actor, orderID, StatusReceived)
}

func (s *Service) transition(ctx context.Context, actor Actor, orderID string, to Status) (*Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := nextStatus(order.Status, to); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := s.store.UpdateStatus(ctx, order.ID, order.Status, to, actor.UserID, now); err != nil {
		return nil, err
	}
	out := *order
	out.Status = to
	out.UpdatedAt = now
	out.UpdatedBy = actor.UserID
	if to == StatusFinalized && out.DataFinalizada == nil {
		out.DataFinalizada = &now
	}
	return &out, nil
}

// Delete removes an open order that has no documents.
func (s *Service) Delete(ctx context.Context, orderID string) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != StatusOpen {
		return newError(ErrNotEditable, "Somente OS em andamento podem ser excluídas.")
	}
	err = s.store.Delete(ctx, order.ID)
	if errors.Is(err, ErrHasDocuments) {
		return newError(ErrHasDocuments, "Não é possível excluir uma OS que possui documentos emitidos.")
	}
	return err
}

// Stats aggregates every order.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	full := make(map[Status]StatusCount, len(allStatuses))
	for _, status := range allStatuses {
		c := st.ByStatus[status]
		full[status] = StatusCount{Label: status.Label(), Count: c.Count}
	}
	st.ByStatus = full
	return st, nil
}

func editable(actor Actor, order *Order) error {
	switch {
	case order.Status == StatusCancelled:
		return newError(ErrNotEditable, "Não é possível alterar uma OS cancelada.")
	case order.Status != StatusOpen && !actor.Override:
		return newError(ErrNotEditable, "Somente OS em andamento podem ser alteradas.")
	}
	return nil
}
