package serviceorder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contractID         = "7b0f2a8e-5a5c-4c63-9d57-8f0a1f4f0001"
	inactiveContractID = "7b0f2a8e-5a5c-4c63-9d57-8f0a1f4f0002"
	otherContractID    = "7b0f2a8e-5a5c-4c63-9d57-8f0a1f4f0003"
	serviceID          = "1c6f1b5e-0f5e-4b8a-a3a4-5b0d1e2f0001"
	foreignServiceID   = "1c6f1b5e-0f5e-4b8a-a3a4-5b0d1e2f0002"
	expenseTypeID      = "9e2d3c4b-6a7f-4e8d-9c0b-1a2b3c4d0001"
)

type memStore struct {
	// rowLock stands in for the order row lock: Mutate, UpdateStatus and
	// Delete hold it.
	rowLock    sync.Mutex
	mu         sync.Mutex
	beforeAdd  func(orderID string)
	orders     map[string]*Order
	items      map[string][]Item
	expenses   map[string][]Expense
	documents  map[string]int
	nextNumero int64
	deleted    []string
}

func newMemStore() *memStore {
	return &memStore{
		orders:    map[string]*Order{},
		items:     map[string][]Item{},
		expenses:  map[string][]Expense{},
		documents: map[string]int{},
	}
}

func (m *memStore) Contract(_ context.Context, id string) (*Contract, error) {
	switch id {
	case contractID:
		return &Contract{ID: id, Number: "CT-2024-001", ContractorName: "Acme Ltda", Active: true}, nil
	case inactiveContractID:
		return &Contract{ID: id, Number: "CT-2019-004", Active: false}, nil
	case otherContractID:
		return &Contract{ID: id, Number: "CT-2024-002", Active: true}, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) ContractService(_ context.Context, id string) (*ContractService, error) {
	switch id {
	case serviceID:
		return &ContractService{ID: id, ContractID: contractID, ServiceCode: "VIS-01", Description: "Visto de trabalho", Price: 150000, Active: true}, nil
	case foreignServiceID:
		return &ContractService{ID: id, ContractID: otherContractID, ServiceCode: "RNM-02", Price: 1000, Active: true}, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) ExpenseType(_ context.Context, id string) (*ExpenseType, error) {
	if id == expenseTypeID {
		return &ExpenseType{ID: id, Code: "TAX", Description: "Taxa consular", BaseValue: 25075, Active: true}, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) Create(_ context.Context, p CreateParams) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNumero++
	o := &Order{
		ID:             p.ID,
		Numero:         m.nextNumero,
		ContractID:     p.Input.ContractID,
		DataAbertura:   p.Input.DataAbertura,
		DataFechamento: p.Input.DataFechamento,
		Status:         StatusOpen,
		Observacao:     p.Input.Observacao,
		CreatedAt:      p.At,
		UpdatedAt:      p.At,
		CreatedBy:      p.By,
		UpdatedBy:      p.By,
	}
	m.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (m *memStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) Items(_ context.Context, orderID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items[orderID]...), nil
}

func (m *memStore) ActiveExpenses(_ context.Context, orderID string) ([]Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Expense
	for _, e := range m.expenses[orderID] {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Beneficiaries(context.Context, string) ([]Beneficiary, error) {
	return []Beneficiary{{Kind: BeneficiaryTitular, Name: "Maria Souza", Document: "V123456-7"}}, nil
}

func (m *memStore) AddItem(_ context.Context, it *Item) error {
	if m.beforeAdd != nil {
		m.beforeAdd(it.OrderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.OrderID] = append(m.items[it.OrderID], *it)
	return nil
}

func (m *memStore) RemoveItem(_ context.Context, orderID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items[orderID] {
		if it.ID == itemID {
			m.items[orderID] = append(m.items[orderID][:i], m.items[orderID][i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) AddExpense(_ context.Context, e *Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expenses[e.OrderID] = append(m.expenses[e.OrderID], *e)
	return nil
}

func (m *memStore) RemoveExpense(_ context.Context, orderID, expenseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.expenses[orderID] {
		if e.ID == expenseID {
			m.expenses[orderID] = append(m.expenses[orderID][:i], m.expenses[orderID][i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) SaveTotals(_ context.Context, orderID string, t Totals, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	t.Apply(o)
	o.UpdatedBy, o.UpdatedAt = by, at
	return nil
}

func (m *memStore) List(_ context.Context, f Filter, p Page) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.ContractID != "" && o.ContractID != f.ContractID {
			continue
		}
		rows = append(rows, *o)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Numero > rows[j].Numero })
	p = p.Clamp(int64(len(rows)))
	out := &Listing{Count: int64(len(rows)), Page: p.Number, PageSize: p.Size, Results: []Order{}}
	if from := p.Offset(); from < len(rows) {
		out.Results = rows[from:min(from+p.Size, len(rows))]
	}
	return out, nil
}

func (m *memStore) Mutate(ctx context.Context, orderID string, fn MutateFunc) error {
	m.rowLock.Lock()
	defer m.rowLock.Unlock()
	order, err := m.Get(ctx, orderID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	items := append([]Item(nil), m.items[orderID]...)
	expenses := append([]Expense(nil), m.expenses[orderID]...)
	m.mu.Unlock()

	if err := fn(ctx, order, m); err != nil {
		m.mu.Lock()
		m.items[orderID], m.expenses[orderID] = items, expenses
		*m.orders[orderID] = *order
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, orderID string, from, to Status, by string, at time.Time) error {
	m.rowLock.Lock()
	defer m.rowLock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrInvalidTransition
	}
	o.Status, o.UpdatedBy, o.UpdatedAt = to, by, at
	if to == StatusFinalized {
		o.DataFinalizada = &at
	}
	return nil
}

func (m *memStore) Delete(_ context.Context, orderID string) error {
	m.rowLock.Lock()
	defer m.rowLock.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.documents[orderID] > 0 {
		return ErrHasDocuments
	}
	delete(m.orders, orderID)
	m.deleted = append(m.deleted, orderID)
	return nil
}

func (m *memStore) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{ByStatus: map[Status]StatusCount{}}
	var sum Money
	for _, o := range m.orders {
		st.Total++
		c := st.ByStatus[o.Status]
		c.Count++
		st.ByStatus[o.Status] = c
		sum += o.ValorTotal
	}
	st.TotalValue = sum
	if st.Total > 0 {
		st.Average = sum / Money(st.Total)
	}
	return st, nil
}

var (
	testNow = time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)
	gestor  = Actor{UserID: "u-gestor"}
	diretor = Actor{UserID: "u-diretor", Override: true}
)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewService(store, WithClock(func() time.Time { return testNow })), store
}

func openOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), gestor, CreateInput{ContractID: contractID})
	require.NoError(t, err)
	return o
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	o := openOrder(t, svc)
	assert.Equal(t, int64(1), o.Numero)
	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, testNow, o.DataAbertura)
	assert.Equal(t, "u-gestor", o.CreatedBy)

	second := openOrder(t, svc)
	assert.Equal(t, int64(2), second.Numero)

	_, err := svc.Create(ctx, gestor, CreateInput{ContractID: inactiveContractID})
	assert.ErrorIs(t, err, ErrContractInactive)

	_, err = svc.Create(ctx, gestor, CreateInput{ContractID: "nope"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(ctx, gestor, CreateInput{
		ContractID:         contractID,
		RequesterCompanyID: "5d1c0b6e-1111-4a2b-9c3d-000000000001",
		RequesterTitularID: "5d1c0b6e-1111-4a2b-9c3d-000000000002",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	before := testNow.Add(-24 * time.Hour)
	_, err = svc.Create(ctx, gestor, CreateInput{ContractID: contractID, DataAbertura: testNow, DataFechamento: &before})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestItemsAndExpensesRecomputeTotals(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	o := openOrder(t, svc)

	item, updated, err := svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, Money(150000), item.UnitPrice)
	assert.Equal(t, Money(300000), updated.ValorServicos)

	custom := Money(12345)
	_, updated, err = svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, UnitPrice: &custom})
	require.NoError(t, err)
	assert.Equal(t, Money(312345), updated.ValorServicos)

	exp, updated, err := svc.AddExpense(ctx, gestor, o.ID, ExpenseInput{ExpenseTypeID: expenseTypeID})
	require.NoError(t, err)
	assert.Equal(t, Money(25075), exp.Value)
	assert.Equal(t, Money(25075), updated.ValorDespesas)
	assert.Equal(t, Money(337420), updated.ValorTotal)

	updated, err = svc.RemoveItem(ctx, gestor, o.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, Totals{Services: 12345, Expenses: 25075, Total: 37420}, Totals{updated.ValorServicos, updated.ValorDespesas, updated.ValorTotal})

	updated, err = svc.RemoveExpense(ctx, gestor, o.ID, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, Money(12345), updated.ValorTotal)

	got, err := svc.Recalculate(ctx, gestor, o.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ValorTotal, got.ValorTotal)
}

func TestAddItemRejectsForeignService(t *testing.T) {
	svc, _ := newTestService(t)
	o := openOrder(t, svc)
	_, _, err := svc.AddItem(context.Background(), gestor, o.ID, ItemInput{ContractServiceID: foreignServiceID, Quantity: 1})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "O serviço deve pertencer ao mesmo contrato da OS.", e.Message)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEditingRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	finalized := openOrder(t, svc)
	_, err := svc.Finalize(ctx, gestor, finalized.ID)
	require.NoError(t, err)

	_, _, err = svc.AddExpense(ctx, gestor, finalized.ID, ExpenseInput{ExpenseTypeID: expenseTypeID})
	assert.ErrorIs(t, err, ErrNotEditable)
	_, _, err = svc.AddExpense(ctx, diretor, finalized.ID, ExpenseInput{ExpenseTypeID: expenseTypeID})
	assert.NoError(t, err)

	cancelled := openOrder(t, svc)
	_, err = svc.Cancel(ctx, gestor, cancelled.ID)
	require.NoError(t, err)
	_, err = svc.Recalculate(ctx, diretor, cancelled.ID)
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	o := openOrder(t, svc)

	_, err := svc.Invoice(ctx, gestor, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := svc.Finalize(ctx, gestor, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)
	require.NotNil(t, got.DataFinalizada)

	_, err = svc.Cancel(ctx, gestor, o.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = svc.Invoice(ctx, gestor, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvoiced, got.Status)

	got, err = svc.Receive(ctx, gestor, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	withDocs := openOrder(t, svc)
	store.documents[withDocs.ID] = 1
	assert.ErrorIs(t, svc.Delete(ctx, withDocs.ID), ErrHasDocuments)

	finalized := openOrder(t, svc)
	_, err := svc.Finalize(ctx, gestor, finalized.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, finalized.ID), ErrNotEditable)

	open := openOrder(t, svc)
	require.NoError(t, svc.Delete(ctx, open.ID))
	assert.Equal(t, []string{open.ID}, store.deleted)

	_, err = svc.Get(ctx, open.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDetailLoadsEverything(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	o := openOrder(t, svc)
	_, _, err := svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
	require.NoError(t, err)
	_, _, err = svc.AddExpense(ctx, gestor, o.ID, ExpenseInput{ExpenseTypeID: expenseTypeID})
	require.NoError(t, err)

	d, err := svc.Detail(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, d.Items, 1)
	assert.Len(t, d.Expenses, 1)
	assert.Len(t, d.Beneficiaries, 1)
	assert.Equal(t, Money(175075), d.Order.ValorTotal)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a := openOrder(t, svc)
	b := openOrder(t, svc)
	_, _, err := svc.AddItem(ctx, gestor, a.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, gestor, b.ID)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, Money(150000), st.TotalValue)
	assert.Equal(t, Money(75000), st.Average)
	assert.Len(t, st.ByStatus, len(Statuses()))
	assert.Equal(t, StatusCount{Label: "Aberta", Count: 1}, st.ByStatus[StatusOpen])
	assert.Equal(t, StatusCount{Label: "Faturada", Count: 0}, st.ByStatus[StatusInvoiced])

	keys := make([]string, 0, len(st.ByStatus))
	for k := range st.ByStatus {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"ABERTA", "CANCELADA", "FATURADA", "FINALIZADA", "RECEBIDA"}, keys)
}

func TestAmountsOverLimitAreRejected(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	o := openOrder(t, svc)

	huge, err := ParseMoney("92233720368546")
	require.NoError(t, err)
	_, _, err = svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 100000, UnitPrice: &huge})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "O valor aplicado excede o limite de R$ 1.000.000.000,00.", e.Message)

	_, _, err = svc.AddExpense(ctx, gestor, o.ID, ExpenseInput{ExpenseTypeID: expenseTypeID, Value: &huge})
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Money(0), got.ValorTotal)
	assert.Empty(t, store.items[o.ID])
	assert.Empty(t, store.expenses[o.ID])
}

func TestTotalsOverflowRollsBackTheLine(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	o := openOrder(t, svc)

	for i := 0; i < 1000; i++ {
		store.items[o.ID] = append(store.items[o.ID], Item{OrderID: o.ID, Quantity: 100000, UnitPrice: MaxAmount})
	}
	_, _, err := svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Len(t, store.items[o.ID], 1000, "the new line is rolled back")
	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Money(0), got.ValorTotal, "no wrapped total is saved")
}

func TestStatusChangeWaitsForLineMutation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	o := openOrder(t, svc)

	finalized := make(chan error, 1)
	changedEarly := false
	store.beforeAdd = func(string) {
		store.beforeAdd = nil
		go func() {
			_, err := svc.Finalize(ctx, gestor, o.ID)
			finalized <- err
		}()
		select {
		case err := <-finalized:
			changedEarly = true
			finalized <- err
		case <-time.After(50 * time.Millisecond):
		}
	}

	_, updated, err := svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
	require.NoError(t, err)
	assert.False(t, changedEarly, "status changed while the order was locked")
	assert.Equal(t, StatusOpen, updated.Status)
	require.NoError(t, <-finalized)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)
	assert.Equal(t, Money(150000), got.ValorTotal)

	_, _, err = svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.Len(t, store.items[o.ID], 1)
}

func TestConcurrentAddsKeepEveryLineInTotals(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	o := openOrder(t, svc)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.AddItem(ctx, gestor, o.ID, ItemInput{ContractServiceID: serviceID, Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, Money(n*150000), got.ValorServicos)
	assert.Equal(t, got.ValorServicos, got.ValorTotal)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	for i := 0; i < 25; i++ {
		openOrder(t, svc)
	}

	first, err := svc.List(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(25), first.Count)
	assert.Equal(t, DefaultPageSize, first.PageSize)
	require.Len(t, first.Results, DefaultPageSize)
	assert.Equal(t, int64(25), first.Results[0].Numero)

	last, err := svc.List(ctx, Filter{Status: StatusOpen}, Page{Number: 9})
	require.NoError(t, err)
	assert.Equal(t, 2, last.Page, "pages past the end fall back to the last one")
	assert.Len(t, last.Results, 5)

	none, err := svc.List(ctx, Filter{Status: StatusInvoiced}, Page{Number: 3, Size: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), none.Count)
	assert.Equal(t, MaxPageSize, none.PageSize)
	assert.Empty(t, none.Results)

	lo, hi := Money(500), Money(100)
	for _, f := range []Filter{
		{Status: "ABERTO"},
		{ContractID: "nope"},
		{TitularID: "123"},
		{Ordering: "-senha"},
		{MinTotal: &lo, MaxTotal: &hi},
	} {
		_, err := svc.List(ctx, f, Page{})
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", f)
	}
}

func TestFilterSort(t *testing.T) {
	field, desc := Filter{}.Sort()
	assert.Equal(t, "numero", field)
	assert.True(t, desc)

	field, desc = Filter{Ordering: "valor_total"}.Sort()
	assert.Equal(t, "valor_total", field)
	assert.False(t, desc)

	assert.True(t, ValidOrdering("-data_abertura"))
	assert.False(t, ValidOrdering("numero; drop table"))
}
