package serviceorder

// Totals are the three monetary aggregates of an order.
type Totals struct {
	Services Money `json:"valor_servicos"`
	Expenses Money `json:"valor_despesas"`
	Total    Money `json:"valor_total"`
}

// ComputeTotals sums item lines and active expenses. Amounts that do not fit
// in a Money fail with ErrInvalidInput.
func ComputeTotals(items []Item, expenses []Expense) (Totals, error) {
	var t Totals
	for _, it := range items {
		line, err := it.Total()
		if err != nil {
			return Totals{}, err
		}
		if t.Services, err = t.Services.Add(line); err != nil {
			return Totals{}, err
		}
	}
	for _, e := range expenses {
		if !e.Active {
			continue
		}
		var err error
		if t.Expenses, err = t.Expenses.Add(e.Value); err != nil {
			return Totals{}, err
		}
	}
	total, err := t.Services.Add(t.Expenses)
	if err != nil {
		return Totals{}, err
	}
	t.Total = total
	return t, nil
}

// Apply copies t onto o.
func (t Totals) Apply(o *Order) {
	o.ValorServicos = t.Services
	o.ValorDespesas = t.Expenses
	o.ValorTotal = t.Total
}
