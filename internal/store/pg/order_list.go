package pg

import (
	"context"
	"strconv"
	"strings"

	"atlas.org/internal/serviceorder"
)

var orderSortColumns = map[string]string{
	"numero":        "o.numero",
	"status":        "o.status",
	"data_abertura": "o.data_abertura",
	"valor_total":   "o.valor_total",
	"data_criacao":  "o.created_at",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// orderWhere renders f as a where clause over orderSelect's aliases. Each "?"
// in a condition becomes the placeholder of its argument.
func orderWhere(f serviceorder.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Numero > 0 {
		add("o.numero = ?", f.Numero)
	}
	if f.Status != "" {
		add("o.status = ?", string(f.Status))
	}
	if f.ContractID != "" {
		add("o.contract_id = ?", f.ContractID)
	}
	if f.RequesterCompanyID != "" {
		add("o.requester_company_id = ?", f.RequesterCompanyID)
	}
	if f.PayerCompanyID != "" {
		add("o.payer_company_id = ?", f.PayerCompanyID)
	}
	if f.TitularID != "" {
		add("exists (select 1 from service_order_titulares ot where ot.order_id = o.id and ot.titular_id = ?)", f.TitularID)
	}
	if f.DependenteID != "" {
		add("exists (select 1 from service_order_dependentes od where od.order_id = o.id and od.dependente_id = ?)", f.DependenteID)
	}
	if f.OpenedFrom != nil {
		add("o.data_abertura >= ?", *f.OpenedFrom)
	}
	if f.OpenedTo != nil {
		add("o.data_abertura <= ?", *f.OpenedTo)
	}
	if f.ClosedFrom != nil {
		add("o.data_fechamento >= ?", *f.ClosedFrom)
	}
	if f.ClosedTo != nil {
		add("o.data_fechamento <= ?", *f.ClosedTo)
	}
	if f.MinTotal != nil {
		add("o.valor_total >= ?", int64(*f.MinTotal))
	}
	if f.MaxTotal != nil {
		add("o.valor_total <= ?", int64(*f.MaxTotal))
	}
	if f.Search != "" {
		add("(o.numero::text ilike ? or o.observacao ilike ? or c.number ilike ?)", "%"+likeEscaper.Replace(f.Search)+"%")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

// List counts the matches first so a page past the end can fall back to the
// last one.
func (s *Store) List(ctx context.Context, f serviceorder.Filter, p serviceorder.Page) (*serviceorder.Listing, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	where, args := orderWhere(f)

	var count int64
	if err := s.conn().QueryRowContext(ctx, `
		select count(*)
		from service_orders o
		join contracts c on c.id = o.contract_id
	`+where, args...).Scan(&count); err != nil {
		return nil, err
	}
	p = p.Clamp(count)
	out := &serviceorder.Listing{Count: count, Page: p.Number, PageSize: p.Size, Results: []serviceorder.Order{}}
	if count == 0 {
		return out, nil
	}

	field, desc := f.Sort()
	column, ok := orderSortColumns[field]
	if !ok {
		column, desc = "o.numero", true
	}
	dir := " asc"
	if desc {
		dir = " desc"
	}
	n := len(args)
	query := orderSelect + where +
		" order by " + column + dir + ", o.id" + dir +
		" limit $" + strconv.Itoa(n+1) + " offset $" + strconv.Itoa(n+2)
	rows, err := s.conn().QueryContext(ctx, query, append(args, p.Size, p.Offset())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, *o)
	}
	return out, rows.Err()
}
