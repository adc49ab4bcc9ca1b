package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlas.org/internal/ids"
	"atlas.org/internal/serviceorder"
)

var _ serviceorder.Store = (*Store)(nil)

// orderNumeroLock serializes numero allocation across transactions.
const orderNumeroLock int64 = 0x41544c534f53

func (s *Store) Contract(ctx context.Context, id string) (*serviceorder.Contract, error) {
	if !ids.IsUUID(id) {
		return nil, serviceorder.ErrNotFound
	}
	var c serviceorder.Contract
	err := s.db.QueryRowContext(ctx, `
		select c.id, c.number, co.name, c.active
		from contracts c
		join companies co on co.id = c.company_id
		where c.id = $1
	`, id).Scan(&c.ID, &c.Number, &c.ContractorName, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, serviceorder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ContractService(ctx context.Context, id string) (*serviceorder.ContractService, error) {
	if !ids.IsUUID(id) {
		return nil, serviceorder.ErrNotFound
	}
	var cs serviceorder.ContractService
	err := s.conn().QueryRowContext(ctx, `
		select cs.id, cs.contract_id, sv.item, sv.description, cs.price, cs.active
		from contract_services cs
		join services sv on sv.id = cs.service_id
		where cs.id = $1
	`, id).Scan(&cs.ID, &cs.ContractID, &cs.ServiceCode, &cs.Description, &cs.Price, &cs.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, serviceorder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *Store) ExpenseType(ctx context.Context, id string) (*serviceorder.ExpenseType, error) {
	if !ids.IsUUID(id) {
		return nil, serviceorder.ErrNotFound
	}
	var et serviceorder.ExpenseType
	err := s.conn().QueryRowContext(ctx, `
		select id, item, description, base_value, active
		from expense_types
		where id = $1
	`, id).Scan(&et.ID, &et.Code, &et.Description, &et.BaseValue, &et.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, serviceorder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &et, nil
}

// Create assigns numero as max+1 under a transaction-scoped advisory lock and
// links the beneficiaries in the same transaction.
func (s *Store) Create(ctx context.Context, p serviceorder.CreateParams) (*serviceorder.Order, error) {
	in := p.Input
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, orderNumeroLock); err != nil {
			return err
		}
		var numero int64
		if err := tx.QueryRowContext(ctx, `select coalesce(max(numero), 0) + 1 from service_orders`).Scan(&numero); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into service_orders (
				id, numero, contract_id,
				requester_company_id, requester_titular_id, payer_company_id, payer_titular_id,
				solicitante_id, colaborador_id, data_abertura, data_fechamento,
				status, observacao, created_at, updated_at, created_by, updated_by
			) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $15, $15)
		`, p.ID, numero, in.ContractID,
			nullIfEmpty(in.RequesterCompanyID), nullIfEmpty(in.RequesterTitularID),
			nullIfEmpty(in.PayerCompanyID), nullIfEmpty(in.PayerTitularID),
			nullIfEmpty(in.SolicitanteID), nullIfEmpty(in.ColaboradorID),
			in.DataAbertura, nullTime(in.DataFechamento),
			string(serviceorder.StatusOpen), in.Observacao, p.At, nullIfEmpty(p.By),
		); err != nil {
			return err
		}
		for _, id := range in.TitularIDs {
			if _, err := tx.ExecContext(ctx, `
				insert into service_order_titulares (order_id, titular_id) values ($1, $2)
				on conflict do nothing
			`, p.ID, id); err != nil {
				return err
			}
		}
		for _, id := range in.DependenteIDs {
			if _, err := tx.ExecContext(ctx, `
				insert into service_order_dependentes (order_id, dependente_id) values ($1, $2)
				on conflict do nothing
			`, p.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, serviceorder.ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, p.ID)
}

const orderSelect = `
	select o.id, o.numero, o.contract_id, c.number, cc.name,
	       case when o.requester_company_id is not null then 'empresa'
	            when o.requester_titular_id is not null then 'titular' else '' end,
	       coalesce(rc.name, rt.name, ''),
	       case when o.payer_company_id is not null then 'empresa'
	            when o.payer_titular_id is not null then 'titular' else '' end,
	       coalesce(pc.name, pt.name, ''),
	       coalesce(o.solicitante_id::text, ''), coalesce(su.name, ''),
	       coalesce(o.colaborador_id::text, ''), coalesce(cu.name, ''),
	       o.data_abertura, o.data_fechamento, o.data_finalizada, o.status, o.observacao,
	       o.valor_servicos, o.valor_despesas, o.valor_total,
	       o.created_at, o.updated_at, coalesce(o.created_by::text, ''), coalesce(o.updated_by::text, '')
	from service_orders o
	join contracts c on c.id = o.contract_id
	join companies cc on cc.id = c.company_id
	left join companies rc on rc.id = o.requester_company_id
	left join titulares rt on rt.id = o.requester_titular_id
	left join companies pc on pc.id = o.payer_company_id
	left join titulares pt on pt.id = o.payer_titular_id
	left join users su on su.id = o.solicitante_id
	left join users cu on cu.id = o.colaborador_id
`

func scanOrder(row rowScanner) (*serviceorder.Order, error) {
	var (
		o                     serviceorder.Order
		status                string
		fechamento, finalized sql.NullTime
	)
	if err := row.Scan(
		&o.ID, &o.Numero, &o.ContractID, &o.ContractNumber, &o.ContractorName,
		&o.RequesterKind, &o.RequesterName, &o.PayerKind, &o.PayerName,
		&o.SolicitanteID, &o.SolicitanteName, &o.ColaboradorID, &o.ColaboradorName,
		&o.DataAbertura, &fechamento, &finalized, &status, &o.Observacao,
		&o.ValorServicos, &o.ValorDespesas, &o.ValorTotal,
		&o.CreatedAt, &o.UpdatedAt, &o.CreatedBy, &o.UpdatedBy,
	); err != nil {
		return nil, err
	}
	o.Status = serviceorder.Status(status)
	o.DataFechamento = timePtr(fechamento)
	o.DataFinalizada = timePtr(finalized)
	return &o, nil
}

func (s *Store) Get(ctx context.Context, id string) (*serviceorder.Order, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	o, err := scanOrder(s.conn().QueryRowContext(ctx, orderSelect+` where o.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, serviceorder.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) Items(ctx context.Context, orderID string) ([]serviceorder.Item, error) {
	rows, err := s.conn().QueryContext(ctx, `
		select i.id, i.order_id, i.contract_service_id, sv.item, sv.description, i.quantity, i.unit_price, i.created_at
		from service_order_items i
		join contract_services cs on cs.id = i.contract_service_id
		join services sv on sv.id = cs.service_id
		where i.order_id = $1
		order by i.created_at, i.id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []serviceorder.Item
	for rows.Next() {
		var it serviceorder.Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ContractServiceID, &it.ServiceCode, &it.Description, &it.Quantity, &it.UnitPrice, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) ActiveExpenses(ctx context.Context, orderID string) ([]serviceorder.Expense, error) {
	rows, err := s.conn().QueryContext(ctx, `
		select e.id, e.order_id, e.expense_type_id, et.item, et.description, e.value, e.active, e.note, e.created_at
		from service_order_expenses e
		join expense_types et on et.id = e.expense_type_id
		where e.order_id = $1 and e.active
		order by e.created_at, e.id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []serviceorder.Expense
	for rows.Next() {
		var e serviceorder.Expense
		if err := rows.Scan(&e.ID, &e.OrderID, &e.ExpenseTypeID, &e.TypeCode, &e.Description, &e.Value, &e.Active, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Beneficiaries lists titulares first, then dependentes, each by name.
func (s *Store) Beneficiaries(ctx context.Context, orderID string) ([]serviceorder.Beneficiary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select t.id, 'Titular' as kind, t.name, t.rnm, '' as responsible
		from service_order_titulares ot
		join titulares t on t.id = ot.titular_id
		where ot.order_id = $1
		union all
		select d.id, 'Dependente', d.name, d.rnm, t.name
		from service_order_dependentes od
		join dependentes d on d.id = od.dependente_id
		join titulares t on t.id = d.titular_id
		where od.order_id = $1
		order by kind desc, name
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []serviceorder.Beneficiary
	for rows.Next() {
		var b serviceorder.Beneficiary
		if err := rows.Scan(&b.ID, &b.Kind, &b.Name, &b.Document, &b.Responsible); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) AddItem(ctx context.Context, it *serviceorder.Item) error {
	err := s.conn().QueryRowContext(ctx, `
		insert into service_order_items (id, order_id, contract_service_id, quantity, unit_price)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, it.ID, it.OrderID, it.ContractServiceID, it.Quantity, int64(it.UnitPrice)).Scan(&it.CreatedAt)
	if isForeignKeyViolation(err) {
		return serviceorder.ErrNotFound
	}
	return err
}

func (s *Store) RemoveItem(ctx context.Context, orderID, itemID string) error {
	if !ids.IsUUID(itemID) {
		return serviceorder.ErrNotFound
	}
	res, err := s.conn().ExecContext(ctx, `delete from service_order_items where id = $1 and order_id = $2`, itemID, orderID)
	if err != nil {
		return err
	}
	return affectedOne(res, serviceorder.ErrNotFound)
}

func (s *Store) AddExpense(ctx context.Context, e *serviceorder.Expense) error {
	err := s.conn().QueryRowContext(ctx, `
		insert into service_order_expenses (id, order_id, expense_type_id, value, active, note)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, e.ID, e.OrderID, e.ExpenseTypeID, int64(e.Value), e.Active, e.Note).Scan(&e.CreatedAt)
	if isForeignKeyViolation(err) {
		return serviceorder.ErrNotFound
	}
	return err
}

// RemoveExpense deactivates the expense; inactive expenses stay for history
// but no longer count toward totals.
func (s *Store) RemoveExpense(ctx context.Context, orderID, expenseID string) error {
	if !ids.IsUUID(expenseID) {
		return serviceorder.ErrNotFound
	}
	res, err := s.conn().ExecContext(ctx, `
		update service_order_expenses set active = false
		where id = $1 and order_id = $2 and active
	`, expenseID, orderID)
	if err != nil {
		return err
	}
	return affectedOne(res, serviceorder.ErrNotFound)
}

func (s *Store) SaveTotals(ctx context.Context, orderID string, t serviceorder.Totals, by string, at time.Time) error {
	res, err := s.conn().ExecContext(ctx, `
		update service_orders
		set valor_servicos = $2, valor_despesas = $3, valor_total = $4, updated_at = $5, updated_by = $6
		where id = $1
	`, orderID, int64(t.Services), int64(t.Expenses), int64(t.Total), at, nullIfEmpty(by))
	if err != nil {
		return err
	}
	return affectedOne(res, serviceorder.ErrNotFound)
}

// UpdateStatus is a compare-and-set on status. Losing the race to another
// transition yields ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, from, to serviceorder.Status, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update service_orders
		set status = $3,
		    data_finalizada = case when $3 = 'FINALIZADA' then coalesce(data_finalizada, $5) else data_finalizada end,
		    updated_at = $5, updated_by = $4
		where id = $1 and status = $2
	`, orderID, string(from), string(to), nullIfEmpty(by), at)
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
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from service_orders where id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return serviceorder.ErrNotFound
	}
	return serviceorder.ErrInvalidTransition
}

// Mutate holds the order row lock for the whole of fn. fn receives a Store
// bound to the transaction.
func (s *Store) Mutate(ctx context.Context, orderID string, fn serviceorder.MutateFunc) error {
	if !ids.IsUUID(orderID) {
		return serviceorder.ErrNotFound
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `select id from service_orders where id = $1 for update`, orderID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return serviceorder.ErrNotFound
		}
		if err != nil {
			return err
		}
		locked := &Store{db: s.db, tx: tx}
		order, err := locked.Get(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, order, locked)
	})
}

func (s *Store) Delete(ctx context.Context, orderID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `select status from service_orders where id = $1 for update`, orderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return serviceorder.ErrNotFound
		}
		if err != nil {
			return err
		}
		if serviceorder.Status(status) != serviceorder.StatusOpen {
			return serviceorder.ErrNotEditable
		}
		var docs bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from service_order_documents where order_id = $1)`, orderID).Scan(&docs); err != nil {
			return err
		}
		if docs {
			return serviceorder.ErrHasDocuments
		}
		_, err = tx.ExecContext(ctx, `delete from service_orders where id = $1`, orderID)
		if isForeignKeyViolation(err) {
			return serviceorder.ErrHasDocuments
		}
		return err
	})
}

func (s *Store) Stats(ctx context.Context) (serviceorder.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		select status, count(*), coalesce(sum(valor_total), 0)
		from service_orders
		group by status
	`)
	if err != nil {
		return serviceorder.Stats{}, err
	}
	defer rows.Close()

	st := serviceorder.Stats{ByStatus: map[serviceorder.Status]serviceorder.StatusCount{}}
	for rows.Next() {
		var (
			status string
			count  int64
			sum    int64
		)
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return serviceorder.Stats{}, err
		}
		st.ByStatus[serviceorder.Status(status)] = serviceorder.StatusCount{Count: count}
		st.Total += count
		st.TotalValue += serviceorder.Money(sum)
	}
	if err := rows.Err(); err != nil {
		return serviceorder.Stats{}, err
	}
	if st.Total > 0 {
		st.Average = st.TotalValue / serviceorder.Money(st.Total)
	}
	return st, nil
}
