package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"atlas.org/internal/audit"
	"atlas.org/internal/authz"
	"atlas.org/internal/serviceorder"
)

type itemResponse struct {
	Item  *serviceorder.Item  `json:"item"`
	Order *serviceorder.Order `json:"ordem_servico"`
}

type expenseResponse struct {
	Expense *serviceorder.Expense `json:"despesa"`
	Order   *serviceorder.Order   `json:"ordem_servico"`
}

// actorFor carries the administrative override when the principal may
// administer service orders.
func actorFor(ctx context.Context) (serviceorder.Actor, error) {
	principal, profile := principalFrom(ctx)
	actor := serviceorder.Actor{UserID: principal.UserID}
	if profile == nil {
		return actor, nil
	}
	override, err := profile.HasPermission(ctx, authz.ResourceServiceOrder, authz.ActionAdmin)
	if err != nil {
		return actor, err
	}
	actor.Override = override
	return actor, nil
}

func (a *API) orderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.orders.Stats(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseOrderQuery(r.URL.Query())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	listing, err := a.orders.List(r.Context(), f, p)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// parseOrderQuery reads the listing filters. Malformed values are reported
// per parameter.
func parseOrderQuery(q url.Values) (serviceorder.Filter, serviceorder.Page, error) {
	var (
		f      serviceorder.Filter
		p      serviceorder.Page
		fields = map[string]string{}
	)
	positive := func(name string) int64 {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return 0
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			fields[name] = "Informe um número inteiro positivo."
			return 0
		}
		return n
	}
	date := func(name string) *time.Time {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return nil
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fields[name] = "Informe uma data no formato AAAA-MM-DD."
			return nil
		}
		return &t
	}
	money := func(name string) *serviceorder.Money {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			return nil
		}
		m, err := serviceorder.ParseMoney(raw)
		if err != nil {
			fields[name] = "Informe um valor decimal."
			return nil
		}
		return &m
	}

	f.Numero = positive("numero")
	f.Status = serviceorder.Status(strings.ToUpper(strings.TrimSpace(q.Get("status"))))
	f.ContractID = strings.TrimSpace(q.Get("contrato"))
	f.RequesterCompanyID = strings.TrimSpace(q.Get("empresa_solicitante"))
	f.PayerCompanyID = strings.TrimSpace(q.Get("empresa_pagadora"))
	f.TitularID = strings.TrimSpace(q.Get("titular"))
	f.DependenteID = strings.TrimSpace(q.Get("dependente"))
	f.OpenedFrom = date("data_abertura_after")
	f.OpenedTo = date("data_abertura_before")
	f.ClosedFrom = date("data_fechamento_after")
	f.ClosedTo = date("data_fechamento_before")
	f.MinTotal = money("valor_total_min")
	f.MaxTotal = money("valor_total_max")
	f.Search = q.Get("search")
	f.Ordering = strings.TrimSpace(q.Get("ordering"))
	p.Number = int(positive("page"))
	p.Size = int(positive("page_size"))

	if len(fields) > 0 {
		return f, p, validationError(fields)
	}
	return f, p, nil
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req serviceorder.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	actor, err := actorFor(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	order, err := a.orders.Create(r.Context(), actor, req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventOrderCreated, map[string]string{
		"order_id": order.ID,
		"numero":   strconv.FormatInt(order.Numero, 10),
	})
	w.Header().Set("Location", "/api/ordens-servico/"+order.ID)
	writeJSON(w, http.StatusCreated, order)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	detail, err := a.orders.Detail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.orders.Delete(r.Context(), id); err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.audit(r.Context(), audit.EventOrderDeleted, map[string]string{"order_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addItem(w http.ResponseWriter, r *http.Request) {
	var req serviceorder.ItemInput
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	actor, err := actorFor(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	item, order, err := a.orders.AddItem(r.Context(), actor, r.PathValue("id"), req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.orderUpdated(r.Context(), order, "item_added")
	writeJSON(w, http.StatusCreated, itemResponse{Item: item, Order: order})
}

func (a *API) removeItem(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, "item_removed", func(ctx context.Context, actor serviceorder.Actor) (*serviceorder.Order, error) {
		return a.orders.RemoveItem(ctx, actor, r.PathValue("id"), r.PathValue("itemID"))
	})
}

func (a *API) addExpense(w http.ResponseWriter, r *http.Request) {
	var req serviceorder.ExpenseInput
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if err := a.validate(req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	actor, err := actorFor(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	expense, order, err := a.orders.AddExpense(r.Context(), actor, r.PathValue("id"), req)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.orderUpdated(r.Context(), order, "expense_added")
	writeJSON(w, http.StatusCreated, expenseResponse{Expense: expense, Order: order})
}

func (a *API) removeExpense(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, "expense_removed", func(ctx context.Context, actor serviceorder.Actor) (*serviceorder.Order, error) {
		return a.orders.RemoveExpense(ctx, actor, r.PathValue("id"), r.PathValue("expenseID"))
	})
}

func (a *API) recalculate(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, "recalculated", func(ctx context.Context, actor serviceorder.Actor) (*serviceorder.Order, error) {
		return a.orders.Recalculate(ctx, actor, r.PathValue("id"))
	})
}

func (a *API) transition(to serviceorder.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFor(r.Context())
		if err != nil {
			writeAPIError(w, r, err)
			return
		}
		id := r.PathValue("id")
		var order *serviceorder.Order
		switch to {
		case serviceorder.StatusFinalized:
			order, err = a.orders.Finalize(r.Context(), actor, id)
		case serviceorder.StatusCancelled:
			order, err = a.orders.Cancel(r.Context(), actor, id)
		case serviceorder.StatusInvoiced:
			order, err = a.orders.Invoice(r.Context(), actor, id)
		case serviceorder.StatusReceived:
			order, err = a.orders.Receive(r.Context(), actor, id)
		default:
			err = serviceorder.ErrInvalidTransition
		}
		if err != nil {
			writeAPIError(w, r, err)
			return
		}
		a.audit(r.Context(), audit.EventOrderStatusChanged, map[string]string{
			"order_id": order.ID,
			"status":   string(order.Status),
		})
		writeJSON(w, http.StatusOK, order)
	}
}

// mutate runs an order change that needs only the actor and returns the
// updated order.
func (a *API) mutate(w http.ResponseWriter, r *http.Request, change string, fn func(context.Context, serviceorder.Actor) (*serviceorder.Order, error)) {
	actor, err := actorFor(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	order, err := fn(r.Context(), actor)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	a.orderUpdated(r.Context(), order, change)
	writeJSON(w, http.StatusOK, order)
}

func (a *API) orderUpdated(ctx context.Context, order *serviceorder.Order, change string) {
	a.audit(ctx, audit.EventOrderUpdated, map[string]string{
		"order_id":    order.ID,
		"change":      change,
		"valor_total": order.ValorTotal.String(),
	})
}
