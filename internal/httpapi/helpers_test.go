package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/document"
	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
)

// memGrants is an in-memory authz.GrantStore.
type memGrants struct {
	mu    sync.Mutex
	roles map[string]authz.PermissionSet
}

func newMemGrants() *memGrants {
	return &memGrants{roles: map[string]authz.PermissionSet{}}
}

func (m *memGrants) Roles(context.Context) ([]authz.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]authz.Role, 0, len(m.roles))
	for name := range m.roles {
		out = append(out, authz.Role{ID: name, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memGrants) CreateRole(_ context.Context, name, description string) (authz.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = authz.NormalizeRoleName(name)
	if _, ok := m.roles[name]; ok {
		return authz.Role{}, authz.ErrInvalidInput
	}
	m.roles[name] = authz.PermissionSet{}
	return authz.Role{ID: name, Name: name, Description: description}, nil
}

func (m *memGrants) GrantActions(_ context.Context, role string, resource authz.ResourceType, actions []authz.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roles[role]
	if !ok {
		return authz.ErrNotFound
	}
	for _, a := range actions {
		set.Add(authz.Permission{Resource: resource, Action: a})
	}
	return nil
}

func (m *memGrants) RevokeActions(_ context.Context, role string, resource authz.ResourceType, actions []authz.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roles[role]
	if !ok {
		return authz.ErrNotFound
	}
	for _, a := range actions {
		delete(set, authz.Permission{Resource: resource, Action: a})
	}
	return nil
}

func (m *memGrants) RoleGrants(_ context.Context, role string) ([]authz.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roles[role]
	if !ok {
		return nil, authz.ErrNotFound
	}
	out := make([]authz.Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

// stubAccounts resolves bearer tokens from a fixed table.
type stubAccounts struct {
	principals   map[string]*authz.Principal
	loginFn      func(ctx context.Context, email, password string) (auth.TokenPair, *auth.User, error)
	registerFn   func(ctx context.Context, in auth.RegisterInput) (*auth.User, error)
	deactivateFn func(ctx context.Context, actorID, userID string) error
	assignFn     func(ctx context.Context, userID string, roles []string) ([]string, error)
	changeFn     func(ctx context.Context, userID, current, next string) error
}

func (s *stubAccounts) Register(ctx context.Context, in auth.RegisterInput) (*auth.User, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, in)
	}
	return &auth.User{ID: ids.NewUUID(), Email: in.Email, Name: in.Name, Active: true}, nil
}

func (s *stubAccounts) Login(ctx context.Context, email, password string) (auth.TokenPair, *auth.User, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx, email, password)
	}
	return auth.TokenPair{}, nil, auth.ErrInvalidCredentials
}

func (s *stubAccounts) ChangePassword(ctx context.Context, userID, current, next string) error {
	if s.changeFn != nil {
		return s.changeFn(ctx, userID, current, next)
	}
	return nil
}

func (s *stubAccounts) Deactivate(ctx context.Context, actorID, userID string) error {
	if s.deactivateFn != nil {
		return s.deactivateFn(ctx, actorID, userID)
	}
	return nil
}

func (s *stubAccounts) AssignRoles(ctx context.Context, userID string, roles []string) ([]string, error) {
	if s.assignFn != nil {
		return s.assignFn(ctx, userID, roles)
	}
	return roles, nil
}

func (s *stubAccounts) User(_ context.Context, userID string) (*auth.User, error) {
	for _, p := range s.principals {
		if p.UserID == userID {
			return &auth.User{ID: p.UserID, Email: p.Email, Name: p.Name, Active: p.Active}, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *stubAccounts) Authenticate(_ context.Context, token string) (*authz.Principal, error) {
	if token == "expired" {
		return nil, auth.ErrTokenExpired
	}
	p, ok := s.principals[token]
	if !ok {
		return nil, auth.ErrTokenInvalid
	}
	cp := *p
	return &cp, nil
}

// stubOrders records deletes and delegates the rest to optional funcs.
type stubOrders struct {
	mu      sync.Mutex
	deletes []string

	createFn   func(ctx context.Context, actor serviceorder.Actor, in serviceorder.CreateInput) (*serviceorder.Order, error)
	getFn      func(ctx context.Context, id string) (*serviceorder.Order, error)
	finalizeFn func(ctx context.Context, actor serviceorder.Actor, id string) (*serviceorder.Order, error)
	addItemFn  func(ctx context.Context, actor serviceorder.Actor, id string, in serviceorder.ItemInput) (*serviceorder.Item, *serviceorder.Order, error)
	statsFn    func(ctx context.Context) (serviceorder.Stats, error)
	listFn     func(ctx context.Context, f serviceorder.Filter, p serviceorder.Page) (*serviceorder.Listing, error)
}

func (s *stubOrders) deleteCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func (s *stubOrders) Create(ctx context.Context, actor serviceorder.Actor, in serviceorder.CreateInput) (*serviceorder.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, actor, in)
	}
	return &serviceorder.Order{ID: ids.NewUUID(), Numero: 1, Status: serviceorder.StatusOpen}, nil
}

func (s *stubOrders) Get(ctx context.Context, id string) (*serviceorder.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) List(ctx context.Context, f serviceorder.Filter, p serviceorder.Page) (*serviceorder.Listing, error) {
	if s.listFn != nil {
		return s.listFn(ctx, f, p)
	}
	return &serviceorder.Listing{Page: 1, PageSize: serviceorder.DefaultPageSize, Results: []serviceorder.Order{}}, nil
}

func (s *stubOrders) Detail(ctx context.Context, id string) (*serviceorder.Detail, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &serviceorder.Detail{Order: *o}, nil
}

func (s *stubOrders) AddItem(ctx context.Context, actor serviceorder.Actor, id string, in serviceorder.ItemInput) (*serviceorder.Item, *serviceorder.Order, error) {
	if s.addItemFn != nil {
		return s.addItemFn(ctx, actor, id, in)
	}
	return nil, nil, serviceorder.ErrNotFound
}

func (s *stubOrders) RemoveItem(context.Context, serviceorder.Actor, string, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) AddExpense(context.Context, serviceorder.Actor, string, serviceorder.ExpenseInput) (*serviceorder.Expense, *serviceorder.Order, error) {
	return nil, nil, serviceorder.ErrNotFound
}

func (s *stubOrders) RemoveExpense(context.Context, serviceorder.Actor, string, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Recalculate(context.Context, serviceorder.Actor, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Finalize(ctx context.Context, actor serviceorder.Actor, id string) (*serviceorder.Order, error) {
	if s.finalizeFn != nil {
		return s.finalizeFn(ctx, actor, id)
	}
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Cancel(context.Context, serviceorder.Actor, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Invoice(context.Context, serviceorder.Actor, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Receive(context.Context, serviceorder.Actor, string) (*serviceorder.Order, error) {
	return nil, serviceorder.ErrNotFound
}

func (s *stubOrders) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *stubOrders) Stats(ctx context.Context) (serviceorder.Stats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return serviceorder.Stats{ByStatus: map[serviceorder.Status]serviceorder.StatusCount{}}, nil
}

type stubGenerator struct {
	fn func(ctx context.Context, orderID string, issuer document.Issuer) (*document.Generated, error)
}

func (g *stubGenerator) Generate(ctx context.Context, orderID string, issuer document.Issuer) (*document.Generated, error) {
	return g.fn(ctx, orderID, issuer)
}

// memDocs is a read-mostly document.Store for the public endpoints.
type memDocs struct {
	mu   sync.Mutex
	recs map[string]*document.Record
}

func (m *memDocs) put(rec document.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = &rec
}

func (m *memDocs) Allocate(context.Context, document.AllocateParams) (*document.Record, error) {
	return nil, document.ErrVersionConflict
}

func (m *memDocs) Complete(context.Context, string, string, []byte) error { return nil }

func (m *memDocs) Discard(context.Context, string) error { return nil }

func (m *memDocs) ByID(_ context.Context, id string) (*document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, document.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memDocs) ByCode(_ context.Context, code string) (*document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if strings.EqualFold(rec.Code, strings.TrimSpace(code)) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, document.ErrNotFound
}

func (m *memDocs) ListForOrder(_ context.Context, orderID string) ([]document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []document.Record
	for _, rec := range m.recs {
		if rec.OrderID == orderID && rec.Complete() {
			cp := *rec
			cp.Snapshot = nil
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func grantingLink(system authz.SystemCode, dept authz.DepartmentCode) authz.Link {
	return authz.Link{
		ID:         ids.NewUUID(),
		System:     authz.System{Code: system, Name: system.DisplayName(), Active: true},
		Department: authz.Department{Code: dept, Name: string(dept), Active: true},
		Active:     true,
	}
}

// Tokens understood by stubAccounts.
const (
	tokenConsultor  = "consultor-token"
	tokenGestor     = "gestor-token"
	tokenDiretor    = "diretor-token"
	tokenPrazosOnly = "prazos-token"
	tokenSuperuser  = "superuser-token"
	tokenInactive   = "inactive-token"
)

func testPrincipals() map[string]*authz.Principal {
	osLink := grantingLink(authz.SystemServiceOrders, authz.DepartmentConsular)
	return map[string]*authz.Principal{
		tokenConsultor: {UserID: ids.NewUUID(), Email: "consultor@atlas.test", Name: "Carla Consultora", Active: true,
			Roles: []string{authz.RoleConsultor}, Links: []authz.Link{osLink}},
		tokenGestor: {UserID: ids.NewUUID(), Email: "gestor@atlas.test", Name: "Gustavo Gestor", Active: true,
			Roles: []string{authz.RoleGestor}, Links: []authz.Link{osLink}},
		tokenDiretor: {UserID: ids.NewUUID(), Email: "diretor@atlas.test", Name: "Diana Diretora", Active: true,
			Roles: []string{authz.RoleDiretor}, Links: []authz.Link{osLink}},
		tokenPrazosOnly: {UserID: ids.NewUUID(), Email: "prazos@atlas.test", Name: "Paulo Prazos", Active: true,
			Roles: []string{authz.RoleGestor}, Links: []authz.Link{grantingLink(authz.SystemPrazos, authz.DepartmentJuridico)}},
		tokenSuperuser: {UserID: ids.NewUUID(), Email: "root@atlas.test", Name: "Root", Active: true, Superuser: true},
		tokenInactive: {UserID: ids.NewUUID(), Email: "inativo@atlas.test", Name: "Ivo Inativo", Active: false,
			Roles: []string{authz.RoleGestor}, Links: []authz.Link{osLink}},
	}
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	accounts *stubAccounts
	registry *authz.Registry
	orders   *stubOrders
	gen      *stubGenerator
	docs     *memDocs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	restore := obs.SetOutput(io.Discard)
	t.Cleanup(restore)

	registry := authz.NewRegistry(newMemGrants(), authz.WithRoleCache(16, time.Minute))
	require.NoError(t, registry.Seed(context.Background()))

	h := &harness{
		t:        t,
		accounts: &stubAccounts{principals: testPrincipals()},
		registry: registry,
		orders:   &stubOrders{},
		gen: &stubGenerator{fn: func(context.Context, string, document.Issuer) (*document.Generated, error) {
			return nil, document.ErrNotFound
		}},
		docs: &memDocs{recs: map[string]*document.Record{}},
	}
	api := New(Deps{
		Version:   "test",
		Accounts:  h.accounts,
		Roles:     registry,
		Orders:    h.orders,
		Generator: h.gen,
		Verifier:  document.NewVerifier(h.docs, 4096),
	}, WithRateLimit(1000, 1000))
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) principal(token string) *authz.Principal {
	return h.accounts.principals[token]
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	return decodeBody[errorEnvelope](t, resp).Error
}
