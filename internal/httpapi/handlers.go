package httpapi

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/document"
	"atlas.org/internal/obs"
	"atlas.org/internal/serviceorder"
)

const serviceName = "atlas-api"

// ReadyProbe is a simple readiness check (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Accounts is the identity surface used by the handlers. *auth.Service satisfies it.
type Accounts interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.User, error)
	Login(ctx context.Context, email, password string) (auth.TokenPair, *auth.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	Deactivate(ctx context.Context, actorID, userID string) error
	AssignRoles(ctx context.Context, userID string, roles []string) ([]string, error)
	User(ctx context.Context, userID string) (*auth.User, error)
	Authenticate(ctx context.Context, token string) (*authz.Principal, error)
}

// Roles resolves and edits role grants. *authz.Registry satisfies it.
type Roles interface {
	authz.PermissionSource
	Grant(ctx context.Context, role string, resource authz.ResourceType, actions ...authz.Action) error
	Revoke(ctx context.Context, role string, resource authz.ResourceType, actions ...authz.Action) error
}

// Orders is the service order surface. *serviceorder.Service satisfies it.
type Orders interface {
	Create(ctx context.Context, actor serviceorder.Actor, in serviceorder.CreateInput) (*serviceorder.Order, error)
	Get(ctx context.Context, id string) (*serviceorder.Order, error)
	List(ctx context.Context, f serviceorder.Filter, p serviceorder.Page) (*serviceorder.Listing, error)
	Detail(ctx context.Context, id string) (*serviceorder.Detail, error)
	AddItem(ctx context.Context, actor serviceorder.Actor, orderID string, in serviceorder.ItemInput) (*serviceorder.Item, *serviceorder.Order, error)
	RemoveItem(ctx context.Context, actor serviceorder.Actor, orderID, itemID string) (*serviceorder.Order, error)
	AddExpense(ctx context.Context, actor serviceorder.Actor, orderID string, in serviceorder.ExpenseInput) (*serviceorder.Expense, *serviceorder.Order, error)
	RemoveExpense(ctx context.Context, actor serviceorder.Actor, orderID, expenseID string) (*serviceorder.Order, error)
	Recalculate(ctx context.Context, actor serviceorder.Actor, orderID string) (*serviceorder.Order, error)
	Finalize(ctx context.Context, actor serviceorder.Actor, orderID string) (*serviceorder.Order, error)
	Cancel(ctx context.Context, actor serviceorder.Actor, orderID string) (*serviceorder.Order, error)
	Invoice(ctx context.Context, actor serviceorder.Actor, orderID string) (*serviceorder.Order, error)
	Receive(ctx context.Context, actor serviceorder.Actor, orderID string) (*serviceorder.Order, error)
	Delete(ctx context.Context, orderID string) error
	Stats(ctx context.Context) (serviceorder.Stats, error)
}

// DocumentGenerator issues a new document version. *document.Generator satisfies it.
type DocumentGenerator interface {
	Generate(ctx context.Context, orderID string, issuer document.Issuer) (*document.Generated, error)
}

// DocumentVerifier answers public lookups. *document.Verifier satisfies it.
type DocumentVerifier interface {
	ByID(ctx context.Context, id string) (*document.Verification, error)
	ByCode(ctx context.Context, code string) (*document.Verification, error)
	History(ctx context.Context, orderID string) ([]document.Record, error)
	Integrity(ctx context.Context, id string, r io.Reader) (*document.IntegrityResult, error)
	MaxUpload() int64
}

// Deps groups what the API needs to serve every route.
type Deps struct {
	Ready     readinessChecker
	Version   string
	Accounts  Accounts
	Roles     Roles
	Pipeline  *authz.Pipeline
	Orders    Orders
	Generator DocumentGenerator
	Verifier  DocumentVerifier
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	ready    readinessChecker
	version  string
	accounts Accounts
	roles    Roles
	pipeline *authz.Pipeline
	orders   Orders
	docs     DocumentGenerator
	verifier DocumentVerifier
	valid    *validator.Validate

	corsOrigins  []string
	proxies      []netip.Prefix
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

// Option tunes middleware settings.
type Option func(*API)

// WithCORSOrigins sets the allowed browser origins. "*" allows any.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append([]string(nil), origins...) }
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For header is
// believed. With none, the socket peer is the client.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = append([]netip.Prefix(nil), prefixes...) }
}

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(d Deps, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		ready:        d.Ready,
		version:      d.Version,
		accounts:     d.Accounts,
		roles:        d.Roles,
		pipeline:     d.Pipeline,
		orders:       d.Orders,
		docs:         d.Generator,
		verifier:     d.Verifier,
		valid:        newValidator(),
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.pipeline == nil {
		a.pipeline = authz.DefaultPipeline()
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /api/auth/login", a.login)
	a.mux.HandleFunc("POST /api/auth/register", a.register)
	a.mux.Handle("GET /api/auth/me", a.authenticated(http.HandlerFunc(a.me)))
	a.mux.Handle("POST /api/auth/change-password", a.authenticated(http.HandlerFunc(a.changePassword)))
	a.mux.Handle("GET /api/auth/check-permission", a.authenticated(http.HandlerFunc(a.checkPermission)))

	a.mux.Handle("DELETE /api/usuarios/{id}", a.guard(authz.ResourceUser, authz.ActionDelete, a.deleteUser))
	a.mux.Handle("PUT /api/usuarios/{id}/cargos", a.guard(authz.ResourceUser, authz.ActionAdmin, a.assignRoles))
	a.mux.Handle("POST /api/cargos/{role}/permissoes", a.guard(authz.ResourceUser, authz.ActionAdmin, a.grantRole))
	a.mux.Handle("DELETE /api/cargos/{role}/permissoes", a.guard(authz.ResourceUser, authz.ActionAdmin, a.revokeRole))

	a.mux.Handle("GET /api/ordens-servico/estatisticas", a.guard(authz.ResourceServiceOrder, authz.ActionView, a.orderStats))
	a.mux.Handle("GET /api/ordens-servico", a.guard(authz.ResourceServiceOrder, authz.ActionView, a.listOrders))
	a.mux.Handle("POST /api/ordens-servico", a.guard(authz.ResourceServiceOrder, authz.ActionAdd, a.createOrder))
	a.mux.Handle("GET /api/ordens-servico/{id}", a.guard(authz.ResourceServiceOrder, authz.ActionView, a.getOrder))
	a.mux.Handle("DELETE /api/ordens-servico/{id}", a.guard(authz.ResourceServiceOrder, authz.ActionDelete, a.deleteOrder))
	a.mux.Handle("POST /api/ordens-servico/{id}/itens", a.guard(authz.ResourceServiceOrderItem, authz.ActionAdd, a.addItem))
	a.mux.Handle("DELETE /api/ordens-servico/{id}/itens/{itemID}", a.guard(authz.ResourceServiceOrderItem, authz.ActionDelete, a.removeItem))
	a.mux.Handle("POST /api/ordens-servico/{id}/despesas", a.guard(authz.ResourceExpense, authz.ActionAdd, a.addExpense))
	a.mux.Handle("DELETE /api/ordens-servico/{id}/despesas/{expenseID}", a.guard(authz.ResourceExpense, authz.ActionDelete, a.removeExpense))
	a.mux.Handle("POST /api/ordens-servico/{id}/recalcular", a.guard(authz.ResourceServiceOrder, authz.ActionChange, a.recalculate))
	a.mux.Handle("POST /api/ordens-servico/{id}/finalizar", a.guard(authz.ResourceServiceOrder, authz.ActionChange, a.transition(serviceorder.StatusFinalized)))
	a.mux.Handle("POST /api/ordens-servico/{id}/cancelar", a.guard(authz.ResourceServiceOrder, authz.ActionChange, a.transition(serviceorder.StatusCancelled)))
	a.mux.Handle("POST /api/ordens-servico/{id}/faturar", a.guard(authz.ResourceServiceOrder, authz.ActionChange, a.transition(serviceorder.StatusInvoiced)))
	a.mux.Handle("POST /api/ordens-servico/{id}/receber", a.guard(authz.ResourceServiceOrder, authz.ActionChange, a.transition(serviceorder.StatusReceived)))
	a.mux.Handle("POST /api/ordens-servico/{id}/documento", a.guard(authz.ResourceDocument, authz.ActionExport, a.generateDocument))
	a.mux.Handle("GET /api/ordens-servico/{id}/documentos", a.guard(authz.ResourceDocument, authz.ActionView, a.listDocuments))

	a.mux.HandleFunc("GET /api/public/documentos/{id}", a.verifyByID)
	a.mux.HandleFunc("GET /api/public/documentos/codigo/{code}", a.verifyByCode)
	a.mux.HandleFunc("POST /api/public/documentos/{id}/verificar", a.verifyIntegrity)
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = muxErrors(h)
	h = MaxBodyBytes(h, a.maxBodyBytes, a.uploadLimit())
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(h)
	h = ClientIP(h, a.proxies)
	h = RequestID(h)
	return h
}

func (a *API) uploadLimit() int64 {
	if a.verifier == nil {
		return document.DefaultMaxUpload
	}
	return a.verifier.MaxUpload()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
