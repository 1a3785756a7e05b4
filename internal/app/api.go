package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"konnect/internal/auth"
	"konnect/internal/domain"
	"konnect/internal/engine"
	"konnect/internal/event"
	"konnect/internal/infra"
	"konnect/pkg/quant"
)

// Ledger is what the API needs from the sequencer.
type Ledger interface {
	SubmitSigned(ctx context.Context, env *auth.Envelope) (*event.Receipt, error)
	GetNextSeq() uint64
	Marketplace(a domain.Address) (domain.Marketplace, bool)
	Merchant(a domain.Address) (domain.Merchant, bool)
	Listing(a domain.Address) (domain.Listing, bool)
	Escrow(a domain.Address) (domain.Escrow, bool)
	Balance(a domain.Address) quant.Amount
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// API is the daemon's HTTP surface: signed command intake, state reads,
// the receipt feed and metrics.
type API struct {
	ledger  Ledger
	limiter *infra.KeyedRateLimiter
	router  *gin.Engine
}

// NewAPI wires the routes. feed and metrics may be nil.
func NewAPI(ledger Ledger, limiter *infra.KeyedRateLimiter, feed, metrics http.Handler, logger *zap.Logger) *API {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if logger != nil {
		router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
		router.Use(ginzap.RecoveryWithZap(logger, true))
	} else {
		router.Use(gin.Recovery())
	}

	a := &API{ledger: ledger, limiter: limiter, router: router}

	router.GET("/healthz", a.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	if feed != nil {
		router.GET("/feed", gin.WrapH(feed))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/commands", a.submit)
		v1.GET("/balances/:address", a.balance)
		v1.GET("/marketplaces/:address", a.marketplace)
		v1.GET("/merchants/:address", a.merchant)
		v1.GET("/listings/:address", a.listing)
		v1.GET("/escrows/:address", a.escrow)
	}
	return a
}

// Handler returns the root handler for http.Server.
func (a *API) Handler() http.Handler {
	return a.router
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

// GET /healthz
func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "next_seq": a.ledger.GetNextSeq()})
}

// POST /v1/commands
func (a *API) submit(c *gin.Context) {
	var env auth.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		writeError(c, http.StatusBadRequest, "BadRequest", "body must be a signed envelope", err.Error())
		return
	}
	// PubKey is unverified here; SubmitSigned checks the signature.
	if a.limiter != nil && !a.limiter.Allow(env.PubKey) {
		writeError(c, http.StatusTooManyRequests, "RateLimited", "too many commands from this key", nil)
		return
	}

	receipt, err := a.ledger.SubmitSigned(c.Request.Context(), &env)
	if err != nil {
		var details any
		if receipt != nil {
			details = receipt
		}
		writeError(c, statusFor(err), codeFor(err), err.Error(), details)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// statusFor maps a rejection to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.Code(err) == "Internal":
		// Envelope problems that are not signature failures, e.g. unknown op.
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, engine.ErrStopped):
		return "Stopped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	}
	if code := domain.Code(err); code != "Internal" {
		return code
	}
	return "BadRequest"
}

func (a *API) address(c *gin.Context) (domain.Address, bool) {
	addr, err := domain.ParseAddress(c.Param("address"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "BadAddress", err.Error(), nil)
		return domain.Address{}, false
	}
	return addr, true
}

// GET /v1/balances/:address
func (a *API) balance(c *gin.Context) {
	addr, ok := a.address(c)
	if !ok {
		return
	}
	bal := a.ledger.Balance(addr)
	c.JSON(http.StatusOK, gin.H{
		"address":    addr,
		"balance":    bal.String(),
		"base_units": uint64(bal),
	})
}

// lookup serves a record read from the ledger, 404 when absent.
func lookup[T any](a *API, c *gin.Context, get func(domain.Address) (T, bool)) {
	addr, ok := a.address(c)
	if !ok {
		return
	}
	v, found := get(addr)
	if !found {
		writeError(c, http.StatusNotFound, "NotFound", "no record at "+addr.String(), nil)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GET /v1/marketplaces/:address
func (a *API) marketplace(c *gin.Context) { lookup(a, c, a.ledger.Marketplace) }

// GET /v1/merchants/:address
func (a *API) merchant(c *gin.Context) { lookup(a, c, a.ledger.Merchant) }

// GET /v1/listings/:address
func (a *API) listing(c *gin.Context) { lookup(a, c, a.ledger.Listing) }

// GET /v1/escrows/:address
func (a *API) escrow(c *gin.Context) { lookup(a, c, a.ledger.Escrow) }
