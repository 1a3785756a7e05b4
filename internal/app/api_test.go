package app

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnect/internal/auth"
	"konnect/internal/domain"
	"konnect/internal/engine"
	"konnect/internal/event"
	"konnect/internal/infra"
	"konnect/pkg/quant"
)

type apiHarness struct {
	t    *testing.T
	api  *API
	seq  *engine.Sequencer
	priv ed25519.PrivateKey
	id   domain.Identity
}

func newAPIHarness(t *testing.T, burst int) *apiHarness {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id := auth.Identity(priv.Public().(ed25519.PublicKey))

	// The harness key is the only minter.
	seq := engine.NewSequencer(engine.SequencerConfig{InboxSize: 4, Minters: []domain.Identity{id}}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &apiHarness{
		t:    t,
		api:  NewAPI(seq, infra.NewKeyedRateLimiter(burst, 0.001), nil, nil, nil),
		seq:  seq,
		priv: priv,
		id:   id,
	}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.api.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (h *apiHarness) submit(ev event.Event) *httptest.ResponseRecorder {
	h.t.Helper()
	env, err := auth.Sign(h.priv, ev)
	require.NoError(h.t, err)
	return h.do(http.MethodPost, "/v1/commands", env)
}

func TestAPI_SubmitAndRead(t *testing.T) {
	h := newAPIHarness(t, 10)

	rec := h.submit(&event.DepositEvent{Amount: quant.Units(50)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var r event.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, h.id, r.Caller)

	rec = h.do(http.MethodGet, "/v1/balances/"+domain.WalletAddress(h.id).String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"50.000000"`)

	rec = h.submit(&event.InitMarketplaceEvent{FeeBps: 300})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/v1/marketplaces/"+domain.MarketplaceAddress(h.id).String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mp domain.Marketplace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mp))
	assert.Equal(t, quant.Bps(300), mp.FeeBps)
	assert.Equal(t, h.id, mp.Authority)

	rec = h.do(http.MethodGet, "/healthz", nil)
	assert.Contains(t, rec.Body.String(), `"next_seq":3`)
}

func TestAPI_Rejections(t *testing.T) {
	h := newAPIHarness(t, 10)
	ghost := domain.ListingAddress(domain.MarketplaceAddress("x"), domain.MerchantAddress(domain.MarketplaceAddress("x"), "y"), "z")

	rec := h.submit(&event.CreateServiceOrderEvent{Listing: ghost, ReferenceKey: "po-9"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NotFound", resp.Error)
	assert.Contains(t, rec.Body.String(), `"reference_key":"po-9"`, "the rejected receipt is returned")

	rec = h.submit(&event.InitMarketplaceEvent{FeeBps: 1001})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "FeeTooHigh")

	env, err := auth.Sign(h.priv, &event.DepositEvent{Amount: 1})
	require.NoError(t, err)
	env.Command = []byte(`{"amount":"1000"}`)
	rec = h.do(http.MethodPost, "/v1/commands", env)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/commands", "not an envelope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, uint64(1), h.seq.GetNextSeq(), "nothing committed")
}

func TestAPI_RateLimitPerKey(t *testing.T) {
	h := newAPIHarness(t, 1)

	assert.Equal(t, http.StatusOK, h.submit(&event.DepositEvent{Amount: 1}).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.submit(&event.DepositEvent{Amount: 1}).Code)

	// Another key is unaffected.
	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	env, err := auth.Sign(other, &event.InitMarketplaceEvent{FeeBps: 100})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/commands", env).Code)
}

func TestAPI_DepositRequiresMinter(t *testing.T) {
	h := newAPIHarness(t, 10)

	_, buyer, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	buyerID := auth.Identity(buyer.Public().(ed25519.PublicKey))
	env, err := auth.Sign(buyer, &event.DepositEvent{Amount: quant.Units(1_000_000)})
	require.NoError(t, err)

	rec := h.do(http.MethodPost, "/v1/commands", env)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Unauthorized", resp.Error)

	rec = h.do(http.MethodGet, "/v1/balances/"+domain.WalletAddress(buyerID).String(), nil)
	assert.Contains(t, rec.Body.String(), `"base_units":0`)
	assert.Equal(t, uint64(1), h.seq.GetNextSeq(), "nothing committed")
}

func TestAPI_ReadErrors(t *testing.T) {
	h := newAPIHarness(t, 1)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/listings/nothex", nil).Code)
	unknown := domain.EscrowAddress(domain.WalletAddress("a"), "b")
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/escrows/"+unknown.String(), nil).Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(engine.ErrStopped))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrAlreadyResolved))
	assert.Equal(t, http.StatusForbidden, statusFor(domain.ErrUnauthorized))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, "Stopped", codeFor(engine.ErrStopped))
}
