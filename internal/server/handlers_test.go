package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"satbank/internal/config"
	"satbank/internal/ledger"
	"satbank/internal/lnode"
	"satbank/internal/notify"
	"satbank/internal/rates"
	"satbank/internal/wallet"
)

// stubNode covers the handler paths under test; only address allocation
// is reachable from them.
type stubNode struct {
	addrs int
}

func (n *stubNode) Name() string    { return "lna" }
func (n *stubNode) Peers() []string { return nil }

func (n *stubNode) NewAddress(ctx context.Context) (string, error) {
	n.addrs++
	return fmt.Sprintf("bcrt1qaddr%d", n.addrs), nil
}

func (n *stubNode) AddInvoice(ctx context.Context, amountSat int64) (lnode.Invoice, error) {
	return lnode.Invoice{PaymentRequest: "lnbcrt1stub", Hash: "aa", AmountSat: amountSat}, nil
}

func (n *stubNode) SubscribeSettlements(ctx context.Context) (<-chan lnode.Settlement, <-chan error, error) {
	return nil, nil, fmt.Errorf("not implemented")
}

func (n *stubNode) SendPayment(ctx context.Context, paymentRequest string) (lnode.PaymentStream, error) {
	return nil, fmt.Errorf("not implemented")
}

func (n *stubNode) OpenChannel(ctx context.Context, peerPubkey string, amountSat int64) (lnode.ChannelStream, error) {
	return nil, fmt.Errorf("not implemented")
}

func (n *stubNode) PendingChannelPeers(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (n *stubNode) SendCoins(ctx context.Context, address string, amountSat int64) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	store := ledger.NewMemoryStore()
	registry := ledger.NewRegistry()
	node := &stubNode{}

	engine := wallet.New(wallet.Config{
		Store:    store,
		Registry: registry,
		Nodes:    []lnode.Node{node},
		Params:   &chaincfg.RegressionNetParams,
		Logger:   logger,
	})

	poller := rates.NewPoller("http://127.0.0.1:0", "CAD", time.Minute, logger)
	hub := notify.NewHub(logger)

	srv := New(&config.Config{}, logger, engine, store, node, poller, hub)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterCreatesUser(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"username":"alice"`)
	require.Contains(t, string(body), "bcrt1qaddr1")
}

func TestRegisterDuplicateUsername(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"x"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts, "/api/register", "", `{"password":"hunter2"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthenticatedRoutesRequireUser(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/user")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts, "/api/addinvoice", "nobody", `{"amount":100}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserReturnsBalances(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/user", nil)
	require.NoError(t, err)
	req.Header.Set("X-Auth-User", "alice")
	userResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer userResp.Body.Close()
	require.Equal(t, http.StatusOK, userResp.StatusCode)

	body, err := io.ReadAll(userResp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"balance":0`)
	require.Contains(t, string(body), `"channelbalance":0`)
}

func TestAddInvoiceRejectsNonPositiveAmount(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/register", "", `{"username":"alice","password":"hunter2"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts, "/api/addinvoice", "alice", `{"amount":0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRatesEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/rates")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"currency":"CAD"`)
}
