package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"coopledger/services/ledgerd/broadcast"
	"coopledger/services/ledgerd/cache"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/provision"
	"coopledger/services/ledgerd/queue"
	"coopledger/services/ledgerd/scanner"
	"coopledger/services/ledgerd/store"
	"coopledger/services/ledgerd/store/storetest"
)

type stubBroadcaster struct {
	tenant string
	err    error
}

func (b *stubBroadcaster) Broadcast(_ context.Context, tenantID string, op chain.SignedOperation) (string, error) {
	b.tenant = tenantID
	if b.err != nil {
		return "", b.err
	}
	return chain.OperationHash(op), nil
}

type stubScanner struct{ runs int }

func (s *stubScanner) Run(context.Context) (scanner.Report, error) {
	s.runs++
	return scanner.Report{Pending: 2, Resolved: 2}, nil
}

type stubProvisioner struct{}

func (stubProvisioner) Provision(_ context.Context, req provision.Request) (*models.Cooperative, error) {
	if req.TenantID == "taken" {
		return nil, provision.ErrTenantExists
	}
	return &models.Cooperative{ID: req.TenantID, CoopOwner: req.AdminWallet, EurOwner: req.AdminWallet}, nil
}

type fixture struct {
	store       *store.Store
	queue       *queue.Queue
	hub         *notify.Hub
	broadcaster *stubBroadcaster
	scanner     *stubScanner
	auth        *TenantAuthenticator
	server      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.NewStore(t)
	q := queue.New(st.DB())
	hub := notify.NewHub()
	tenantAuth, err := NewTenantAuthenticator("jwt-secret", "coopledger", nil)
	require.NoError(t, err)
	adminAuth, err := NewAdminAuthenticator("admin-token")
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{store: st, queue: q, hub: hub, broadcaster: &stubBroadcaster{}, scanner: &stubScanner{}, auth: tenantAuth}
	srv := New(Config{
		Records:     st,
		Broadcaster: f.broadcaster,
		Scanner:     f.scanner,
		Provisioner: stubProvisioner{},
		Queues:      q,
		Hub:         hub,
		Cache:       cache.NewRedis(rdb, time.Minute),
		TenantAuth:  tenantAuth,
		AdminAuth:   adminAuth,
		Limiter:     NewRateLimiter(1, 2),
	})
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) token(t *testing.T, tenant string) string {
	t.Helper()
	token, err := f.auth.Issue(tenant, "ak_alice", time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func seed(t *testing.T, st *store.Store, tenant, hash, from, to string, state models.TxState) {
	t.Helper()
	res, err := st.Upsert(context.Background(), models.TransactionRecord{
		Hash:       hash,
		TenantID:   tenant,
		FromWallet: from,
		ToWallet:   to,
		Type:       models.TxInvest,
	})
	require.NoError(t, err)
	if state != models.StatePending {
		changed, err := st.TransitionState(context.Background(), res.Record.ID, state, "")
		require.NoError(t, err)
		require.True(t, changed)
	}
}

func TestTransactionsRequireTenantToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/transactions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := NewTenantAuthenticator("other-secret", "coopledger", nil)
	require.NoError(t, err)
	forged, err := other.Issue("coop-1", "ak_alice", time.Hour)
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/v1/transactions", forged, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListTransactionsScopedToTenant(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "coop-1", "th_a", "ak_alice", "ak_proj", models.StatePending)
	seed(t, f.store, "coop-1", "th_b", "ak_bob", "ak_proj", models.StateMined)
	seed(t, f.store, "coop-2", "th_c", "ak_alice", "ak_other", models.StatePending)

	resp := f.do(t, http.MethodGet, "/v1/transactions?wallet=ak_alice", f.token(t, "coop-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []models.TransactionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	require.Equal(t, "th_a", records[0].Hash)

	resp = f.do(t, http.MethodGet, "/v1/transactions?state=mined", f.token(t, "coop-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	require.Equal(t, "th_b", records[0].Hash)

	resp = f.do(t, http.MethodGet, "/v1/transactions?type=BOGUS", f.token(t, "coop-1"), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTransactionHidesOtherTenants(t *testing.T) {
	f := newFixture(t)
	seed(t, f.store, "coop-2", "th_c", "ak_alice", "ak_other", models.StatePending)

	resp := f.do(t, http.MethodGet, "/v1/transactions/th_c", f.token(t, "coop-1"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/transactions/th_c", f.token(t, "coop-2"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func signedOperation() chain.SignedOperation {
	return chain.SignedOperation{
		Operation: chain.Operation{CallerID: "ak_alice", ContractID: "ak_coop", Function: "invest"},
		Payload:   []byte(`{"function":"invest"}`),
		Signature: []byte{1, 2, 3},
	}
}

func TestBroadcastUsesTokenTenantAndThrottles(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "coop-1")

	resp := f.do(t, http.MethodPost, "/v1/transactions", token, signedOperation())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body broadcastResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, chain.OperationHash(signedOperation()), body.Hash)
	require.Equal(t, "coop-1", f.broadcaster.tenant)

	resp = f.do(t, http.MethodPost, "/v1/transactions", token, signedOperation())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/transactions", token, signedOperation())
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBroadcastRejection(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.err = &broadcast.RejectedError{Reason: "not_owner"}

	resp := f.do(t, http.MethodPost, "/v1/transactions", f.token(t, "coop-1"), signedOperation())
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "not_owner", body["error"])

	resp = f.do(t, http.MethodPost, "/v1/transactions", f.token(t, "coop-1"), chain.SignedOperation{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/admin/scan", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/scan", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.scanner.runs)

	resp = f.do(t, http.MethodPost, "/admin/tenants", "admin-token", provision.Request{TenantID: "coop-7", AdminWallet: "ak_admin"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/admin/tenants", "admin-token", provision.Request{TenantID: "taken", AdminWallet: "ak_admin"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, f.queue.EnqueueReprocess(context.Background(), "th_a"))
	resp = f.do(t, http.MethodGet, "/admin/queues", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, int64(1), stats[queue.Reprocess][string(models.JobQueued)])
}

func TestNotificationStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seed(t, f.store, "coop-1", "th_a", "ak_alice", "ak_proj1", models.StatePending)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/notifications?wallet=ak_alice"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token(t, "coop-1")}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return f.hub.Subscribers("ak_alice") == 1 }, time.Second, 10*time.Millisecond)
	f.hub.NotifyWallet(ctx, "ak_alice")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var update notify.WalletUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	require.Equal(t, "ak_alice", update.Wallet)
}

func TestNotificationStreamScopedToTenant(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seed(t, f.store, "coop-2", "th_b", "ak_bob", "ak_proj2", models.StatePending)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/notifications?wallet=ak_bob"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + f.token(t, "coop-1")}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Zero(t, f.hub.Subscribers("ak_bob"))
}

func TestNotificationStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seed(t, f.store, "coop-1", "th_a", "ak_alice", "ak_proj1", models.StatePending)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/notifications?wallet=ak_alice"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + f.token(t, "coop-1")},
			"Origin":        []string{"https://elsewhere.example"},
		},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
