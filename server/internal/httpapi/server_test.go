package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mcordes92/dfg-funk/server/internal/registry"
	"github.com/mcordes92/dfg-funk/server/internal/store"
	"github.com/mcordes92/dfg-funk/server/internal/ws"
)

const testKey = "deadbeefdeadbeefdeadbeefdeadbeef"

func newTestServer(t *testing.T, cfg Config) (*Server, *store.Store, *registry.Registry, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "funk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	peers := registry.New(30*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	api := New(st, peers, func() ws.Stats { return ws.Stats{Clients: peers.Count()} }, nil, cfg)
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	return api, st, peers, ts.URL
}

func testConfig() Config {
	return Config{
		Version:   "2.1.0",
		Changelog: "Signalanzeige verbessert",
		AdminUser: "admin",
		AdminPass: "secret",
	}
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	return sendJSON(t, http.MethodGet, url, token, nil, out)
}

func sendJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(adminTokenHeader, token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func adminLogin(t *testing.T, baseURL string) string {
	t.Helper()

	var resp loginResponse
	status := sendJSON(t, http.MethodPost, baseURL+"/api/admin/login", "",
		loginRequest{Username: "admin", Password: "secret"}, &resp)
	if status != http.StatusOK {
		t.Fatalf("login status %d", status)
	}
	if resp.Token == "" || resp.ExpiresIn != 86400 {
		t.Fatalf("unexpected login payload: %#v", resp)
	}
	return resp.Token
}

func TestHealthReportsClientCount(t *testing.T) {
	_, _, peers, baseURL := newTestServer(t, testConfig())

	var health healthResponse
	if status := getJSON(t, baseURL+"/health", "", &health); status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	if health.Status != "ok" || health.Clients != 0 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	peers.Register(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4001}, 41, 1, "alice")

	if status := getJSON(t, baseURL+"/health", "", &health); status != http.StatusOK {
		t.Fatalf("health status %d", status)
	}
	if health.Clients != 1 {
		t.Fatalf("expected 1 client, got %d", health.Clients)
	}
}

func TestVersionAdvertisement(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())

	var version versionResponse
	if status := getJSON(t, baseURL+"/api/version", "", &version); status != http.StatusOK {
		t.Fatalf("version status %d", status)
	}
	if version.Version != "2.1.0" || version.Changelog == "" {
		t.Fatalf("unexpected version payload: %#v", version)
	}
}

func TestVersionNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Version = ""
	_, _, _, baseURL := newTestServer(t, cfg)

	if status := getJSON(t, baseURL+"/api/version", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestUserChannelsBootstrap(t *testing.T) {
	_, st, _, baseURL := newTestServer(t, testConfig())

	if _, err := st.CreateUser(context.Background(), "alice", testKey, []uint8{41, 52}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	var resp userChannelsResponse
	if status := getJSON(t, baseURL+"/api/channels/"+testKey, "", &resp); status != http.StatusOK {
		t.Fatalf("channels status %d", status)
	}
	if resp.Username != "alice" || len(resp.Channels) != 2 {
		t.Fatalf("unexpected payload: %#v", resp)
	}
	if resp.Channels[0].ChannelID != 41 || resp.Channels[0].Name != "Allgemein 1" {
		t.Fatalf("unexpected first channel: %#v", resp.Channels[0])
	}
	if resp.Channels[1].ChannelID != 52 || resp.Channels[1].Name != "Kanal 52" {
		t.Fatalf("unexpected second channel: %#v", resp.Channels[1])
	}

	if status := getJSON(t, baseURL+"/api/channels/unknown-key", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", status)
	}
}

func TestUserChannelsInactiveUser(t *testing.T) {
	_, st, _, baseURL := newTestServer(t, testConfig())

	user, err := st.CreateUser(context.Background(), "bob", testKey, []uint8{41})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.SetUserActive(context.Background(), user.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if status := getJSON(t, baseURL+"/api/channels/"+testKey, "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for inactive user, got %d", status)
	}
}

func TestChannelCatalog(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())

	var resp catalogResponse
	if status := getJSON(t, baseURL+"/api/channels/list", "", &resp); status != http.StatusOK {
		t.Fatalf("catalog status %d", status)
	}
	if len(resp.Channels) != 22 {
		t.Fatalf("expected 22 channels, got %d", len(resp.Channels))
	}
	first := resp.Channels[0]
	if first.ChannelID != 41 || first.Name != "Allgemein 1" || !first.Public {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	last := resp.Channels[len(resp.Channels)-1]
	if last.ChannelID != 69 || last.Public {
		t.Fatalf("unexpected last entry: %#v", last)
	}
}

func TestVerifyFunkKey(t *testing.T) {
	_, st, _, baseURL := newTestServer(t, testConfig())

	if _, err := st.CreateUser(context.Background(), "alice", testKey, []uint8{41, 55}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	var resp verifyResponse
	status := sendJSON(t, http.MethodPost, baseURL+"/api/auth/verify", "",
		verifyRequest{FunkKey: testKey}, &resp)
	if status != http.StatusOK {
		t.Fatalf("verify status %d", status)
	}
	if !resp.Valid || resp.Username != "alice" || !resp.Active {
		t.Fatalf("unexpected payload: %#v", resp)
	}
	if len(resp.Channels) != 2 || resp.Channels[0] != 41 || resp.Channels[1] != 55 {
		t.Fatalf("unexpected channels: %v", resp.Channels)
	}

	status = sendJSON(t, http.MethodPost, baseURL+"/api/auth/verify", "",
		verifyRequest{FunkKey: "wrong"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", status)
	}

	status = sendJSON(t, http.MethodPost, baseURL+"/api/auth/verify", "",
		verifyRequest{}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty key, got %d", status)
	}
}

func TestAdminGuardRejectsMissingToken(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())

	if status := getJSON(t, baseURL+"/api/admin/users", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status := getJSON(t, baseURL+"/api/admin/users", "bogus-token", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", status)
	}
}

func TestAdminLoginLogout(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())

	status := sendJSON(t, http.MethodPost, baseURL+"/api/admin/login", "",
		loginRequest{Username: "admin", Password: "wrong"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", status)
	}

	token := adminLogin(t, baseURL)
	if status := getJSON(t, baseURL+"/api/admin/users", token, nil); status != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", status)
	}

	status = sendJSON(t, http.MethodPost, baseURL+"/api/admin/logout", token, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("logout status %d", status)
	}
	if status := getJSON(t, baseURL+"/api/admin/users", token, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", status)
	}
}

func TestAdminLoginNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AdminUser = ""
	cfg.AdminPass = ""
	_, _, _, baseURL := newTestServer(t, cfg)

	status := sendJSON(t, http.MethodPost, baseURL+"/api/admin/login", "",
		loginRequest{Username: "", Password: ""}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 when admin is not configured, got %d", status)
	}
}

func TestAdminSessionExpires(t *testing.T) {
	api, _, _, baseURL := newTestServer(t, testConfig())

	token := adminLogin(t, baseURL)
	api.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if status := getJSON(t, baseURL+"/api/admin/users", token, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired session, got %d", status)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())
	token := adminLogin(t, baseURL)

	// Creating without a funk key generates one.
	var created userResponse
	status := sendJSON(t, http.MethodPost, baseURL+"/api/admin/users", token,
		createUserRequest{Username: "alice", Channels: []int{41, 52}}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status %d", status)
	}
	if created.ID == 0 || len(created.FunkKey) != 32 || !created.Active {
		t.Fatalf("unexpected created user: %#v", created)
	}
	if len(created.Channels) != 2 || created.Channels[0] != 41 || created.Channels[1] != 52 {
		t.Fatalf("unexpected channels: %v", created.Channels)
	}

	status = sendJSON(t, http.MethodPost, baseURL+"/api/admin/users", token,
		createUserRequest{Username: "alice"}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", status)
	}

	// The store seeds an admin user, so the list holds two entries.
	var list usersResponse
	if status := getJSON(t, baseURL+"/api/admin/users", token, &list); status != http.StatusOK {
		t.Fatalf("list status %d", status)
	}
	if list.Count != 2 || len(list.Users) != 2 {
		t.Fatalf("unexpected user list: %#v", list)
	}

	userURL := baseURL + "/api/admin/users/" + strconv.FormatInt(created.ID, 10)

	status = sendJSON(t, http.MethodPut, userURL+"/channels", token,
		updateChannelsRequest{Channels: []int{42, 60}}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("update channels status %d", status)
	}

	status = sendJSON(t, http.MethodPut, userURL+"/active", token,
		updateActiveRequest{Active: false}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("deactivate status %d", status)
	}
	status = sendJSON(t, http.MethodPost, baseURL+"/api/auth/verify", "",
		verifyRequest{FunkKey: created.FunkKey}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for deactivated user, got %d", status)
	}

	status = sendJSON(t, http.MethodDelete, userURL, token, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete status %d", status)
	}
	status = sendJSON(t, http.MethodDelete, userURL, token, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d", status)
	}
}

func TestCreateUserValidation(t *testing.T) {
	_, _, _, baseURL := newTestServer(t, testConfig())
	token := adminLogin(t, baseURL)

	status := sendJSON(t, http.MethodPost, baseURL+"/api/admin/users", token,
		createUserRequest{Username: "   "}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank username, got %d", status)
	}

	status = sendJSON(t, http.MethodPost, baseURL+"/api/admin/users", token,
		createUserRequest{Username: "bob", Channels: []int{44}}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", status)
	}
}

func TestConnectionLogsEndpoint(t *testing.T) {
	_, st, _, baseURL := newTestServer(t, testConfig())
	token := adminLogin(t, baseURL)

	ctx := context.Background()
	alice, err := st.CreateUser(ctx, "alice", testKey, []uint8{41})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.LogConnection(ctx, alice.ID, 41, store.ActionConnect, "10.0.0.5"); err != nil {
		t.Fatalf("log connection: %v", err)
	}
	if err := st.LogConnection(ctx, alice.ID, 41, store.ActionDisconnect, "10.0.0.5"); err != nil {
		t.Fatalf("log disconnection: %v", err)
	}

	var logs logsResponse
	if status := getJSON(t, baseURL+"/api/admin/logs?username=alice", token, &logs); status != http.StatusOK {
		t.Fatalf("logs status %d", status)
	}
	if logs.Count != 2 || len(logs.Logs) != 2 {
		t.Fatalf("unexpected logs payload: %#v", logs)
	}
	// Newest first.
	if logs.Logs[0].Action != store.ActionDisconnect || logs.Logs[0].IP != "10.0.0.5" {
		t.Fatalf("unexpected first log: %#v", logs.Logs[0])
	}
	if logs.Logs[0].ChannelName != "Allgemein 1" {
		t.Fatalf("unexpected channel name: %q", logs.Logs[0].ChannelName)
	}

	if status := getJSON(t, baseURL+"/api/admin/logs?username=nobody", token, &logs); status != http.StatusOK {
		t.Fatalf("logs status %d", status)
	}
	if logs.Count != 0 {
		t.Fatalf("expected no logs for unknown user, got %d", logs.Count)
	}

	if status := getJSON(t, baseURL+"/api/admin/logs?limit=banana", token, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", status)
	}
}

func TestTrafficEndpoint(t *testing.T) {
	_, st, _, baseURL := newTestServer(t, testConfig())
	token := adminLogin(t, baseURL)

	if err := st.RecordTraffic(context.Background(), 1000, 9000); err != nil {
		t.Fatalf("record traffic: %v", err)
	}

	var resp trafficResponse
	if status := getJSON(t, baseURL+"/api/admin/traffic", token, &resp); status != http.StatusOK {
		t.Fatalf("traffic status %d", status)
	}
	for _, window := range []string{"24h", "7d", "30d"} {
		w, ok := resp.Traffic[window]
		if !ok {
			t.Fatalf("missing window %q: %#v", window, resp.Traffic)
		}
		if w.BytesIn != 1000 || w.BytesOut != 9000 {
			t.Fatalf("window %q: %#v", window, w)
		}
		if w.BytesInFormatted == "" || w.TotalFormatted == "" {
			t.Fatalf("window %q missing formatted values: %#v", window, w)
		}
	}
}

func TestSessionsEndpoint(t *testing.T) {
	_, _, peers, baseURL := newTestServer(t, testConfig())
	token := adminLogin(t, baseURL)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4001}
	peers.Register(addr, 41, 1, "alice")
	peers.Register(addr, 52, 1, "alice")
	peers.Register(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4002}, 41, 2, "bob")

	var resp sessionsResponse
	if status := getJSON(t, baseURL+"/api/admin/sessions", token, &resp); status != http.StatusOK {
		t.Fatalf("sessions status %d", status)
	}
	if resp.Count != 2 || len(resp.Sessions) != 2 {
		t.Fatalf("unexpected sessions payload: %#v", resp)
	}
	if resp.ChannelCounts[41] != 2 || resp.ChannelCounts[52] != 1 {
		t.Fatalf("unexpected channel counts: %v", resp.ChannelCounts)
	}
}
