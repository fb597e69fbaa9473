package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/keygate/internal/artifact"
	"github.com/koltyakov/keygate/internal/authority"
	"github.com/koltyakov/keygate/internal/config"
	"github.com/koltyakov/keygate/internal/domain"
	"github.com/koltyakov/keygate/internal/store"
)

const (
	testHWID        = "AAAAAAAAAAAAAAAA"
	testAdminSecret = "s3cret-admin"
)

var testArtifact = []byte("protected-artifact-bytes")

type testEnv struct {
	srv       *Server
	ts        *httptest.Server
	store     *store.Store
	telemetry *Telemetry
	artifact  string
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:              "127.0.0.1:0",
		ArtifactVersion:     "1.0",
		AdminSecret:         testAdminSecret,
		RateLimitRequests:   1000,
		RateLimitWindow:     time.Minute,
		RateLimitMaxClients: 100,
		RequestTimeout:      5 * time.Second,
		MaxBodyBytes:        64 << 10,
		ServerName:          "keygate test",
	}
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()
	cfg := testConfig()
	cfg.ArtifactPath = filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(cfg.ArtifactPath, testArtifact, 0o600); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.Open(context.Background(), nil, logger)
	telemetry := NewTelemetry(logger)
	svc := authority.New(st, artifact.NewFileSource(cfg.ArtifactPath, cfg.ArtifactVersion), authority.Options{
		DistinctDenyReasons: cfg.DistinctDenyReasons,
		Logger:              logger,
		Events:              telemetry,
	})
	srv := New(cfg, svc, st, telemetry, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		telemetry.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts, store: st, telemetry: telemetry, artifact: cfg.ArtifactPath}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{HeaderAdminSecret: testAdminSecret})
}

func (e *testEnv) register(t *testing.T, hwid string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/auth/register", map[string]string{"hwid": hwid}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d body %v", hwid, resp.StatusCode, body)
	}
	key, _ := body["license"].(string)
	if key == "" {
		t.Fatalf("register %s: no license in %v", hwid, body)
	}
	return key
}

func expectStatus(t *testing.T, resp *http.Response, body map[string]any, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d (body %v)", want, resp.StatusCode, body)
	}
}

func expectField(t *testing.T, body map[string]any, key string, want any) {
	t.Helper()
	if got := body[key]; got != want {
		t.Fatalf("expected %s=%v, got %v (body %v)", key, want, got, body)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "status", "ok")
	expectField(t, body, "server", "keygate test")
	expectField(t, body, "storage", "ok")
	if id, _ := body["server_id"].(string); len(id) != 36 {
		t.Fatalf("expected uuid server_id, got %v", body["server_id"])
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp, got %v", body)
	}
}

type failingStorage struct{}

func (failingStorage) Healthy() bool { return false }

func TestHealthReportsDegradedStorage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.srv.storage = failingStorage{}

	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "storage", "degraded")
}

func TestRegisterReturnsSameKeyTwice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, first := env.do(t, http.MethodPost, "/auth/register", map[string]string{"hwid": testHWID}, nil)
	expectStatus(t, resp, first, http.StatusOK)
	expectField(t, first, "success", true)
	expectField(t, first, "registered", false)
	key, _ := first["license"].(string)
	if len(key) != 32 || strings.ToUpper(key) != key {
		t.Fatalf("expected 32 upper-case hex chars, got %q", key)
	}

	resp, second := env.do(t, http.MethodPost, "/auth/register", map[string]string{"hwid": testHWID}, nil)
	expectStatus(t, resp, second, http.StatusOK)
	expectField(t, second, "registered", true)
	expectField(t, second, "license", key)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	for _, body := range []any{
		map[string]string{"hwid": "short"},
		map[string]string{},
		`{"hwid":`,
		`{"hwid":"AAAAAAAAAAAAAAAA"}{"hwid":"BBBBBBBBBBBBBBBB"}`,
	} {
		resp, out := env.do(t, http.MethodPost, "/auth/register", body, nil)
		expectStatus(t, resp, out, http.StatusBadRequest)
		expectField(t, out, "success", false)
		expectField(t, out, "error", "Invalid HWID")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)

	tests := []struct {
		name       string
		body       map[string]string
		status     int
		authorized bool
		reason     any
	}{
		{name: "valid", body: map[string]string{"hwid": testHWID, "license": key}, status: http.StatusOK, authorized: true},
		{name: "wrong key", body: map[string]string{"hwid": testHWID, "license": "WRONG"}, status: http.StatusOK, reason: "invalid_license"},
		{name: "unknown hwid folded", body: map[string]string{"hwid": "ZZZZZZZZZZZZZZZZ", "license": key}, status: http.StatusOK, reason: "invalid_license"},
		{name: "missing license", body: map[string]string{"hwid": testHWID}, status: http.StatusBadRequest},
		{name: "blank hwid", body: map[string]string{"hwid": "  ", "license": key}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/auth/verify", tt.body, nil)
			expectStatus(t, resp, body, tt.status)
			expectField(t, body, "authorized", tt.authorized)
			if tt.status == http.StatusBadRequest {
				expectField(t, body, "success", false)
				return
			}
			expectField(t, body, "success", true)
			expectField(t, body, "reason", tt.reason)
			if tt.authorized {
				expectField(t, body, "status", "active")
			}
		})
	}
}

func TestVerifyDistinctDenyReasons(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.DistinctDenyReasons = true })

	resp, body := env.do(t, http.MethodPost, "/auth/verify", map[string]string{"hwid": "ZZZZZZZZZZZZZZZZ", "license": "X"}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "reason", "not_registered")

	resp, body = env.do(t, http.MethodPost, "/auth/validate", map[string]string{"hwid": "ZZZZZZZZZZZZZZZZ", "license_key": "X"}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "error", "Not registered")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID+"-EXTRA")

	resp, body := env.do(t, http.MethodPost, "/auth/validate", map[string]string{"hwid": testHWID + "-EXTRA"}, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
	expectField(t, body, "valid", false)
	expectField(t, body, "error", "Missing hwid or license_key")

	resp, body = env.do(t, http.MethodPost, "/auth/validate", map[string]string{"hwid": "ZZZZZZZZZZZZZZZZ", "license_key": key}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "valid", false)
	expectField(t, body, "error", "Invalid license key")

	resp, body = env.do(t, http.MethodPost, "/auth/validate", map[string]string{"hwid": testHWID + "-EXTRA", "license_key": key}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "valid", true)
	expectField(t, body, "authenticated", true)
	expectField(t, body, "username", authority.DefaultUsername)
	expectField(t, body, "hwid", testHWID+"...")
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp, got %v", body)
	}

	rec, _ := env.store.Get(testHWID + "-EXTRA")
	if rec.LastUser != authority.DefaultUsername || rec.LastChecked == nil {
		t.Fatalf("expected validate to touch the record, got %+v", rec)
	}

	resp, body = env.admin(t, http.MethodPost, "/admin/revoke", map[string]string{"hwid": testHWID + "-EXTRA"})
	expectStatus(t, resp, body, http.StatusOK)
	resp, body = env.do(t, http.MethodPost, "/auth/validate", map[string]string{"hwid": testHWID + "-EXTRA", "license_key": key, "username": "Steve"}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "error", "License inactive")
}

func TestDownload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)

	resp, body := env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID}, nil)
	expectStatus(t, resp, body, http.StatusBadRequest)
	expectField(t, body, "error", "Missing credentials")

	resp, body = env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": "WRONG"}, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	expectField(t, body, "success", false)
	expectField(t, body, "authorized", false)

	resp, body = env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": key}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "success", true)
	expectField(t, body, "version", "1.0")
	expectField(t, body, "size", float64(len(testArtifact)))
	mod, err := base64.StdEncoding.DecodeString(body["mod"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mod, testArtifact) {
		t.Fatalf("unexpected artifact %q", mod)
	}
	sum := sha256.Sum256(testArtifact)
	expectField(t, body, "sha256", hex.EncodeToString(sum[:]))

	rec, _ := env.store.Get(testHWID)
	if rec.Downloads != 1 || rec.LastDownload == nil {
		t.Fatalf("expected download to be recorded, got %+v", rec)
	}
}

func TestDownloadEmptyArtifactKeepsFields(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)
	if err := os.WriteFile(env.artifact, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	resp, body := env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": key}, nil)
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "success", true)
	expectField(t, body, "mod", "")
	expectField(t, body, "size", float64(0))
	if _, ok := body["error"]; ok {
		t.Fatalf("success body should not carry an error field: %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": "WRONG"}, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
	if _, ok := body["mod"]; ok {
		t.Fatalf("denied body should not carry mod: %v", body)
	}
}

func TestDownloadArtifactUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)
	if err := os.Remove(env.artifact); err != nil {
		t.Fatal(err)
	}

	resp, body := env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": key}, nil)
	expectStatus(t, resp, body, http.StatusInternalServerError)
	expectField(t, body, "error", "Mod unavailable")
}

func TestAdminRequiresSecret(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
	}{
		{name: "missing", path: "/admin/licenses", status: http.StatusForbidden},
		{name: "wrong header", path: "/admin/licenses", headers: map[string]string{HeaderAdminSecret: "nope"}, status: http.StatusForbidden},
		{name: "wrong query", path: "/admin/stats?password=nope", status: http.StatusForbidden},
		{name: "unknown admin route", path: "/admin/unknown", status: http.StatusForbidden},
		{name: "header", path: "/admin/licenses", headers: map[string]string{HeaderAdminSecret: testAdminSecret}, status: http.StatusOK},
		{name: "query", path: "/admin/stats?password=" + testAdminSecret, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, tt.path, nil, tt.headers)
			expectStatus(t, resp, body, tt.status)
			if tt.status == http.StatusForbidden {
				expectField(t, body, "error", "Unauthorized")
			}
		})
	}
}

func TestAdminWithoutConfiguredSecretRejectsAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.AdminSecret = "" })

	resp, body := env.do(t, http.MethodGet, "/admin/licenses?password=", nil, nil)
	expectStatus(t, resp, body, http.StatusForbidden)
}

func TestAdminRevokeReactivate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)
	creds := map[string]string{"hwid": testHWID, "license": key}

	resp, body := env.admin(t, http.MethodPost, "/admin/revoke", map[string]string{"hwid": "UNKNOWNUNKNOWN00"})
	expectStatus(t, resp, body, http.StatusNotFound)
	expectField(t, body, "success", false)
	expectField(t, body, "error", "HWID not found")

	resp, body = env.admin(t, http.MethodPost, "/admin/revoke", map[string]string{})
	expectStatus(t, resp, body, http.StatusBadRequest)

	resp, body = env.admin(t, http.MethodPost, "/admin/revoke", map[string]string{"hwid": testHWID, "reason": "chargeback"})
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "message", "License revoked")

	rec, _ := env.store.Get(testHWID)
	if rec.Active || rec.Status != domain.StatusRevoked || rec.RevokeReason != "chargeback" || rec.RevokedAt == nil {
		t.Fatalf("unexpected revoked record %+v", rec)
	}

	_, body = env.do(t, http.MethodPost, "/auth/verify", creds, nil)
	expectField(t, body, "authorized", false)
	expectField(t, body, "reason", "inactive")

	resp, body = env.do(t, http.MethodPost, "/mod/download", creds, nil)
	expectStatus(t, resp, body, http.StatusForbidden)

	resp, body = env.admin(t, http.MethodPost, "/admin/reactivate", map[string]string{"hwid": testHWID})
	expectStatus(t, resp, body, http.StatusOK)
	expectField(t, body, "message", "License reactivated")

	_, body = env.do(t, http.MethodPost, "/auth/verify", creds, nil)
	expectField(t, body, "authorized", true)

	resp, body = env.admin(t, http.MethodPost, "/admin/reactivate", map[string]string{"hwid": "UNKNOWNUNKNOWN00"})
	expectStatus(t, resp, body, http.StatusNotFound)
}

func TestAdminListAndStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	key := env.register(t, testHWID)
	env.register(t, "BBBBBBBBBBBBBBBBBBBB")
	env.do(t, http.MethodPost, "/auth/verify", map[string]string{"hwid": testHWID, "license": key}, nil)
	env.do(t, http.MethodPost, "/mod/download", map[string]string{"hwid": testHWID, "license": key}, nil)
	env.admin(t, http.MethodPost, "/admin/revoke", map[string]string{"hwid": "BBBBBBBBBBBBBBBBBBBB"})

	resp, list := env.admin(t, http.MethodGet, "/admin/licenses", nil)
	expectStatus(t, resp, list, http.StatusOK)
	expectField(t, list, "total_licenses", float64(2))
	expectField(t, list, "active", float64(1))
	expectField(t, list, "inactive", float64(1))
	for _, raw := range list["licenses"].([]any) {
		hwid := raw.(map[string]any)["hwid"].(string)
		if !strings.HasSuffix(hwid, "...") || len(hwid) != domain.MinHWIDLength+3 {
			t.Fatalf("expected masked hwid, got %q", hwid)
		}
		if _, leaked := raw.(map[string]any)["license"]; leaked {
			t.Fatal("license key must not be listed")
		}
	}

	resp, stats := env.admin(t, http.MethodGet, "/admin/stats", nil)
	expectStatus(t, resp, stats, http.StatusOK)
	expectField(t, stats, "total_licenses", float64(2))
	expectField(t, stats, "active_licenses", float64(1))
	expectField(t, stats, "total_downloads", float64(1))
	recent := stats["recent_activity"].([]any)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent rows, got %v", recent)
	}
	expectField(t, recent[0].(map[string]any), "hwid", testHWID+"...")
}

func TestRateLimitReturns429(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.RateLimitRequests = 10 })

	for range 10 {
		resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
		expectStatus(t, resp, body, http.StatusOK)
	}
	resp, body := env.do(t, http.MethodPost, "/auth/verify", map[string]string{"hwid": testHWID, "license": "X"}, nil)
	expectStatus(t, resp, body, http.StatusTooManyRequests)
	expectField(t, body, "error", "Rate limited")
	if ra := resp.Header.Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("expected positive Retry-After, got %q", ra)
	}

	resp, body = env.admin(t, http.MethodGet, "/admin/stats", nil)
	expectStatus(t, resp, body, http.StatusOK)
}

func TestRateLimitKeysOnTrustedProxyHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RateLimitRequests = 1
		cfg.TrustProxyHeaders = true
	})

	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		resp, body := env.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Forwarded-For": ip})
		expectStatus(t, resp, body, http.StatusOK)
	}
	resp, body := env.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"})
	expectStatus(t, resp, body, http.StatusTooManyRequests)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, body := env.do(t, http.MethodGet, "/nope", nil, nil)
	expectStatus(t, resp, body, http.StatusNotFound)
	expectField(t, body, "error", "Endpoint not found")

	resp, body = env.do(t, http.MethodGet, "/auth/register", nil, nil)
	expectStatus(t, resp, body, http.StatusMethodNotAllowed)
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.MaxBodyBytes = 32 })

	payload := fmt.Sprintf(`{"hwid":%q}`, strings.Repeat("A", 64))
	resp, body := env.do(t, http.MethodPost, "/auth/register", payload, nil)
	expectStatus(t, resp, body, http.StatusRequestEntityTooLarge)
}

func TestDecodeJSONBodyIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodPost, "/auth/verify", strings.NewReader(`{"hwid":"x","license":"y","client":"1.2"}`))
	w := httptest.NewRecorder()
	var body domain.CredentialsRequest

	if err := decodeJSONBody(w, req, 1024, &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.HWID != "x" || body.License != "y" {
		t.Fatalf("unexpected decode %+v", body)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestAdminEventsStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/admin/events"), http.Header{HeaderAdminSecret: {testAdminSecret}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for env.telemetry.hub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	key := env.register(t, testHWID)
	env.do(t, http.MethodPost, "/auth/verify", map[string]string{"hwid": testHWID, "license": "WRONG"}, nil)
	env.do(t, http.MethodPost, "/auth/verify", map[string]string{"hwid": testHWID, "license": key}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []domain.Event
	for range 3 {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		got = append(got, ev)
	}
	wantKinds := []string{domain.EventRegistered, domain.EventDenied, domain.EventVerified}
	for i, ev := range got {
		if ev.Kind != wantKinds[i] {
			t.Fatalf("event %d: expected %s, got %+v", i, wantKinds[i], ev)
		}
		if ev.HWID != testHWID+"..." {
			t.Fatalf("expected masked hwid, got %q", ev.HWID)
		}
	}
	if got[1].Reason != domain.ReasonInvalidLicense {
		t.Fatalf("expected internal reason on denied event, got %q", got[1].Reason)
	}
}

func TestAdminEventsRequiresSecret(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.ts, "/admin/events"), nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	_ = resp.Body.Close()
}

func TestTelemetryCountsRequestsAndEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.register(t, testHWID)
	env.do(t, http.MethodGet, "/nope", nil, nil)

	families, err := env.telemetry.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			switch mf.GetName() {
			case "keygate_http_requests_total":
				if labels["path"] == "/auth/register" && labels["status"] == "200" {
					found["register"] = true
				}
				if labels["path"] == "unmatched" && labels["status"] == "404" {
					found["unmatched"] = true
				}
			case "keygate_license_events_total":
				if labels["kind"] == domain.EventRegistered && m.GetCounter().GetValue() == 1 {
					found["event"] = true
				}
			}
		}
	}
	for _, k := range []string{"register", "unmatched", "event"} {
		if !found[k] {
			t.Fatalf("expected %s metric, got %v", k, found)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected serve error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
