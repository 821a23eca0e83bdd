// ABOUTME: Tests for the gateway handshake, read loop, health endpoints, and shutdown
// ABOUTME: Dials a real websocket against an httptest server backed by an in-memory store

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowlink/internal/auth"
	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/config"
	"github.com/2389/flowlink/internal/registry"
	"github.com/2389/flowlink/internal/store"
)

// testConfig creates a minimal config backed by an in-memory database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Coordinator.TimeoutSeconds = 1
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects text log output from concurrent sessions.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testServer starts a gateway handler on httptest with the credential red/s3cret.
func testServer(t *testing.T, mutate func(*config.Config)) (*Gateway, string) {
	t.Helper()
	return testServerWithLogger(t, mutate, testLogger())
}

// testServerWithLogger is testServer with log output going to logger.
func testServerWithLogger(t *testing.T, mutate func(*config.Config), logger *slog.Logger) (*Gateway, string) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, gw.store.CreateCredential(context.Background(), &store.Credential{Name: "red"}, "s3cret"))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})
	return gw, srv.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/"
}

func dial(t *testing.T, url, name, key string) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(url), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {auth.BasicAuthHeader(name, key)}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, resp
}

// capture collects bus messages of one type.
func capture(b bus.Bus, msgType string) <-chan bus.Message {
	ch := make(chan bus.Message, 16)
	b.On(msgType, func(m bus.Message) {
		select {
		case ch <- m:
		default:
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return bus.Message{}
	}
}

// readClose reads until the server closes the socket and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.registry == nil || gw.router == nil || gw.coordinator == nil {
		t.Error("components should not be nil")
	}
	if gw.metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
}

func TestGatewayNewRejectsBadPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.IPList = []string{"not-an-ip"}

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unparseable ip list entry")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(t)
	cfg.Server.Port = port

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw, url := testServer(t, nil)

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(url + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	connected := capture(gw.Bus(), bus.TypeConnect)
	dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	resp, err = http.Get(url + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ready (1 clients)")
	assert.Contains(t, string(body), " red "+registry.DefaultPlatform)
}

func TestPlainRequestNeedsUpgrade(t *testing.T) {
	_, url := testServer(t, nil)

	resp, err := http.Get(url + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestHandshakeDenied(t *testing.T) {
	gw, url := testServer(t, nil)
	denied := capture(gw.Bus(), bus.TypeConnectionError)

	conn, _ := dial(t, url, "red", "wrong")
	assert.Equal(t, websocket.StatusCode(CloseInvalidKey), readClose(t, conn))

	ev := waitFor(t, denied)
	assert.Equal(t, "wrong", ev.DataString("api_key"))
	assert.NotEmpty(t, ev.DataString("peer"))
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestHandshakeMissingCredential(t *testing.T) {
	gw, url := testServer(t, nil)
	denied := capture(gw.Bus(), bus.TypeConnectionError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(url), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	assert.Equal(t, websocket.StatusCode(CloseInvalidKey), readClose(t, conn))
	ev := waitFor(t, denied)
	assert.Equal(t, "", ev.DataString("api_key"))
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestHandshakeAcceptedEmitsConnect(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)

	_, resp := dial(t, url, "red", "s3cret")
	assert.Equal(t, ServerName, resp.Header.Get("source"))

	ev := waitFor(t, connected)
	assert.Equal(t, "red", ev.DataString("name"))
	assert.Equal(t, registry.DefaultPlatform, ev.DataString("platform"))

	peers := gw.Registry().FindByName("red")
	require.Len(t, peers, 1)
	assert.Equal(t, ev.DataString("peer"), peers[0])
}

func TestQueryBecomesUtterance(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)
	utterances := capture(gw.Bus(), bus.TypeUtterance)

	conn, _ := dial(t, url, "red", "s3cret")
	peer := waitFor(t, connected).DataString("peer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"query","data":{"utterances":["what time is it"]},"context":{}}`)))

	ev := waitFor(t, utterances)
	assert.Equal(t, peer, ev.ContextString(bus.CtxSource))
	assert.Equal(t, peer, ev.ContextString(bus.CtxDestinatary))
	assert.Equal(t, bus.Platform, ev.ContextString(bus.CtxClientName))
	assert.Equal(t, "red:"+peer, ev.ContextString(bus.CtxIdent))
}

func TestSpeakReachesQueryingClient(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)

	conn, _ := dial(t, url, "red", "s3cret")
	peer := waitFor(t, connected).DataString("peer")

	require.NoError(t, gw.Bus().Emit(bus.New(bus.TypeSpeak,
		map[string]any{"utterance": "it is noon"},
		map[string]any{bus.CtxClientName: bus.Platform, bus.CtxDestinatary: peer},
	)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	msg, err := bus.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, bus.TypeSpeak, msg.Type)
	assert.Equal(t, "it is noon", msg.DataString("utterance"))
}

func TestBlacklistedPeerRejected(t *testing.T) {
	logs := &logBuffer{}
	gw, url := testServerWithLogger(t, func(cfg *config.Config) {
		cfg.Policy.IPList = []string{"127.0.0.1"}
	}, slog.New(slog.NewTextHandler(logs, nil)))
	assert.Contains(t, logs.String(), `msg="ip policy loaded" blacklist=true entries=1`)

	disconnected := capture(gw.Bus(), bus.TypeDisconnect)

	conn, _ := dial(t, url, "red", "s3cret")
	assert.Equal(t, websocket.StatusCode(registry.DefaultCloseCode), readClose(t, conn))

	ev := waitFor(t, disconnected)
	assert.Equal(t, registry.ReasonBlacklisted, ev.DataString("reason"))
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestMalformedFramesCloseSession(t *testing.T) {
	gw, url := testServer(t, func(cfg *config.Config) {
		cfg.Router.MaxMalformedFrames = 2
	})
	connected := capture(gw.Bus(), bus.TypeConnect)
	disconnected := capture(gw.Bus(), bus.TypeDisconnect)

	conn, _ := dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	}

	assert.Equal(t, websocket.StatusCode(registry.DefaultCloseCode), readClose(t, conn))
	ev := waitFor(t, disconnected)
	assert.Equal(t, reasonTooMalformed, ev.DataString("reason"))
}

func TestBinaryFramesIgnored(t *testing.T) {
	logs := &logBuffer{}
	gw, url := testServerWithLogger(t, nil, slog.New(slog.NewTextHandler(logs, nil)))
	connected := capture(gw.Bus(), bus.TypeConnect)
	utterances := capture(gw.Bus(), bus.TypeUtterance)

	conn, _ := dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02}))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"query","data":{}}`)))

	// The text frame still arrives, so the binary one did not end the session.
	waitFor(t, utterances)
	assert.Equal(t, 1, gw.Registry().Count())

	var dropped string
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "dropping binary frame") {
			dropped = line
		}
	}
	require.NotEmpty(t, dropped, "binary frame drop was not logged")
	assert.Contains(t, dropped, "level=WARN")
	assert.Contains(t, dropped, "bytes=2")
	assert.Contains(t, dropped, "name=red scheme=basic shared=false")
}

func TestClientCloseEmitsDisconnect(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)
	disconnected := capture(gw.Bus(), bus.TypeDisconnect)

	conn, _ := dial(t, url, "red", "s3cret")
	peer := waitFor(t, connected).DataString("peer")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	ev := waitFor(t, disconnected)
	assert.Equal(t, peer, ev.DataString("peer"))
	assert.True(t, ev.DataBool("clean"))
	assert.Equal(t, 0, gw.Registry().Count())
}

func TestShutdownClosesClients(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)

	conn, _ := dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	done := make(chan error, 1)
	go func() { done <- gw.Shutdown(context.Background()) }()

	assert.Equal(t, websocket.StatusCode(registry.DefaultCloseCode), readClose(t, conn))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	// A second call returns the first result without closing anything twice.
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestHandshakeAfterShutdownRefused(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)
	require.NoError(t, gw.Shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(url), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {auth.BasicAuthHeader("red", "s3cret")}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, gw.Registry().Count())
	select {
	case <-connected:
		t.Fatal("connection registered after shutdown")
	default:
	}
}

func TestAdmitAfterShutdownBegins(t *testing.T) {
	gw, _ := testServer(t, nil)
	require.True(t, gw.beginSession())

	// Shutdown waits for the counted session, so run it alongside.
	done := make(chan error, 1)
	go func() { done <- gw.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		gw.admitMu.Lock()
		defer gw.admitMu.Unlock()
		return gw.closing
	}, time.Second, 5*time.Millisecond)

	assert.False(t, gw.beginSession())
	admitted, err := gw.admit(registry.NewConnection("127.0.0.1:9", "red", "", nopSocket{}))
	assert.False(t, admitted)
	assert.NoError(t, err)
	assert.Equal(t, 0, gw.Registry().Count())

	gw.sessions.Done()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
}

// nopSocket is a registry.Socket that never touches the network.
type nopSocket struct{}

func (nopSocket) Send(context.Context, []byte) error { return nil }
func (nopSocket) Close(int, string) error { return nil }

func TestMetricsEndpoint(t *testing.T) {
	gw, url := testServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})
	connected := capture(gw.Bus(), bus.TypeConnect)
	dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "flowlink_handshakes_total")
	assert.Contains(t, string(body), "flowlink_connections_active 1")
}

func TestDisconnectFor(t *testing.T) {
	d := disconnectFor(websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "later"})
	assert.Equal(t, int(websocket.StatusGoingAway), d.Code)
	assert.True(t, d.Clean)

	d = disconnectFor(io.ErrUnexpectedEOF)
	assert.Equal(t, CloseAbnormal, d.Code)
	assert.False(t, d.Clean)
	assert.Contains(t, d.Reason, reasonLostByNetwork)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error when no auth key is available")
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v; want env key", key, err)
	}

	key, _ = resolveTailscaleAuthKey("tskey-config")
	if key != "tskey-config" {
		t.Errorf("configured key should win, got %q", key)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/flowlink")
	if err != nil || dir != "/var/lib/flowlink" {
		t.Errorf("resolveTailscaleStateDir() = %q, %v", dir, err)
	}

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("resolveTailscaleStateDir() failed: %v", err)
	}
	if !strings.HasSuffix(dir, "/.local/share/flowlink/tailscale") {
		t.Errorf("unexpected default state dir %q", dir)
	}
}

func TestFallbackRequestAnsweredByClient(t *testing.T) {
	gw, url := testServer(t, nil)
	connected := capture(gw.Bus(), bus.TypeConnect)
	responses := capture(gw.Bus(), bus.TypeFallbackResponse)

	conn, _ := dial(t, url, "red", "s3cret")
	waitFor(t, connected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Answer the first ask, echoing its request id.
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		ask, err := bus.Decode(data)
		if err != nil || ask.Type != bus.TypeAsk {
			return
		}
		reply := bus.New("answer", map[string]any{"utterance": "done"},
			map[string]any{bus.CtxRequestID: ask.ContextString(bus.CtxRequestID)})
		b, _ := reply.Encode()
		_ = conn.Write(ctx, websocket.MessageText, b)
	}()

	require.NoError(t, gw.Bus().Emit(bus.New(bus.TypeFallbackRequest,
		map[string]any{"utterance": "open the pod bay doors"}, nil)))

	resp := waitFor(t, responses)
	assert.True(t, resp.DataBool("handled"))
}
