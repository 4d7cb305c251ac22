package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.CORSOrigins = []string{"http://allowed.test"}
	cfg.Store.Driver = "memory"
	cfg.Session.IdleTimeoutMS = 5000
	return cfg
}

func newTestRuntime(t *testing.T, mods ...func(*config.Config)) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	for _, mod := range mods {
		mod(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	factory, err := stt.NewFactory(cfg.STT, logger)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}

	rt := New(cfg, logger, "test")
	rt.store = st
	rt.runner = session.NewRunner(session.ConfigFrom(cfg), factory,
		session.NewBridge(st, cfg.Store.WriteTimeout(), logger), logger)
	rt.ready.Store(true)

	srv := httptest.NewServer(rt.routes())
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return rt, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcribe"
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStreamEndToEnd(t *testing.T) {
	_, srv := newTestRuntime(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?language=en", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first["type"] != "session_id" {
		t.Fatalf("first event = %v, want session_id", first)
	}
	id, _ := first["id"].(string)
	if id == "" {
		t.Fatal("session id is empty")
	}

	// 500ms of 16kHz mono silence: two mock words.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16000)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	partial := readEvent(t, conn)
	if partial["type"] != "partial" || partial["text"] != "the quick" {
		t.Fatalf("partial = %v", partial)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_audio"}`)); err != nil {
		t.Fatalf("send end_audio: %v", err)
	}
	final := readEvent(t, conn)
	if final["type"] != "final" || final["text"] != "the quick" {
		t.Fatalf("final = %v", final)
	}
	done := readEvent(t, conn)
	if done["session_complete"] != true {
		t.Fatalf("completion = %v", done)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	var rec store.Record
	if code := getJSON(t, srv.URL+"/sessions/"+id, &rec); code != http.StatusOK {
		t.Fatalf("get session status = %d", code)
	}
	if rec.Transcript != "the quick" || rec.WordCount != 2 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Metadata["end_reason"] != "client_end" || rec.Metadata["language"] != "en" {
		t.Fatalf("metadata = %v", rec.Metadata)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	_, srv := newTestRuntime(t)

	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	header.Set("Origin", "http://allowed.test")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	conn.Close()
}

func TestStreamRefusedWhileClosing(t *testing.T) {
	rt, srv := newTestRuntime(t)
	rt.waitSessions(context.Background())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("expected dial to fail during shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func TestSessionsAPI(t *testing.T) {
	rt, srv := newTestRuntime(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := store.Record{
			ID:         id,
			Transcript: "hello " + id,
			WordCount:  2,
			Duration:   1.5,
			Metadata:   map[string]string{"end_reason": "client_end"},
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := rt.store.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	var list []store.Record
	if code := getJSON(t, srv.URL+"/sessions?skip=1&limit=1", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list) != 1 || list[0].ID != "b" {
		t.Fatalf("list page = %+v", list)
	}

	for _, query := range []string{"limit=0", "limit=101", "skip=-1", "limit=abc"} {
		var detail map[string]string
		if code := getJSON(t, srv.URL+"/sessions?"+query, &detail); code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status = %d, want 422", query, code)
		}
		if detail["detail"] == "" {
			t.Fatalf("%s: missing detail", query)
		}
	}

	var missing map[string]string
	if code := getJSON(t, srv.URL+"/sessions/nope", &missing); code != http.StatusNotFound {
		t.Fatalf("missing status = %d", code)
	}
	if missing["detail"] != "Session with id 'nope' not found" {
		t.Fatalf("missing detail = %q", missing["detail"])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var deleted map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&deleted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || deleted["session_id"] != "a" {
		t.Fatalf("delete = %d %v", resp.StatusCode, deleted)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
}

func TestServiceEndpoints(t *testing.T) {
	rt, srv := newTestRuntime(t)

	var root map[string]string
	if code := getJSON(t, srv.URL+"/", &root); code != http.StatusOK || root["version"] != "test" {
		t.Fatalf("root = %d %v", code, root)
	}

	var health map[string]string
	if code := getJSON(t, srv.URL+"/health", &health); code != http.StatusOK || health["status"] != "healthy" {
		t.Fatalf("health = %d %v", code, health)
	}

	var routes []routeInfo
	getJSON(t, srv.URL+"/routes", &routes)
	found := false
	for _, r := range routes {
		if r.Path == "/ws/transcribe" {
			found = true
		}
	}
	if !found {
		t.Fatalf("routes missing stream endpoint: %+v", routes)
	}

	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz = %d", code)
	}
	rt.ready.Store(false)
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after stop = %d", code)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger, "test")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		select {
		case err := <-errCh:
			t.Fatalf("start returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestCloseDoesNotWaitForSilentPeer(t *testing.T) {
	rt, srv := newTestRuntime(t, func(cfg *config.Config) {
		cfg.Session.CloseTimeoutMS = 300
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	id, _ := readEvent(t, conn)["id"].(string)

	// the client never reads again, so the server's close frame is never answered
	start := time.Now()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_audio"}`)); err != nil {
		t.Fatalf("send end_audio: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for rt.active.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still open %s after end_audio", time.Since(start))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("server closed after %s without waiting for the peer", elapsed)
	}

	var rec store.Record
	if code := getJSON(t, srv.URL+"/sessions/"+id, &rec); code != http.StatusOK {
		t.Fatalf("get session status = %d", code)
	}
	if rec.Metadata["end_reason"] != "client_end" {
		t.Fatalf("metadata = %v", rec.Metadata)
	}
}

func openStream(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	id, _ := readEvent(t, conn)["id"].(string)
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16000)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if ev := readEvent(t, conn); ev["type"] != "partial" || ev["text"] != "the quick" {
		t.Fatalf("partial = %v", ev)
	}
	return conn, id
}

func TestDisconnectIsolatedFromOtherSessions(t *testing.T) {
	_, srv := newTestRuntime(t)

	dropped, droppedID := openStream(t, srv)
	live, liveID := openStream(t, srv)

	if err := dropped.UnderlyingConn().Close(); err != nil {
		t.Fatalf("kill socket: %v", err)
	}

	var rec store.Record
	deadline := time.Now().Add(3 * time.Second)
	for getJSON(t, srv.URL+"/sessions/"+droppedID, &rec) != http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatal("dropped session was never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if rec.Metadata["end_reason"] != "disconnect" || rec.Transcript != "the quick" || rec.WordCount != 2 {
		t.Fatalf("dropped record = %+v", rec)
	}

	// the other stream carries on: 1s of audio completes the mock utterance
	if err := live.WriteMessage(websocket.BinaryMessage, make([]byte, 16000)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if ev := readEvent(t, live); ev["type"] != "final" || ev["text"] != "the quick brown fox jumps" {
		t.Fatalf("final = %v", ev)
	}
	if err := live.WriteMessage(websocket.TextMessage, []byte(`{"action":"end_audio"}`)); err != nil {
		t.Fatalf("send end_audio: %v", err)
	}
	if ev := readEvent(t, live); ev["session_complete"] != true {
		t.Fatalf("completion = %v", ev)
	}

	var liveRec store.Record
	if code := getJSON(t, srv.URL+"/sessions/"+liveID, &liveRec); code != http.StatusOK {
		t.Fatalf("live session status = %d", code)
	}
	if liveRec.Metadata["end_reason"] != "client_end" || liveRec.WordCount != 5 {
		t.Fatalf("live record = %+v", liveRec)
	}
}

func TestWaitSessionsOutlastsDeadline(t *testing.T) {
	rt, _ := newTestRuntime(t)
	if !rt.trackSession() {
		t.Fatal("expected session to be tracked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		rt.waitSessions(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitSessions returned while a session was still draining")
	case <-time.After(100 * time.Millisecond):
	}

	rt.untrackSession()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitSessions did not return after the last session finished")
	}
}
