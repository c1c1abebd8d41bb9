package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/migrate"
	"skirmish/internal/repo"
	skirmishsdk "skirmish/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) SDK() *skirmishsdk.Client {
	c := skirmishsdk.New(s.URL)
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := NewHub(nil)
	e := engine.New(repo.Repo{DB: conn}, config.Default(), nil)
	e.Publisher = hub
	handler, err := New(Config{Engine: e, Auth: auth, Hub: hub})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAPIError(t *testing.T, err error) *skirmishsdk.APIError {
	t.Helper()
	var apiErr *skirmishsdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	return apiErr
}

func seededSession(t *testing.T, c *skirmishsdk.Client) string {
	t.Helper()
	ctx := context.Background()
	created, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	seed := int64(12345)
	res, err := c.DevSeedCombat(ctx, created.SessionID, skirmishsdk.DevSeedOptions{Seed: &seed})
	if err != nil {
		t.Fatalf("seed combat: %v", err)
	}
	if res.Version != 8 || res.ActiveEntity != "e1" || res.Phase != "ACTION_WINDOW" {
		t.Fatalf("unexpected seed result: %+v", res)
	}
	return created.SessionID
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
}

func TestCreateAppendAndState(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()

	created, err := c.CreateSession(ctx, "pf2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 || created.SessionID == "" {
		t.Fatalf("unexpected create result: %+v", created)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/sessions/"+created.SessionID+"/events", map[string]any{
		"expected_version": 1,
		"events": []map[string]any{
			{"type": "ZONE_ADDED", "payload": map[string]any{"zone_id": "hall", "name": "Hall"}},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append status %d: %s", res.StatusCode, string(body))
	}
	var appended StateResponse
	if err := json.Unmarshal(body, &appended); err != nil {
		t.Fatalf("decode append: %v", err)
	}
	if !appended.OK || appended.State.Meta.Version != 2 {
		t.Fatalf("unexpected append response: %s", string(body))
	}

	s, err := c.State(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if s.Meta.Version != 2 || s.Meta.Ruleset != "pf2" {
		t.Fatalf("unexpected state meta: %+v", s.Meta)
	}

	page, err := c.Events(ctx, created.SessionID, 2, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if page.Count != 1 || page.Events[0].EventType != "ZONE_ADDED" || page.From == nil || *page.From != 2 || page.To != nil {
		t.Fatalf("unexpected events page: %+v", page)
	}
}

func TestAppendErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()
	created, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zone := skirmishsdk.Event{Type: "ZONE_ADDED", Payload: map[string]any{"zone_id": "z", "name": "Z"}}

	_, err = c.Append(ctx, created.SessionID, 0, zone)
	apiErr := asAPIError(t, err)
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "VALIDATION_ERROR" || !strings.Contains(apiErr.Message, "version mismatch") {
		t.Fatalf("expected version mismatch, got %+v", apiErr)
	}

	_, err = c.Append(ctx, created.SessionID, 1, skirmishsdk.Event{Type: "NOT_A_THING", Payload: map[string]any{}})
	if apiErr := asAPIError(t, err); apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %+v", apiErr)
	}

	url := srv.URL + "/sessions/" + created.SessionID + "/events"
	for _, body := range []string{`{"expected_version":1,"events":[]}`, `{"events":[]}`, `{not json`} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, url, body, nil)
		if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), `"ok":false`) {
			t.Fatalf("body %s: expected 400 envelope, got %d %s", body, res.StatusCode, string(data))
		}
	}

	_, err = c.State(ctx, "missing")
	if apiErr := asAPIError(t, err); apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("expected 404, got %+v", apiErr)
	}

	if s, _ := c.State(ctx, created.SessionID); s.Meta.Version != 1 {
		t.Fatalf("rejected appends must not write, version %d", s.Meta.Version)
	}
}

func TestRuleDenialCarriesReason(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()
	id := seededSession(t, c)

	_, err := c.Append(ctx, id, 8, skirmishsdk.Event{Type: "TURN_ENDED", Payload: map[string]any{"entity_id": "m1"}})
	apiErr := asAPIError(t, err)
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Reason() != "NOT_YOUR_TURN" {
		t.Fatalf("expected NOT_YOUR_TURN, got %+v", apiErr)
	}
}

func TestAttackAndReplay(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()
	id := seededSession(t, c)

	s, err := c.Append(ctx, id, 8, skirmishsdk.Event{Type: "ACTION_PROPOSED", Payload: map[string]any{
		"actorEntityId":  "e1",
		"actionType":     "ATTACK",
		"targetEntityId": "m1",
	}})
	if err != nil {
		t.Fatalf("attack: %v", err)
	}
	if s.Meta.Version != 13 || s.Entities["m1"].HP != 18 {
		t.Fatalf("unexpected state after attack: version=%d m1=%+v", s.Meta.Version, s.Entities["m1"])
	}

	replay, err := c.Replay(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.SessionID != id || replay.State.Meta.Version != 13 || replay.State.Entities["m1"].HP != 18 {
		t.Fatalf("replay disagrees with state: %+v", replay)
	}

	partial, err := c.Replay(ctx, id, 0, 8)
	if err != nil {
		t.Fatalf("partial replay: %v", err)
	}
	if partial.State.Meta.Version != 8 || partial.State.Entities["m1"].HP != 20 {
		t.Fatalf("unexpected partial replay: %+v", partial.State)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/sessions/"+id+"/replay?from=5&to=2", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d %s", res.StatusCode, string(body))
	}
}

func TestAuthRequiresBearerToken(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	ctx := context.Background()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open: %d %s", res.StatusCode, string(body))
	}

	c := srv.SDK()
	_, err := c.CreateSession(ctx, "")
	if apiErr := asAPIError(t, err); apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %+v", apiErr)
	}

	bad, err := SignToken("other-secret", "gm", nil, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.BearerToken = bad
	_, err = c.CreateSession(ctx, "")
	if apiErr := asAPIError(t, err); apiErr.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected invalid credentials, got %+v", apiErr)
	}

	good, err := SignToken(testSecret, "gm", []string{"gm"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.BearerToken = good
	if _, err := c.CreateSession(ctx, ""); err != nil {
		t.Fatalf("create with token: %v", err)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "/sessions/{id}/events") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func readStreamEvent(t *testing.T, conn *websocket.Conn) domain.PersistedEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev domain.PersistedEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return ev
}

func TestStreamDeliversBacklogThenLiveEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()
	token, err := SignToken(testSecret, "viewer", nil, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.BearerToken = token
	id := seededSession(t, c)

	conn, _, err := websocket.DefaultDialer.Dial(c.StreamURL(id, 7), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, want := range []int{7, 8} {
		if ev := readStreamEvent(t, conn); ev.Version != want {
			t.Fatalf("expected backlog version %d, got %d", want, ev.Version)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Subscribers(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.Append(ctx, id, 8, skirmishsdk.Event{Type: "ZONE_ADDED", Payload: map[string]any{"zone_id": "z", "name": "Z"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ev := readStreamEvent(t, conn)
	if ev.Version != 9 || ev.EventType != domain.EventZoneAdded || ev.SessionID != id {
		t.Fatalf("unexpected live event: %+v", ev)
	}
}

func TestStreamRejectsUnknownSession(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	_, res, err := websocket.DefaultDialer.Dial(srv.SDK().StreamURL("missing", 0), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", res)
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	received []webhookEvent
	headers  []http.Header
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.received = append(h.received, ev)
	h.headers = append(h.headers, r.Header.Clone())
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDeliversNewEventsOfWantedTypes(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	ctx := context.Background()
	c := srv.SDK()
	before, err := c.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := &hookRecorder{}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: rec}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{
		{URL: "http://" + ln.Addr().String(), Events: []string{"ZONE_ADDED"}, Enabled: true},
		{URL: "http://" + ln.Addr().String(), Enabled: false},
	}, nil)
	if err := d.Prime(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}

	if _, err := c.Append(ctx, before.SessionID, 1,
		skirmishsdk.Event{Type: "ZONE_ADDED", Payload: map[string]any{"zone_id": "a", "name": "A"}},
		skirmishsdk.Event{Type: "ZONE_ADDED", Payload: map[string]any{"zone_id": "b", "name": "B"}},
		skirmishsdk.Event{Type: "ZONE_LINKED", Payload: map[string]any{"a": "a", "b": "b"}},
	); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %+v", len(rec.received), rec.received)
	}
	if rec.received[0].Version != 2 || rec.received[1].Version != 3 || rec.received[0].SessionID != before.SessionID {
		t.Fatalf("unexpected deliveries: %+v", rec.received)
	}
	if rec.headers[0].Get("X-Skirmish-Event") != "ZONE_ADDED" || rec.headers[0].Get("X-Skirmish-Session") != before.SessionID {
		t.Fatalf("unexpected headers: %v", rec.headers[0])
	}
}
