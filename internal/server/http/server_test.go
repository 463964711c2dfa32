package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/queueline/queueline/internal/bus"
	"github.com/queueline/queueline/internal/queue"
	"github.com/queueline/queueline/internal/store/memory"
)

type testEnv struct {
	server    *httptest.Server
	store     *memory.Store
	repo      *queue.Repository
	engine    *queue.Engine
	announcer *bus.Announcer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New()
	repo := queue.NewRepository(st)
	var now int64 = 1_700_000_000
	clock := func() time.Time {
		now++
		return time.Unix(now, 0)
	}
	repo.SetClock(clock)
	engine := queue.NewEngine(st, repo, queue.NewRecorder(st, 0))
	engine.SetClock(clock)
	analytics := queue.NewAnalytics(st, 0, "register")
	announcer := bus.NewAnnouncer()

	handler := NewHandler(Config{
		DefaultService: "register",
		SessionSecret:  "test-session-secret",
		AdminUser:      "admin",
		AdminPassword:  "hunter2",
	}, st, repo, engine, analytics, announcer, nil)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: st, repo: repo, engine: engine, announcer: announcer}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, map[string]any) {
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
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestSessionTicketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	resp, body := doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201 (%+v)", resp.StatusCode, body)
	}
	if body["ticket_id"].(float64) != 1 || body["service"] != "register" {
		t.Fatalf("create body = %+v", body)
	}
	if token, _ := body["token"].(string); token == "" {
		t.Fatal("create response missing capability token")
	}

	// The session is bound: a second take is rejected.
	resp, body = doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second create status = %d, want 400 (%+v)", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.server.URL+"/session/status", nil)
	if resp.StatusCode != http.StatusOK || body["has_ticket"] != true {
		t.Fatalf("status = %d %+v, want bound session", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodPost, env.server.URL+"/session/cancel", nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "cancelled" {
		t.Fatalf("cancel = %d %+v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodGet, env.server.URL+"/session/status", nil)
	if resp.StatusCode != http.StatusOK || body["has_ticket"] != false {
		t.Fatalf("status after cancel = %d %+v, want unbound", resp.StatusCode, body)
	}

	v, err := env.repo.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Status != queue.StatusCancelled {
		t.Fatalf("ticket status = %s, want cancelled", v.Status)
	}
}

func TestSessionCancelWithoutTicket(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	resp, body := doJSON(t, client, http.MethodPost, env.server.URL+"/session/cancel", nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "cancelled" {
		t.Fatalf("unbound cancel = %d %+v, want idempotent 200", resp.StatusCode, body)
	}
}

func TestSessionTicketRebindsAfterFinish(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
	if _, err := env.repo.Cancel(context.Background(), 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp, body := doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
	if resp.StatusCode != http.StatusCreated || body["ticket_id"].(float64) != 2 {
		t.Fatalf("rebind = %d %+v, want fresh ticket 2", resp.StatusCode, body)
	}
}

func TestSessionClearLeavesTicketAlive(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
	resp, _ := doJSON(t, client, http.MethodPost, env.server.URL+"/session/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	v, err := env.repo.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Status != queue.StatusWaiting {
		t.Fatalf("ticket status = %s, want waiting after clear", v.Status)
	}
}

func TestTicketStatus(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	resp, _ := doJSON(t, client, http.MethodGet, env.server.URL+"/ticket/99/status", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing ticket status = %d, want 404", resp.StatusCode)
	}

	tk, err := env.repo.Create(context.Background(), "register", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, body := doJSON(t, client, http.MethodGet, env.server.URL+"/ticket/1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["number"].(float64) != float64(tk.Number()) || body["status"] != "waiting" {
		t.Fatalf("body = %+v", body)
	}
	if _, leaked := body["token"]; leaked {
		t.Fatal("status response leaks the capability token")
	}
}

func TestTicketViewAuthorization(t *testing.T) {
	env := newTestEnv(t)
	tk, err := env.repo.Create(context.Background(), "register", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no credentials", "", http.StatusForbidden},
		{"wrong token", "?token=not-the-token", http.StatusForbidden},
		{"correct token", "?token=" + tk.Token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t)
			resp, body := doJSON(t, client, http.MethodGet, env.server.URL+"/ticket/1/view"+tt.query, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%+v)", resp.StatusCode, tt.want, body)
			}
			if tt.want == http.StatusOK && body["expired"] != false {
				t.Fatalf("body = %+v, want expired=false", body)
			}
		})
	}

	t.Run("session owner", func(t *testing.T) {
		client := newClient(t)
		_, created := doJSON(t, client, http.MethodPost, env.server.URL+"/session/ticket", nil)
		id := int(created["ticket_id"].(float64))
		resp, _ := doJSON(t, client, http.MethodGet, env.server.URL+"/ticket/"+strconv.Itoa(id)+"/view", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("owner view status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestCallNextEndpoint(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)
	url := env.server.URL + "/counter/register/next"

	resp, body := doJSON(t, client, http.MethodPost, url, map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing counter = %d %+v, want 400", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodPost, url, map[string]string{"counter": "counter-1"})
	if resp.StatusCode != http.StatusOK || body["message"] != "no one in queue" {
		t.Fatalf("empty queue = %d %+v", resp.StatusCode, body)
	}

	if _, err := env.repo.Create(context.Background(), "register", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, body = doJSON(t, client, http.MethodPost, url, map[string]string{"counter": "counter-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispatch = %d %+v", resp.StatusCode, body)
	}
	if body["status"] != "serving" || body["counter"] != "counter-1" {
		t.Fatalf("dispatch body = %+v", body)
	}
}

func TestAdminAuthorization(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)

	resp, _ := doJSON(t, client, http.MethodGet, env.server.URL+"/admin/api/summary", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous summary = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, env.server.URL+"/admin/login",
		map[string]string{"username": "admin", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, env.server.URL+"/admin/login",
		map[string]string{"username": "admin", "password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d, want 200", resp.StatusCode)
	}

	resp, body := doJSON(t, client, http.MethodGet, env.server.URL+"/admin/api/summary", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary = %d %+v", resp.StatusCode, body)
	}
	if _, ok := body["total_issued"]; !ok {
		t.Fatalf("summary body = %+v, want total_issued", body)
	}

	resp, _ = doJSON(t, client, http.MethodGet, env.server.URL+"/admin/api/stats?date=nonsense", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date = %d, want 400", resp.StatusCode)
	}
	resp, body = doJSON(t, client, http.MethodGet, env.server.URL+"/admin/api/stats?date=20260314", nil)
	if resp.StatusCode != http.StatusOK || body["date"] != "20260314" {
		t.Fatalf("stats = %d %+v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, client, http.MethodPost, env.server.URL+"/admin/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodGet, env.server.URL+"/admin/api/summary", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("post-logout summary = %d, want 401", resp.StatusCode)
	}
}

func TestEventsStreamInitialFrame(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Set(context.Background(), "current_number:register", "7"); err != nil {
		t.Fatalf("seed current number: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/events/register", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("frame = %q, want data prefix", line)
	}
	var ev queue.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.TicketID != 0 || ev.Number != 7 || ev.Service != "register" || ev.Status != "update" {
		t.Fatalf("initial frame = %+v, want synthetic current-number frame", ev)
	}
}

func TestEventsStreamRelaysDispatches(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/events/register", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}

	// The handler registers its listener before writing the initial frame,
	// so an announce now is guaranteed to reach it.
	env.announcer.Announce(queue.Event{TicketID: 5, Number: 5, Service: "register", Counter: "counter-1"})
	env.announcer.Announce(queue.Event{TicketID: 6, Number: 6, Service: "pickup", Counter: "window-1"})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev queue.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if ev.Service != "register" {
			t.Fatalf("cross-service frame leaked: %+v", ev)
		}
		if ev.TicketID == 5 {
			return
		}
	}
}

func TestCounterFeedRelaysDispatches(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.server.URL+"/counter/register/feed", nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.CloseNow()

	// The handshake completes before the handler registers its listener;
	// wait for registration so the announces below cannot be missed.
	deadline := time.Now().Add(2 * time.Second)
	for env.announcer.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed listener never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.announcer.Announce(queue.Event{TicketID: 6, Number: 6, Service: "pickup", Counter: "window-1"})
	env.announcer.Announce(queue.Event{TicketID: 5, Number: 5, Service: "register", Counter: "counter-1"})

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev queue.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.TicketID != 5 || ev.Service != "register" || ev.Counter != "counter-1" {
		t.Fatalf("first frame = %+v, want the register dispatch with the pickup one filtered", ev)
	}
}

func TestWebhookUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)
	resp, _ := doJSON(t, client, http.MethodPost, env.server.URL+"/line/webhook", map[string]string{})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("webhook = %d, want 503 when chat integration is off", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	client := newClient(t)
	resp, _ := doJSON(t, client, http.MethodGet, env.server.URL+"/session/ticket", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("allow header = %q, want POST", allow)
	}
}
