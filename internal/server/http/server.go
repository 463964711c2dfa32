// Package httpserver exposes the queue engine over HTTP: visitor session
// endpoints, ticket views, the counter dispatch surface, live event streams,
// and the admin analytics API.
package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/sessions"

	"github.com/queueline/queueline/errs"
	"github.com/queueline/queueline/internal/bus"
	"github.com/queueline/queueline/internal/queue"
	"github.com/queueline/queueline/internal/store"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	sessionName = "queueline"

	sessionTicketPath = "/session/ticket"
	sessionCancelPath = "/session/cancel"
	sessionClearPath  = "/session/clear"
	sessionStatusPath = "/session/status"

	ticketDetailPrefix  = "/ticket/"
	eventsPrefix        = "/events/"
	counterDetailPrefix = "/counter/"

	adminLoginPath   = "/admin/login"
	adminLogoutPath  = "/admin/logout"
	adminSummaryPath = "/admin/api/summary"
	adminDemandPath  = "/admin/api/demand"
	adminLivePath    = "/admin/api/live"
	adminStatsPath   = "/admin/api/stats"

	lineWebhookPath = "/line/webhook"
	healthPath      = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Config carries the server's non-dependency settings.
type Config struct {
	DefaultService string
	SessionSecret  string
	AdminUser      string
	AdminPassword  string
}

type httpServer struct {
	cfg       Config
	store     store.Store
	repo      *queue.Repository
	engine    *queue.Engine
	analytics *queue.Analytics
	announcer *bus.Announcer
	webhook   http.Handler
	sessions  *sessions.CookieStore
}

// NewHandler assembles the HTTP surface. webhook may be nil when the chat
// integration is disabled.
func NewHandler(cfg Config, st store.Store, repo *queue.Repository, engine *queue.Engine,
	analytics *queue.Analytics, announcer *bus.Announcer, webhook http.Handler) http.Handler {
	cookieStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 3600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	server := &httpServer{
		cfg:       cfg,
		store:     st,
		repo:      repo,
		engine:    engine,
		analytics: analytics,
		announcer: announcer,
		webhook:   webhook,
		sessions:  cookieStore,
	}
	mux := http.NewServeMux()

	mux.Handle(sessionTicketPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createSessionTicket,
	}))
	mux.Handle(sessionCancelPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.cancelSessionTicket,
	}))
	mux.Handle(sessionClearPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.clearSession,
	}))
	mux.Handle(sessionStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.sessionStatus,
	}))

	mux.Handle(ticketDetailPrefix, http.HandlerFunc(server.handleTicket))
	mux.Handle(eventsPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))
	mux.Handle(counterDetailPrefix, http.HandlerFunc(server.handleCounter))

	mux.Handle(adminLoginPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.adminLogin,
	}))
	mux.Handle(adminLogoutPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.adminLogout,
	}))
	mux.Handle(adminSummaryPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.requireAdmin(server.adminSummary),
	}))
	mux.Handle(adminDemandPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.requireAdmin(server.adminDemand),
	}))
	mux.Handle(adminLivePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.requireAdmin(server.adminLive),
	}))
	mux.Handle(adminStatsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.requireAdmin(server.adminStats),
	}))

	if webhook != nil {
		mux.Handle(lineWebhookPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: webhook.ServeHTTP,
		}))
	} else {
		mux.Handle(lineWebhookPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "chat integration not configured")
		}))
	}

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// --- session endpoints ---

type sessionTicketPayload struct {
	Service string `json:"service"`
}

func (s *httpServer) createSessionTicket(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload sessionTicketPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
	}
	service := strings.TrimSpace(payload.Service)
	if service == "" {
		service = s.cfg.DefaultService
	}

	sess := s.session(r)
	if id, ok := sessionTicketID(sess); ok {
		if v, err := s.repo.Get(r.Context(), id); err == nil && !v.Expired() {
			writeError(w, http.StatusBadRequest, "session already has a ticket")
			return
		}
		// Stale binding: the ticket finished or vanished. Fall through and
		// replace it.
	}

	t, err := s.repo.Create(r.Context(), service, "")
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	sess.Values["ticket_id"] = t.ID
	sess.Values["service"] = t.Service
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save session: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ticket_id":  t.ID,
		"number":     t.Number(),
		"service":    t.Service,
		"created_at": t.CreatedAt,
		"token":      t.Token,
	})
}

func (s *httpServer) cancelSessionTicket(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	id, ok := sessionTicketID(sess)
	if !ok {
		// Nothing bound: cancel is idempotent.
		writeJSON(w, http.StatusOK, map[string]string{"message": "cancelled"})
		return
	}
	if _, err := s.repo.Cancel(r.Context(), id); err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.dropTicketBinding(sess)
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cancelled"})
}

func (s *httpServer) clearSession(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	s.dropTicketBinding(sess)
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cleared"})
}

func (s *httpServer) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	id, ok := sessionTicketID(sess)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"has_ticket": false})
		return
	}
	service, _ := sess.Values["service"].(string)
	writeJSON(w, http.StatusOK, map[string]any{
		"has_ticket": true,
		"ticket_id":  id,
		"service":    service,
	})
}

// --- ticket endpoints ---

func (s *httpServer) handleTicket(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, ticketDetailPrefix), "/")
	rawID, action, hasAction := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 || !hasAction {
		writeError(w, http.StatusNotFound, "ticket id required")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	switch action {
	case "status":
		s.ticketStatus(w, r, id)
	case "view":
		s.ticketView(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) ticketStatus(w http.ResponseWriter, r *http.Request, id int64) {
	v, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type viewResponse struct {
	*queue.View
	Expired bool `json:"expired"`
}

// ticketView authorizes by either the session binding or the capability
// token minted at creation.
func (s *httpServer) ticketView(w http.ResponseWriter, r *http.Request, id int64) {
	v, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	authorized := false
	if sessID, ok := sessionTicketID(s.session(r)); ok && sessID == id {
		authorized = true
	}
	if token := r.URL.Query().Get("token"); token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) == 1 {
		authorized = true
	}
	if !authorized {
		writeError(w, http.StatusForbidden, "not authorized to view this ticket")
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{View: v, Expired: v.Expired()})
}

// --- counter endpoints ---

type callNextPayload struct {
	Counter string `json:"counter"`
}

func (s *httpServer) handleCounter(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, counterDetailPrefix), "/")
	service, action, hasAction := strings.Cut(rest, "/")
	service = strings.TrimSpace(service)
	if service == "" || !hasAction {
		writeError(w, http.StatusNotFound, "service required")
		return
	}
	switch action {
	case "next":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.callNext(w, r, service)
	case "feed":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.counterFeed(w, r, service)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) callNext(w http.ResponseWriter, r *http.Request, service string) {
	limitRequestBody(w, r)
	var payload callNextPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	counter := strings.TrimSpace(payload.Counter)
	if counter == "" {
		writeError(w, http.StatusBadRequest, "counter required")
		return
	}
	v, err := s.engine.CallNext(r.Context(), service, counter)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if v == nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no one in queue"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- admin endpoints ---

type adminLoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *httpServer) adminLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminPassword == "" {
		writeError(w, http.StatusServiceUnavailable, "admin access not configured")
		return
	}
	limitRequestBody(w, r)
	var payload adminLoginPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(payload.Username), []byte(s.cfg.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(payload.Password), []byte(s.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	sess := s.session(r)
	sess.Values["admin"] = true
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged in"})
}

func (s *httpServer) adminLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	delete(sess.Values, "admin")
	if err := sess.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save session: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *httpServer) requireAdmin(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin, _ := s.session(r).Values["admin"].(bool); !admin {
			writeError(w, http.StatusUnauthorized, "admin session required")
			return
		}
		next(w, r)
	}
}

func (s *httpServer) adminSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analytics.Summary(r.Context()))
}

func (s *httpServer) adminDemand(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"demand": s.analytics.HourlyDemand(r.Context())})
}

func (s *httpServer) adminLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"live": s.analytics.LiveCounts(r.Context())})
}

func (s *httpServer) adminStats(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if len(date) != 8 {
		writeError(w, http.StatusBadRequest, "date must be YYYYMMDD")
		return
	}
	if _, err := strconv.Atoi(date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYYMMDD")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":  date,
		"stats": s.analytics.StatsForDate(r.Context(), date),
	})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func (s *httpServer) session(r *http.Request) *sessions.Session {
	sess, err := s.sessions.Get(r, sessionName)
	if err != nil {
		// Tampered or stale cookie: Get already returned a fresh session.
		return sess
	}
	return sess
}

func sessionTicketID(sess *sessions.Session) (int64, bool) {
	id, ok := sess.Values["ticket_id"].(int64)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *httpServer) dropTicketBinding(sess *sessions.Session) {
	delete(sess.Values, "ticket_id")
	delete(sess.Values, "service")
}

func (s *httpServer) writeQueueError(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
