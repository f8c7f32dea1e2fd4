// Package httpserver exposes the admission coordinator over HTTP.
package httpserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/app/admission"
	"github.com/coachpo/waitroom/internal/domain/queue"
	"github.com/coachpo/waitroom/internal/infra/codec"
	"github.com/coachpo/waitroom/internal/infra/telemetry"
)

const (
	maxJSONBodyBytes int64 = 16 << 10

	queuePath    = "/api/queue"
	leavePath    = "/api/queue/leave"
	sessionPath  = "/api/session"
	debugPath    = "/api/debug"
	healthPath   = "/healthz"
	realtimePath = "/ws"

	actionForceClear      = "force_clear"
	actionProcessNext     = "process_next"
	actionClearProcessing = "clear_processing"
)

// Coordinator is the admission surface served over HTTP.
type Coordinator interface {
	Join(ctx context.Context, key string) (admission.JoinResult, error)
	Status(ctx context.Context, key string) (queue.Position, error)
	Leave(ctx context.Context, key string) (queue.LeaveResult, error)
	CreateSession(ctx context.Context, key string) (admission.Session, error)
	EndSession(ctx context.Context, key string) (queue.EndResult, error)
	ForceClear(ctx context.Context) queue.ClearResult
	ProcessNext(ctx context.Context) (string, bool)
	ClearProcessing(ctx context.Context) int
	Debug() queue.Info
}

// BusStatus reports bus connectivity for health and debug responses.
type BusStatus interface {
	Connected() bool
}

// Config controls which routes are mounted and how they are guarded.
type Config struct {
	Role        string
	EnableDebug bool
	AdminToken  string
	// RateLimits caps requests per key and route, e.g. {time.Second: 5}.
	RateLimits map[time.Duration]int
}

// Option configures the handler.
type Option func(*httpServer)

// WithBus reports bus connectivity on /healthz and /api/debug.
func WithBus(bus BusStatus) Option {
	return func(s *httpServer) {
		s.bus = bus
	}
}

// WithRealtime mounts the WebSocket handler on /ws.
func WithRealtime(handler http.Handler) Option {
	return func(s *httpServer) {
		s.realtime = handler
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *httpServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	coordinator Coordinator
	cfg         Config
	bus         BusStatus
	realtime    http.Handler
	limiter     *catrate.Limiter
	logger      *log.Logger

	requestDuration metric.Float64Histogram
	limitedCounter  metric.Int64Counter
}

type keyPayload struct {
	Key string `json:"key"`
}

type debugPayload struct {
	Action string `json:"action"`
}

// NewHandler builds the HTTP surface. With a nil coordinator only the health
// and realtime routes are mounted, which is what relays serve.
func NewHandler(coordinator Coordinator, cfg Config, opts ...Option) http.Handler {
	server := &httpServer{
		coordinator: coordinator,
		cfg:         cfg,
		bus:         nil,
		realtime:    nil,
		limiter:     nil,
		logger:      log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	if len(cfg.RateLimits) > 0 {
		server.limiter = catrate.NewLimiter(cfg.RateLimits)
	}
	meter := otel.Meter("httpserver")
	server.requestDuration, _ = meter.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request latency by route and status"),
		metric.WithUnit("ms"))
	server.limitedCounter, _ = meter.Int64Counter("http.requests.rate_limited",
		metric.WithDescription("Requests rejected by the per-key limiter"),
		metric.WithUnit("{request}"))

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.instrument(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	})))
	if server.realtime != nil {
		mux.Handle(realtimePath, server.realtime)
	}
	if coordinator != nil {
		mux.Handle(queuePath, server.instrument(queuePath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.join,
			http.MethodGet:  server.status,
		})))
		mux.Handle(leavePath, server.instrument(leavePath, server.methodHandlers(map[string]handlerFunc{
			http.MethodDelete: server.leave,
			http.MethodPost:   server.leave,
		})))
		mux.Handle(sessionPath, server.instrument(sessionPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost:   server.createSession,
			http.MethodDelete: server.endSession,
		})))
		if cfg.EnableDebug {
			mux.Handle(debugPath, server.instrument(debugPath, server.requireAdmin(server.methodHandlers(map[string]handlerFunc{
				http.MethodGet:  server.debugInfo,
				http.MethodPost: server.debugAction,
			}))))
		}
	}
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

func (s *httpServer) join(w http.ResponseWriter, r *http.Request) {
	key, ok := s.readKey(w, r)
	if !ok || !s.allow(w, queuePath, key) {
		return
	}
	result, err := s.coordinator.Join(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) status(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	pos, err := s.coordinator.Status(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *httpServer) leave(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		var ok bool
		if key, ok = s.readKey(w, r); !ok {
			return
		}
	}
	result, err := s.coordinator.Leave(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) createSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.readKey(w, r)
	if !ok || !s.allow(w, sessionPath, key) {
		return
	}
	session, err := s.coordinator.CreateSession(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *httpServer) endSession(w http.ResponseWriter, r *http.Request) {
	key, ok := s.readKey(w, r)
	if !ok {
		return
	}
	result, err := s.coordinator.EndSession(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) debugInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":        s.coordinator.Debug(),
		"busConnected": s.busConnected(),
		"role":         s.cfg.Role,
	})
}

func (s *httpServer) debugAction(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload debugPayload
	if err := codec.DecodeJSON(r.Body, &payload, true); err != nil {
		writeDecodeError(w, err)
		return
	}
	ctx := r.Context()
	switch strings.TrimSpace(payload.Action) {
	case actionForceClear:
		result := s.coordinator.ForceClear(ctx)
		s.logger.Printf("admin force clear: queue=%d processing=%d", result.ClearedQueue, result.ClearedProcessing)
		writeJSON(w, http.StatusOK, result)
	case actionProcessNext:
		key, ok := s.coordinator.ProcessNext(ctx)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "No users in queue"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": key})
	case actionClearProcessing:
		writeJSON(w, http.StatusOK, map[string]any{"clearedProcessing": s.coordinator.ClearProcessing(ctx)})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"busConnected": s.busConnected(),
		"role":         s.cfg.Role,
	})
}

func (s *httpServer) busConnected() bool {
	return s.bus != nil && s.bus.Connected()
}

func (s *httpServer) readKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	limitRequestBody(w, r)
	var payload keyPayload
	if err := codec.DecodeJSON(r.Body, &payload, false); err != nil {
		writeDecodeError(w, err)
		return "", false
	}
	return strings.TrimSpace(payload.Key), true
}

func (s *httpServer) allow(w http.ResponseWriter, route, key string) bool {
	if s.limiter == nil || key == "" {
		return true
	}
	next, ok := s.limiter.Allow(route + "|" + key)
	if ok {
		return true
	}
	retry := int(math.Ceil(time.Until(next).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.limitedCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrRoute.String(route),
	))
	writeErr(w, errs.New("http", errs.CodeRateLimited, errs.WithHTTP(http.StatusTooManyRequests), errs.WithMessage("too many requests")))
	return false
}

func (s *httpServer) requireAdmin(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *httpServer) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requestDuration.Record(r.Context(), float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrRoute.String(route),
				telemetry.AttrResult.String(strconv.Itoa(rec.status)),
			))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
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

// writeErr renders an errs envelope. Denials carry the caller's position state.
func writeErr(w http.ResponseWriter, err error) {
	var e *errs.E
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := e.HTTP
	if status == 0 {
		status = statusFor(e.Code)
	}
	message := e.Message
	if message == "" {
		message = string(e.Code)
	}
	body := map[string]any{
		"status": "error",
		"error":  message,
		"code":   string(e.Code),
	}
	for k, v := range e.Details {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeCapacityExceeded, errs.CodeNotYourTurn:
		return http.StatusForbidden
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnauthorized:
		return http.StatusUnauthorized
	case errs.CodeBusUnavailable, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.WriteJSON(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
