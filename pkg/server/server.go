// Package server exposes the decision engine over HTTP. It owns routing,
// request decoding, and caller-identity extraction; everything else is
// delegated to the executor and the ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/signalline/qscore/pkg/api"
	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/ledger"
	"github.com/signalline/qscore/pkg/patterncache"
)

// Decider is the executor surface the server calls.
type Decider interface {
	Execute(ctx context.Context, tool string, input map[string]interface{}, reqctx contracts.RequestContext) (*contracts.ToolResult, error)
}

// Options configures the HTTP surface.
type Options struct {
	RateRPS   int
	RateBurst int

	// Track opens a span and the RED metrics for one decision; the closer
	// records duration and outcome. Nil disables instrumentation.
	Track func(ctx context.Context, tool string) (context.Context, func(error))

	// Patterns backs the /patterns endpoints the email-intelligence
	// collaborator calls. Nil leaves the endpoints unrouted.
	Patterns patterncache.Cache
}

func (o *Options) fill() {
	if o.RateRPS <= 0 {
		o.RateRPS = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
}

// Server routes decision, feedback, pattern, and health endpoints.
type Server struct {
	decider  Decider
	ledger   ledger.Ledger
	limiter  *api.RateLimiter
	track    func(ctx context.Context, tool string) (context.Context, func(error))
	patterns patterncache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a server over the executor and ledger.
func New(decider Decider, led ledger.Ledger, opts Options) *Server {
	opts.fill()
	return &Server{
		decider:  decider,
		ledger:   led,
		limiter:  api.NewRateLimiter(opts.RateRPS, opts.RateBurst),
		track:    opts.Track,
		patterns: opts.Patterns,
		logger:   slog.Default().With("component", "server"),
		now:      time.Now,
	}
}

// Handler returns the routed handler with tracing and rate limiting
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/{tool}", s.handleDecision)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("GET /feedback/summary", s.handleSummary)
	mux.HandleFunc("GET /feedback/decisions/{id}", s.handleGetDecision)
	if s.patterns != nil {
		mux.HandleFunc("GET /patterns/{domain}", s.handleGetPattern)
		mux.HandleFunc("PUT /patterns/{domain}", s.handlePutPattern)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return api.TraceMiddleware(s.limiter.Middleware(mux))
}

// decisionRequest is the POST /tools/{tool} body. Identity fields in the
// body are overridden by bearer-token claims when a token is present.
type decisionRequest struct {
	Params   map[string]interface{}   `json:"params"`
	Context  contracts.RequestContext `json:"context"`
	TenantID string                   `json:"tenant_id,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())
	tool := r.PathValue("tool")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, traceID, "malformed request body")
		return
	}

	reqctx := req.Context
	if reqctx.TenantID == "" {
		reqctx.TenantID = req.TenantID
	}
	reqctx.TraceID = traceID
	applyBearerClaims(r, &reqctx)

	ctx := r.Context()
	done := func(error) {}
	if s.track != nil {
		ctx, done = s.track(ctx, tool)
	}

	res, err := s.decider.Execute(ctx, tool, req.Params, reqctx)
	done(err)
	if err != nil {
		s.logger.InfoContext(r.Context(), "decision rejected",
			"tool", tool, "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
		return
	}
	api.WriteResult(w, res)
}

// applyBearerClaims fills caller and tenant from a bearer token's claims.
// Signature verification happens upstream at the gateway; the engine only
// reads the already-validated claims.
func applyBearerClaims(r *http.Request, reqctx *contracts.RequestContext) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		reqctx.Caller = sub
	}
	if tenant, _ := claims["tenant_id"].(string); tenant != "" {
		reqctx.TenantID = tenant
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())

	var fb contracts.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		api.WriteBadRequest(w, traceID, "malformed request body")
		return
	}
	if fb.DecisionID == "" {
		api.WriteBadRequest(w, traceID, "decision_id is required")
		return
	}
	if fb.FeedbackID == "" {
		fb.FeedbackID = uuid.NewString()
	}
	if fb.FeedbackAt.IsZero() {
		fb.FeedbackAt = s.now().UTC()
	}

	rec, err := s.ledger.GetDecision(r.Context(), fb.DecisionID)
	if errors.Is(err, ledger.ErrDecisionNotFound) {
		api.WriteNotFound(w, traceID, "decision "+fb.DecisionID+" not found")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "decision lookup failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
		return
	}

	err = s.ledger.AppendFeedback(r.Context(), fb)
	switch {
	case errors.Is(err, ledger.ErrUnknownDecision):
		api.WriteNotFound(w, traceID, "decision "+fb.DecisionID+" not found")
	case errors.Is(err, ledger.ErrUnknownOutcome):
		api.WriteBadRequest(w, traceID, "unknown outcome type "+string(fb.OutcomeType))
	case err != nil:
		s.logger.ErrorContext(r.Context(), "feedback append failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
	default:
		api.WriteOK(w, map[string]interface{}{
			"ok":                  true,
			"feedback_id":         fb.FeedbackID,
			"current_performance": s.currentPerformance(r.Context(), rec.Tool),
		})
	}
}

// currentPerformance is the trailing-week aggregate for the tool a
// feedback row just landed on. Summary failures degrade to an empty list;
// the feedback itself is already durable.
func (s *Server) currentPerformance(ctx context.Context, tool string) []contracts.PerformanceSummary {
	to := s.now().UTC()
	summaries, err := s.ledger.SummarizePerformance(ctx, tool, to.Add(-7*24*time.Hour), to)
	if err != nil {
		s.logger.WarnContext(ctx, "performance summary failed", "tool", tool, "error", err)
		return nil
	}
	return summaries
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())
	q := r.URL.Query()

	tool := q.Get("tool")
	if tool == "" {
		api.WriteBadRequest(w, traceID, "tool query parameter is required")
		return
	}

	to := s.now().UTC()
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.WriteBadRequest(w, traceID, "to must be RFC 3339")
			return
		}
		to = parsed
	}
	from := to.Add(-7 * 24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.WriteBadRequest(w, traceID, "from must be RFC 3339")
			return
		}
		from = parsed
	}

	summaries, err := s.ledger.SummarizePerformance(r.Context(), tool, from, to)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "summary failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
		return
	}
	api.WriteOK(w, map[string]interface{}{"ok": true, "summaries": summaries})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())
	id := r.PathValue("id")

	rec, err := s.ledger.GetDecision(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrDecisionNotFound):
		api.WriteNotFound(w, traceID, "decision "+id+" not found")
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "decision lookup failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
		return
	}

	fbs, err := s.ledger.FeedbackFor(r.Context(), id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "feedback lookup failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
		return
	}
	api.WriteOK(w, map[string]interface{}{"ok": true, "decision": rec, "feedback": fbs})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())
	domain := r.PathValue("domain")

	entry, err := s.patterns.GetPattern(r.Context(), domain)
	switch {
	case errors.Is(err, patterncache.ErrPatternNotFound):
		api.WriteNotFound(w, traceID, "no pattern for domain "+domain)
	case err != nil:
		s.logger.ErrorContext(r.Context(), "pattern lookup failed", "trace_id", traceID, "error", err)
		api.WriteError(w, traceID, err)
	default:
		api.WriteOK(w, map[string]interface{}{"ok": true, "pattern": entry})
	}
}

func (s *Server) handlePutPattern(w http.ResponseWriter, r *http.Request) {
	traceID := api.TraceID(r.Context())

	var entry contracts.PatternCacheEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		api.WriteBadRequest(w, traceID, "malformed request body")
		return
	}
	entry.Domain = r.PathValue("domain")
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now().UTC()
	}

	put := s.patterns.PutPattern
	if r.URL.Query().Get("force") == "true" {
		put = s.patterns.Force
	}
	err := put(r.Context(), entry)
	switch {
	case errors.Is(err, patterncache.ErrStaleEvidence):
		api.WriteConflict(w, traceID, "stored entry carries stronger evidence")
	case err != nil:
		api.WriteBadRequest(w, traceID, err.Error())
	default:
		api.WriteOK(w, map[string]interface{}{"ok": true, "domain": entry.Domain})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteOK(w, map[string]interface{}{"ok": true, "status": "healthy"})
}
