package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/contracts"
)

func TestWriteResultEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResult(rec, &contracts.ToolResult{
		DecisionID:  "d-1",
		Tool:        "CompanyQuality",
		RuleVersion: "1.0.0",
		Result:      map[string]interface{}{"quality_tier": "TIER_1", "score": 90.0},
		Confidence:  0.95,
		Breakdown:   []contracts.BreakdownStep{{Step: "score", Value: 90.0}},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderLogDropped))

	var env SuccessEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.OK)
	assert.Equal(t, "d-1", env.DecisionID)
	assert.Equal(t, "1.0.0", env.RuleVersion)
	assert.Equal(t, "TIER_1", env.Result["quality_tier"])
	assert.InDelta(t, 0.95, env.Confidence, 1e-9)
}

func TestWriteResultDroppedLog(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResult(rec, &contracts.ToolResult{
		Tool:        "CompanyQuality",
		RuleVersion: "1.0.0",
		Result:      map[string]interface{}{"score": 90.0},
		Confidence:  0.95,
		LogDropped:  true,
	})

	assert.Equal(t, "true", rec.Header().Get(HeaderLogDropped))

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.NotContains(t, raw, "decision_id")
}

func TestWriteErrorStatusPerCode(t *testing.T) {
	cases := []struct {
		code   contracts.ErrorCode
		status int
	}{
		{contracts.CodeSchemaValidation, http.StatusUnprocessableEntity},
		{contracts.CodeRuleNotFound, http.StatusNotFound},
		{contracts.CodeRuleInvalid, http.StatusInternalServerError},
		{contracts.CodeEvaluation, http.StatusInternalServerError},
		{contracts.CodePolicyViolation, http.StatusForbidden},
		{contracts.CodeTimeout, http.StatusGatewayTimeout},
		{contracts.CodeUpstreamFailure, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, "trace-1", &contracts.EngineError{Code: tc.code, Message: "boom"})

			assert.Equal(t, tc.status, rec.Code)
			var env ErrorEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.False(t, env.OK)
			assert.Equal(t, string(tc.code), env.Code)
			assert.Equal(t, "trace-1", env.TraceID)
		})
	}
}

func TestWriteErrorCarriesViolations(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "trace-1", &contracts.EngineError{
		Code:       contracts.CodeSchemaValidation,
		Message:    "input rejected",
		Violations: []string{"/employee_count: expected number"},
	})

	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, []string{"/employee_count: expected number"}, env.Violations)
}

func TestWriteErrorHidesForeignErrorText(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "trace-1", errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(contracts.CodeUpstreamFailure), env.Code)
	assert.NotContains(t, env.Message, "pq:")
}

func TestTraceMiddleware(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, TraceID(r.Context()))
	}))

	// A client-supplied id is reused.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-id", rec.Body.String())
	assert.Equal(t, "client-id", rec.Header().Get("X-Request-ID"))

	// Otherwise one is generated.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Body.String())
	assert.Equal(t, rec.Body.String(), rec.Header().Get("X-Request-ID"))
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/tools/CompanyQuality", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
	assert.Equal(t, http.StatusTooManyRequests, statuses[3])

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/tools/CompanyQuality", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
