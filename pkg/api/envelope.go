// Package api defines the HTTP envelope every endpoint speaks and the
// request middleware in front of it. Success and error bodies share the
// `ok` discriminator so callers branch on one field.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/signalline/qscore/pkg/contracts"
)

// HeaderLogDropped marks responses whose decision record was shed before
// the ledger; such responses carry no decision_id.
const HeaderLogDropped = "X-QScore-Log-Dropped"

// SuccessEnvelope is the body of every 200 response on the decision path.
type SuccessEnvelope struct {
	OK          bool                      `json:"ok"`
	Result      map[string]interface{}    `json:"result"`
	Confidence  float64                   `json:"confidence"`
	Breakdown   []contracts.BreakdownStep `json:"breakdown"`
	RuleVersion string                    `json:"rule_version"`
	DecisionID  string                    `json:"decision_id,omitempty"`
	KeyFactors  []string                  `json:"key_factors,omitempty"`
	EdgeCases   []string                  `json:"edge_cases_applied,omitempty"`
}

// ErrorEnvelope is the body of every non-200 response.
type ErrorEnvelope struct {
	OK         bool     `json:"ok"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
}

// statusFor maps engine codes onto HTTP statuses.
func statusFor(code contracts.ErrorCode) int {
	switch code {
	case contracts.CodeSchemaValidation:
		return http.StatusUnprocessableEntity
	case contracts.CodeRuleNotFound:
		return http.StatusNotFound
	case contracts.CodePolicyViolation:
		return http.StatusForbidden
	case contracts.CodeTimeout:
		return http.StatusGatewayTimeout
	case contracts.CodeRuleInvalid, contracts.CodeEvaluation:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// WriteResult writes the success envelope for a tool result. A dropped-log
// result sets the degradation header and omits the decision id.
func WriteResult(w http.ResponseWriter, res *contracts.ToolResult) {
	if res.LogDropped {
		w.Header().Set(HeaderLogDropped, "true")
	}
	writeJSON(w, http.StatusOK, SuccessEnvelope{
		OK:          true,
		Result:      res.Result,
		Confidence:  res.Confidence,
		Breakdown:   res.Breakdown,
		RuleVersion: res.RuleVersion,
		DecisionID:  res.DecisionID,
		KeyFactors:  res.KeyFactors,
		EdgeCases:   res.EdgeCases,
	})
}

// WriteOK writes an ad-hoc success body for non-decision endpoints.
func WriteOK(w http.ResponseWriter, body interface{}) {
	writeJSON(w, http.StatusOK, body)
}

// WriteError writes the error envelope for err, mapping engine codes to
// statuses. Foreign errors surface as UPSTREAM_FAILURE without their text.
func WriteError(w http.ResponseWriter, traceID string, err error) {
	env := ErrorEnvelope{OK: false, TraceID: traceID}

	var engErr *contracts.EngineError
	if errors.As(err, &engErr) {
		env.Code = string(engErr.Code)
		env.Message = engErr.Message
		env.Violations = engErr.Violations
		writeJSON(w, statusFor(engErr.Code), env)
		return
	}

	env.Code = string(contracts.CodeUpstreamFailure)
	env.Message = "internal error"
	writeJSON(w, http.StatusBadGateway, env)
}

// WriteBadRequest writes a 400 with a caller-facing message.
func WriteBadRequest(w http.ResponseWriter, traceID, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorEnvelope{
		OK:      false,
		Code:    string(contracts.CodeSchemaValidation),
		Message: message,
		TraceID: traceID,
	})
}

// WriteNotFound writes a 404 envelope.
func WriteNotFound(w http.ResponseWriter, traceID, message string) {
	writeJSON(w, http.StatusNotFound, ErrorEnvelope{
		OK:      false,
		Code:    string(contracts.CodeRuleNotFound),
		Message: message,
		TraceID: traceID,
	})
}

// WriteConflict writes a 409 for writes rejected by an optimistic guard.
func WriteConflict(w http.ResponseWriter, traceID, message string) {
	writeJSON(w, http.StatusConflict, ErrorEnvelope{
		OK:      false,
		Code:    "STALE_EVIDENCE",
		Message: message,
		TraceID: traceID,
	})
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeJSON(w, http.StatusTooManyRequests, ErrorEnvelope{
		OK:      false,
		Code:    "RATE_LIMITED",
		Message: "too many requests",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
