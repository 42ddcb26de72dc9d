package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of engine error codes surfaced in the API
// envelope.
type ErrorCode string

const (
	CodeSchemaValidation ErrorCode = "SCHEMA_VALIDATION_ERROR"
	CodeRuleNotFound     ErrorCode = "RULE_NOT_FOUND"
	CodeRuleInvalid      ErrorCode = "RULE_INVALID"
	CodeEvaluation       ErrorCode = "EVALUATION_ERROR"
	CodePolicyViolation  ErrorCode = "POLICY_VIOLATION"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeUpstreamFailure  ErrorCode = "UPSTREAM_FAILURE"
)

// EngineError is the typed error crossing package boundaries on the decision
// path. Violations carry schema-validation detail; Rule and Step locate
// evaluation failures.
type EngineError struct {
	Code       ErrorCode
	Message    string
	Violations []string
	Rule       string
	Step       string
	Err        error
}

func (e *EngineError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (rule %q, step %q)", e.Code, e.Message, e.Rule, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError builds an EngineError with a formatted message.
func NewEngineError(code ErrorCode, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from err, defaulting to UPSTREAM_FAILURE
// for foreign errors.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeUpstreamFailure
}
