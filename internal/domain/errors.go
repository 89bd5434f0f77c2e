package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound       = fmt.Errorf("not found")
	ErrDuplicate      = fmt.Errorf("duplicate")
	ErrInvalidInput   = fmt.Errorf("invalid input")
	ErrAgentNotFound  = fmt.Errorf("agent: %w", ErrNotFound)
	ErrSkillNotFound  = fmt.Errorf("skill: %w", ErrNotFound)
	ErrSkillDuplicate = fmt.Errorf("skill: %w", ErrDuplicate)

	// ErrRateLimited is returned when a quota limit denies a request.
	// Wrap with RateLimitError to carry the limit type and reset time.
	ErrRateLimited = fmt.Errorf("quota limit exceeded")

	// ErrClassifierFailure marks an oracle call that failed outright
	// (network, auth, open circuit). Recovered locally via the fallback
	// matcher, never surfaced to the caller.
	ErrClassifierFailure = fmt.Errorf("classifier call failed")

	// ErrOracleMalformed marks oracle output that could not be parsed or
	// validated into a MatchResult.
	ErrOracleMalformed = fmt.Errorf("classifier output malformed")

	// ErrGenerationFailed marks a model-answer failure; surfaced as the
	// terminal error event of the turn.
	ErrGenerationFailed = fmt.Errorf("generation failed")

	// ErrInvalidMatch marks a MatchResult violating structural invariants.
	ErrInvalidMatch = fmt.Errorf("invalid match result")

	// ErrInvalidDecision marks a decision turn that cannot be resolved
	// (missing resume token, unknown decision value).
	ErrInvalidDecision = fmt.Errorf("invalid decision")
)

// RateLimitError carries which limit was hit and, for the hourly request
// limit, when it resets.
type RateLimitError struct {
	LimitType LimitType
	Reason    string
	ResetTime *time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetTime != nil {
		return fmt.Sprintf("%s: %s (resets %s)", ErrRateLimited, e.Reason, e.ResetTime.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Reason)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Matcher.Match")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeClassifierFailure  ErrorCode = "CLASSIFIER_FAILURE"
	CodeOracleMalformed    ErrorCode = "ORACLE_MALFORMED"
	CodeGenerationFailed   ErrorCode = "GENERATION_FAILED"
	CodeInvalidMatchResult ErrorCode = "INVALID_MATCH_RESULT"
	CodeInvalidDecision    ErrorCode = "INVALID_DECISION"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrInvalidInput:      CodeInvalidInput,
	ErrRateLimited:       CodeRateLimited,
	ErrClassifierFailure: CodeClassifierFailure,
	ErrOracleMalformed:   CodeOracleMalformed,
	ErrGenerationFailed:  CodeGenerationFailed,
	ErrInvalidMatch:      CodeInvalidMatchResult,
	ErrInvalidDecision:   CodeInvalidDecision,
}

// ErrorCodeOf maps err to its code via errors.Is, returning CodeUnknown
// when no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
