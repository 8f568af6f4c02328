package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Orchestration errors.
var (
	// ErrAgentTimeout is recorded when an agent call exceeds its deadline.
	ErrAgentTimeout = fmt.Errorf("agent call timed out: %w", ErrTimeout)
	// ErrAgentFailed is recorded when an agent returns an error.
	ErrAgentFailed = fmt.Errorf("agent call failed")
	// ErrAgentCanceled is recorded when the governing request context is canceled.
	ErrAgentCanceled = fmt.Errorf("agent call canceled")
	// ErrCircuitOpen means the call was rejected without invoking the agent.
	ErrCircuitOpen = fmt.Errorf("circuit open")
	// ErrSlowCall marks a call that returned but exceeded the slow call threshold.
	ErrSlowCall = fmt.Errorf("slow call")
	// ErrDependencyFailed marks a sequential step skipped because a dependency failed.
	ErrDependencyFailed = fmt.Errorf("dependency failed")

	ErrNoQualifyingAgent = fmt.Errorf("no agent qualified for query")
	ErrAllBranchesFailed = fmt.Errorf("all workflow branches failed")
	ErrRegistryEmpty     = fmt.Errorf("agent registry is empty")
	ErrFallbackFailed    = fmt.Errorf("fallback handler failed")
)

// Infrastructure errors.
var (
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrKeywordStore      = fmt.Errorf("keyword store operation failed")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrAuditWrite        = fmt.Errorf("audit write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Workflow.ExecuteParallel")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "breaker"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRejection reports whether err means the agent was never invoked.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeAgentTimeout     ErrorCode = "AGENT_TIMEOUT"
	CodeAgentFailed      ErrorCode = "AGENT_FAILED"
	CodeAgentCanceled    ErrorCode = "AGENT_CANCELED"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeSlowCall         ErrorCode = "SLOW_CALL"
	CodeDependencyFailed ErrorCode = "DEPENDENCY_FAILED"
	CodeNoQualifying     ErrorCode = "NO_QUALIFYING_AGENT"
	CodeAllBranchFailed  ErrorCode = "ALL_BRANCHES_FAILED"
	CodeRegistryEmpty    ErrorCode = "REGISTRY_EMPTY"
	CodeFallbackFailed   ErrorCode = "FALLBACK_FAILED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeKeywordStore     ErrorCode = "KEYWORD_STORE"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeRPCNotFound      ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCPayload       ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeAuditWrite       ErrorCode = "AUDIT_WRITE"

	CodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate  ErrorCode = "AGENT_DUPLICATE"
	CodeBreakerNotFound ErrorCode = "BREAKER_NOT_FOUND"
	CodeKeywordNotFound ErrorCode = "KEYWORD_CONFIG_NOT_FOUND"
	CodeKeywordInvalid  ErrorCode = "KEYWORD_INVALID"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrAgentTimeout:      CodeAgentTimeout,
	ErrAgentFailed:       CodeAgentFailed,
	ErrAgentCanceled:     CodeAgentCanceled,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrSlowCall:          CodeSlowCall,
	ErrDependencyFailed:  CodeDependencyFailed,
	ErrNoQualifyingAgent: CodeNoQualifying,
	ErrAllBranchesFailed: CodeAllBranchFailed,
	ErrRegistryEmpty:     CodeRegistryEmpty,
	ErrFallbackFailed:    CodeFallbackFailed,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrKeywordStore:      CodeKeywordStore,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRateLimit:         CodeRateLimit,
	ErrRPCMethodNotFound: CodeRPCNotFound,
	ErrRPCInvalidPayload: CodeRPCPayload,
	ErrAuditWrite:        CodeAuditWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":    CodeAgentNotFound,
		"breaker":  CodeBreakerNotFound,
		"keywords": CodeKeywordNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrInvalidInput: {
		"keywords": CodeKeywordInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Walk the error chain. Specific sentinels first so that ErrAgentTimeout
	// is not reported as the ErrTimeout category it wraps.
	for _, sentinel := range specificFirst {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

var specificFirst = []error{
	ErrAgentTimeout, ErrAgentFailed, ErrAgentCanceled, ErrCircuitOpen, ErrSlowCall,
	ErrDependencyFailed, ErrNoQualifyingAgent, ErrAllBranchesFailed, ErrRegistryEmpty,
	ErrFallbackFailed, ErrConfigLoad, ErrDecryption, ErrKeywordStore, ErrGatewayAuthFailed,
	ErrAuthInvalid, ErrRateLimit, ErrRPCMethodNotFound, ErrRPCInvalidPayload,
	ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached, ErrPermissionDenied,
	ErrDisabled, ErrInvalidInput,
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
