package httpapi

import "errors"

var (
	errNoMonitor            = errors.New("budget monitor not configured")
	errNoBreaker            = errors.New("circuit breaker not configured")
	errNoWorkflows          = errors.New("workflow definitions not configured")
	errNoBenchmarks         = errors.New("benchmark runner not configured")
	errInvalidLimitOrdering = errors.New("limits must satisfy turn <= conversation <= daily")
	errMessageRequired      = errors.New("message is required")
	errWorkflowNotFound     = errors.New("unknown workflow_id")
	errExecutionNotFound    = errors.New("unknown execution_id")
	errOverrideDisabled     = errors.New("circuit breaker override requires oidc configuration")
)
