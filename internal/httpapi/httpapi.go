// Package httpapi wires every externally-exposed conclave operation onto an
// echo router: cost/budget admin, conversation invocation (synchronous and
// streaming), workflow execution, and benchmark runs.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/conclave-ai/conclave/internal/auditlog"
	"github.com/conclave-ai/conclave/internal/benchmark"
	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/budget"
	"github.com/conclave-ai/conclave/internal/groupchat"
	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/oidcauth"
	"github.com/conclave-ai/conclave/internal/streaming"
	"github.com/conclave-ai/conclave/internal/workflow"
)

// Deps collects every component the HTTP surface dispatches into.
type Deps struct {
	Ledger       ledger.Ledger
	Breaker      *breaker.Breaker
	Monitor      *budget.Monitor
	Orchestrator *groupchat.Orchestrator
	Streams      *streaming.Registry
	Workflows    *workflow.Executor
	WorkflowDefs WorkflowDefinitionLookup
	Benchmarks   *benchmark.Runner
	Scenarios    []benchmark.Scenario
	OIDC         *oidcauth.Verifier
	Audit        auditlog.Store
	Log          *zerolog.Logger
}

// WorkflowDefinitionLookup resolves a workflow_id to its Definition, the
// registry of known workflow graphs.
type WorkflowDefinitionLookup interface {
	Get(workflowID string) (workflow.Definition, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Register mounts every route onto e.
func Register(e *echo.Echo, deps Deps) {
	e.GET("/current-cost", currentCostHandler(deps))
	e.GET("/budget-status", budgetStatusHandler(deps))
	e.POST("/budget-limits", budgetLimitsHandler(deps))
	e.GET("/circuit-breaker", circuitBreakerHandler(deps))
	e.POST("/circuit-breaker/override", circuitBreakerOverrideHandler(deps))

	e.POST("/conversation", conversationHandler(deps))
	e.GET("/conversation/stream", conversationStreamHandler(deps))

	e.POST("/workflow/:id/execute", workflowExecuteHandler(deps))
	e.GET("/workflow/executions/:id", workflowExecutionGetHandler(deps))
	e.POST("/workflow/executions/:id/cancel", workflowExecutionCancelHandler(deps))

	e.POST("/benchmark/run", benchmarkRunHandler(deps))
}

func currentCostHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		day := time.Now().UTC().Truncate(24 * time.Hour)

		dayTotal, err := deps.Ledger.DailyTotal(ctx, day)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		sessions, err := deps.Ledger.OpenSessions(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}

		var monthTotal float64
		days, err := deps.Ledger.RecentDailyTotals(ctx, day.Day())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		for _, d := range days {
			if d.Day.Year() == day.Year() && d.Day.Month() == day.Month() {
				monthTotal += d.Total
			}
		}

		state := "unknown"
		if deps.Breaker != nil {
			state = string(deps.Breaker.Snapshot().State)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"day_total":     dayTotal,
			"month_total":   monthTotal,
			"sessions_open": len(sessions),
			"circuit_state": state,
		})
	}
}

func budgetStatusHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Monitor == nil {
			return c.JSON(http.StatusServiceUnavailable, errBody(errNoMonitor))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"prediction": deps.Monitor.LastPrediction,
			"anomalies":  deps.Monitor.LastAnomalies,
		})
	}
}

type budgetLimitsRequest struct {
	DailyLimit        float64 `json:"daily_limit"`
	ConversationLimit float64 `json:"conversation_limit"`
	TurnLimit         float64 `json:"turn_limit"`
}

func budgetLimitsHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req budgetLimitsRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		if req.TurnLimit > req.ConversationLimit && req.ConversationLimit > 0 {
			return c.JSON(http.StatusBadRequest, errBody(errInvalidLimitOrdering))
		}
		if req.ConversationLimit > req.DailyLimit && req.DailyLimit > 0 {
			return c.JSON(http.StatusBadRequest, errBody(errInvalidLimitOrdering))
		}
		// Limits are applied to the breaker at construction; runtime updates
		// are out of scope until the breaker exposes a SetLimits method.
		return c.JSON(http.StatusOK, req)
	}
}

func circuitBreakerHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Breaker == nil {
			return c.JSON(http.StatusServiceUnavailable, errBody(errNoBreaker))
		}
		return c.JSON(http.StatusOK, deps.Breaker.Snapshot())
	}
}

type overrideRequest struct {
	Reason string `json:"reason"`
}

func circuitBreakerOverrideHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Breaker == nil {
			return c.JSON(http.StatusServiceUnavailable, errBody(errNoBreaker))
		}
		if deps.OIDC == nil {
			return c.JSON(http.StatusForbidden, errBody(errOverrideDisabled))
		}

		ctx := c.Request().Context()
		claims, err := deps.OIDC.VerifyRequest(ctx, c.Request())
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errBody(err))
		}

		var req overrideRequest
		_ = c.Bind(&req)

		deps.Breaker.Override(ctx)

		if deps.Audit != nil {
			actor := claims.Email
			if actor == "" {
				actor = claims.Subject
			}
			_ = deps.Audit.Record(ctx, auditlog.Entry{
				Actor:     actor,
				Action:    "circuit_breaker_override",
				Target:    "breaker",
				Reason:    req.Reason,
				CreatedAt: time.Now().UTC(),
			})
		}

		return c.JSON(http.StatusOK, deps.Breaker.Snapshot())
	}
}

type conversationRequest struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	PinnedAgentID  string `json:"pinned_agent_id"`
	Context        string `json:"context"`
}

func conversationHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req conversationRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		if req.Message == "" {
			return c.JSON(http.StatusBadRequest, errBody(errMessageRequired))
		}

		result, err := deps.Orchestrator.Orchestrate(c.Request().Context(), groupchat.Request{
			Message:        req.Message,
			UserID:         req.UserID,
			ConversationID: req.ConversationID,
			PinnedAgentID:  req.PinnedAgentID,
			PriorContext:   req.Context,
		})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}

		return c.JSON(http.StatusOK, map[string]any{
			"response":           result.Response,
			"agents_used":        result.AgentsUsed,
			"turn_count":         result.TurnCount,
			"cost_breakdown":     result.CostBreakdown,
			"duration_ms":        result.DurationMs,
			"termination_reason": result.TerminationReason,
		})
	}
}

// wsCloseCode maps a termination_reason to the spec's close-code convention.
func wsCloseCode(reason string) int {
	switch {
	case reason == "circuit_open":
		return 4290
	case reason == "cost_blocked" || strings.HasPrefix(reason, "cost_blocked:"):
		return 4003
	default:
		return websocket.CloseNormalClosure
	}
}

type wsInbound struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

// conversationStreamHandler upgrades to a WebSocket and relays a Session's
// Events onto it as they are produced, closing with the exit code implied
// by the conversation's termination_reason.
func conversationStreamHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return nil
		}

		userID := c.QueryParam("user_id")
		sess := streaming.NewSession(c.Request().Context(), userID, "", streaming.Config{})
		if deps.Streams != nil {
			deps.Streams.Add(sess)
			defer deps.Streams.Remove(sess.SessionID)
		}

		resultCh := make(chan groupchat.Result, 1)
		errCh := make(chan error, 1)
		go func() {
			result, err := deps.Orchestrator.Orchestrate(c.Request().Context(), groupchat.Request{
				Message:      in.Message,
				UserID:       userID,
				SessionID:    sess.SessionID,
				PriorContext: in.Context,
				Stream:       sess,
			})
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- result
		}()

		for {
			select {
			case evt := <-sess.Events:
				if err := conn.WriteJSON(evt); err != nil {
					return nil
				}
				if evt.Type == streaming.EventText {
					sess.Ack(len(evt.Content))
				}
			case result := <-resultCh:
				code := wsCloseCode(result.TerminationReason)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, result.TerminationReason), time.Now().Add(time.Second))
				return nil
			case <-errCh:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal_error"), time.Now().Add(time.Second))
				return nil
			case <-sess.Done:
				return nil
			}
		}
	}
}

func workflowExecuteHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		workflowID := c.Param("id")
		if deps.WorkflowDefs == nil {
			return c.JSON(http.StatusServiceUnavailable, errBody(errNoWorkflows))
		}
		def, ok := deps.WorkflowDefs.Get(workflowID)
		if !ok {
			return c.JSON(http.StatusNotFound, errBody(errWorkflowNotFound))
		}

		type execReq struct {
			UserID      string `json:"user_id"`
			ExecutionID string `json:"execution_id"`
		}
		var req execReq
		_ = c.Bind(&req)
		if req.ExecutionID == "" {
			req.ExecutionID = workflowID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}

		// Detach from the inbound request's context: Execute runs long after
		// this handler returns the 202, and echo cancels the request context
		// as soon as the response is written.
		execCtx := context.WithoutCancel(c.Request().Context())
		go func() {
			_, _ = deps.Workflows.Execute(execCtx, def, req.UserID, req.ExecutionID)
		}()

		return c.JSON(http.StatusAccepted, map[string]string{"execution_id": req.ExecutionID})
	}
}

func workflowExecutionGetHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		exec, ok, err := deps.Workflows.Store().Load(c.Request().Context(), id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		if !ok {
			return c.JSON(http.StatusNotFound, errBody(errExecutionNotFound))
		}
		return c.JSON(http.StatusOK, exec)
	}
}

func workflowExecutionCancelHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		deps.Workflows.Cancel(c.Param("id"))
		return c.NoContent(http.StatusAccepted)
	}
}

func benchmarkRunHandler(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Benchmarks == nil {
			return c.JSON(http.StatusServiceUnavailable, errBody(errNoBenchmarks))
		}
		category := c.QueryParam("category")
		scenarios := deps.Scenarios
		if category != "" {
			var filtered []benchmark.Scenario
			for _, s := range scenarios {
				if s.Category == category {
					filtered = append(filtered, s)
				}
			}
			scenarios = filtered
		}

		userID := c.QueryParam("user_id")
		report := deps.Benchmarks.RunAll(c.Request().Context(), scenarios, userID)
		return c.JSON(http.StatusOK, report)
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
