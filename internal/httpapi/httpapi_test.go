package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWsCloseCode_MapsKnownTerminationReasons(t *testing.T) {
	assert.Equal(t, 4290, wsCloseCode("circuit_open"))
	assert.Equal(t, 4003, wsCloseCode("cost_blocked"))
	assert.Equal(t, 4003, wsCloseCode("cost_blocked:turn_limit_exceeded"))
	assert.Equal(t, websocket.CloseNormalClosure, wsCloseCode("completion_marker"))
	assert.Equal(t, websocket.CloseNormalClosure, wsCloseCode("max_turns"))
}

func TestBudgetLimitsHandler_RejectsTurnAboveConversation(t *testing.T) {
	e := echo.New()
	body := `{"daily_limit":100,"conversation_limit":10,"turn_limit":20}`
	req := httptest.NewRequest(http.MethodPost, "/budget-limits", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := budgetLimitsHandler(Deps{})(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBudgetLimitsHandler_AcceptsValidOrdering(t *testing.T) {
	e := echo.New()
	body := `{"daily_limit":100,"conversation_limit":50,"turn_limit":10}`
	req := httptest.NewRequest(http.MethodPost, "/budget-limits", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := budgetLimitsHandler(Deps{})(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCircuitBreakerOverrideHandler_UnavailableWithoutBreaker(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/circuit-breaker/override", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := circuitBreakerOverrideHandler(Deps{Breaker: nil})(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
