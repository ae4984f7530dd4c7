package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"apigateway/internal/auditlog"
	"apigateway/internal/core"
	"apigateway/internal/expression"
	"apigateway/internal/message"
	"apigateway/internal/policy"
	"apigateway/internal/proxy"
	"apigateway/internal/reporter"
	"apigateway/internal/security"
)

// Dependencies are the per-API components a Handler serves requests with.
// Only Invoker is required.
type Dependencies struct {
	APIID       string
	ContextPath string
	// SkipPaths are path prefixes served without the security chain. They
	// match both the full path and the path below the context path.
	SkipPaths []string

	Logging       *auditlog.Policy
	RedactHeaders []string
	Security      *security.Chain
	Policies      *policy.Chain
	Invoker       *proxy.Invoker
	Reporter      reporter.Sink

	// Messages enables message tracking of event-stream responses.
	Messages *MessageOptions
}

// MessageOptions configures message tracking.
type MessageOptions struct {
	Strategy     message.Strategy
	LogEnabled   bool
	LogCondition expression.Condition
}

// Handler holds the HTTP handlers
type Handler struct {
	apiID         string
	contextPath   string
	skipPaths     []string
	logging       *auditlog.Policy
	redactHeaders []string
	security      *security.Chain
	policies      *policy.Chain
	invoker       *proxy.Invoker
	reporter      reporter.Sink
	messages      *MessageOptions
}

// NewHandler creates a new handler
func NewHandler(deps Dependencies) *Handler {
	sink := deps.Reporter
	if sink == nil {
		sink = reporter.Discard
	}
	contextPath := deps.ContextPath
	if contextPath == "/" {
		contextPath = ""
	}
	return &Handler{
		apiID:         deps.APIID,
		contextPath:   contextPath,
		skipPaths:     deps.SkipPaths,
		logging:       deps.Logging,
		redactHeaders: deps.RedactHeaders,
		security:      deps.Security,
		policies:      deps.Policies,
		invoker:       deps.Invoker,
		reporter:      sink,
		messages:      deps.Messages,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Proxy forwards the request of the current transaction upstream and streams
// the response back.
func (h *Handler) Proxy(c echo.Context) error {
	ctx := c.Request().Context()
	tx := core.TransactionFrom(ctx)
	if tx == nil || h.invoker == nil {
		return core.NewInternalError("gateway is not configured", nil)
	}
	req := tx.Request()

	reqIC := auditlog.NewInterceptor(auditlog.PhaseClientRequest, h.logging, tx.Log(),
		func() http.Header { return req.Header }, h.clientOptions(tx)...)
	reqIC.CaptureHeaders()

	var body io.ReadCloser = http.NoBody
	if req.Body != nil && req.Body != http.NoBody {
		body = auditlog.WrapBody(req.Body, reqIC)
	}
	body, err := h.policies.OnRequestContent(ctx, tx, body)
	if err != nil {
		return err
	}

	resp, err := h.invoker.Invoke(ctx, tx, body)
	reqIC.Finalize()
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := h.policies.OnResponse(ctx, tx, resp); err != nil {
		return err
	}

	respBody := resp.Body
	if h.messages != nil && message.IsEventStream(resp.Header.Get("Content-Type")) {
		respBody = message.NewEventTap(ctx, respBody, h.tracker(tx).Handle)
	}
	respBody, err = h.policies.OnResponseContent(ctx, tx, respBody)
	if err != nil {
		return err
	}
	defer respBody.Close()

	return h.writeResponse(c, resp, respBody)
}

// writeResponse copies the upstream response to the client. Event streams
// are flushed after every chunk.
func (h *Handler) writeResponse(c echo.Context, resp *http.Response, body io.Reader) error {
	header := c.Response().Header()
	for k, vs := range resp.Header {
		header[k] = append([]string(nil), vs...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	flush := message.IsEventStream(resp.Header.Get("Content-Type"))
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := c.Response().Write(buf[:n]); err != nil {
				slog.Debug("client write failed", "request_id", core.GetRequestID(c.Request().Context()), "error", err)
				return nil
			}
			if flush {
				c.Response().Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			// The status line is already sent; the client sees a truncated body.
			slog.Warn("upstream body read failed",
				"request_id", core.GetRequestID(c.Request().Context()),
				"error", readErr,
			)
			return nil
		}
	}
}

// tracker builds the message tracker of a transaction. Counters live as long
// as the transaction.
func (h *Handler) tracker(tx *core.Transaction) *message.Tracker {
	coordinator := message.NewCoordinator(h.messages.Strategy, tx)
	rep := message.NewReporter(h.reporter, message.Source{
		RequestID: tx.ID(),
		APIID:     tx.APIID(),
		Connector: message.ConnectorEndpoint,
	}, h.messages.LogCondition, tx)
	return message.NewTracker(coordinator, rep, h.messages.LogEnabled)
}

// handleError renders errors returned by handlers and middlewares.
func (h *Handler) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	requestID := core.GetRequestID(c.Request().Context())

	var gatewayErr *core.GatewayError
	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Debug("client went away", "request_id", requestID, "error", err)
		return
	case errors.As(err, &gatewayErr):
		if gatewayErr.Type == core.ErrorTypeAuthentication {
			slog.Info("request rejected", "request_id", requestID, "cause", gatewayErr.Err)
		} else if gatewayErr.HTTPStatusCode() >= http.StatusInternalServerError {
			slog.Warn("request failed", "request_id", requestID, "error", gatewayErr)
		}
		writeJSON(c, gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	case errors.As(err, &httpErr):
		errType := core.ErrorTypeInvalidRequest
		if httpErr.Code == http.StatusNotFound {
			errType = core.ErrorTypeNotFound
		}
		writeJSON(c, httpErr.Code, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    errType,
				"message": http.StatusText(httpErr.Code),
			},
		})
	default:
		slog.Error("unexpected error", "request_id", requestID, "error", err)
		writeJSON(c, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]interface{}{
				"type":    core.ErrorTypeInternal,
				"message": "an unexpected error occurred",
			},
		})
	}
}

func writeJSON(c echo.Context, status int, body interface{}) {
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, body); err != nil {
		slog.Debug("failed to write error response", "error", err)
	}
}
