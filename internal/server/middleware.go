package server

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"apigateway/internal/auditlog"
	"apigateway/internal/core"
	"apigateway/internal/reporter"
)

// statusClientClosedRequest is reported when the client went away before a
// response was written.
const statusClientClosedRequest = 499

// Transaction opens the transaction of a request and reports it once the
// response is complete. Errors of inner handlers are rendered here so the
// client response is part of the transaction log.
func (h *Handler) Transaction(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()

		// Generate request ID if not present
		requestID := req.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Response().Header().Set("X-Request-ID", requestID)

		tx := core.NewTransaction(requestID, h.apiID, req, start)
		ctx := core.WithTransaction(core.WithRequestID(req.Context(), requestID), tx)
		req = req.WithContext(ctx)
		c.SetRequest(req)
		tx.SetRequest(req)

		if h.logs(tx, auditlog.PhaseClientRequest) {
			msg := tx.Log().Message(auditlog.PhaseClientRequest)
			msg.Method = req.Method
			msg.URI = req.URL.RequestURI()
		}

		rw := auditlog.NewResponseWriter(c.Response().Writer, h.logging, tx.Log(), h.clientOptions(tx)...)
		c.Response().Writer = rw

		if err := next(c); err != nil {
			c.Error(err)
		}
		h.finish(c, tx, rw)
		return nil
	}
}

// Secure runs the security chain, then the request policies.
func (h *Handler) Secure(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		tx := core.TransactionFrom(ctx)
		if tx == nil {
			return next(c)
		}

		if h.skipSecurity(c.Request().URL.Path) {
			tx.SetAttribute(core.AttrSkipSecurity, true)
		}
		if h.security != nil {
			if err := h.security.Execute(ctx, tx); err != nil {
				return err
			}
		}
		if err := h.policies.OnRequest(ctx, tx); err != nil {
			return err
		}
		return next(c)
	}
}

func (h *Handler) skipSecurity(p string) bool {
	rel := strings.TrimPrefix(p, h.contextPath)
	for _, skip := range h.skipPaths {
		if strings.HasPrefix(p, skip) || strings.HasPrefix(rel, skip) {
			return true
		}
	}
	return false
}

// finish completes the client legs of the log, terminates the transaction
// and reports it. Nothing writes to the record afterwards.
func (h *Handler) finish(c echo.Context, tx *core.Transaction, rw *auditlog.ResponseWriter) {
	// Rejected requests never reach the proxy handler.
	auditlog.NewInterceptor(auditlog.PhaseClientRequest, h.logging, tx.Log(),
		tx.Request().Header.Clone, h.clientOptions(tx)...).CaptureHeaders()
	rw.Finalize()

	duration := time.Since(tx.Start())
	tx.Log().DurationNs = duration.Nanoseconds()

	status := c.Response().Status
	if !c.Response().Committed && c.Request().Context().Err() != nil {
		status = statusClientClosedRequest
	}
	if !tx.Terminate() {
		return
	}

	if h.logging.Enabled() {
		h.reporter.Report(tx.Log())
	}
	planID, applicationID, _ := tx.Plan()
	h.reporter.Report(&reporter.Metrics{
		Timestamp:     tx.Start(),
		RequestID:     tx.ID(),
		APIID:         tx.APIID(),
		PlanID:        planID,
		ApplicationID: applicationID,
		Method:        tx.Request().Method,
		Status:        status,
		Duration:      duration,
	})
}

// clientOptions configures the interceptors of the client legs. The excluded
// content types may be overridden by a request policy that runs later.
func (h *Handler) clientOptions(tx *core.Transaction) []auditlog.InterceptorOption {
	opts := []auditlog.InterceptorOption{
		auditlog.WithLifecycle(tx),
		auditlog.WithExcludedPatternFrom(func() *regexp.Regexp {
			v, _ := tx.Attribute(core.AttrExcludedResponseTypes)
			re, _ := v.(*regexp.Regexp)
			return re
		}),
	}
	if len(h.redactHeaders) > 0 {
		opts = append(opts, auditlog.WithRedactedHeaders(h.redactHeaders...))
	}
	return opts
}

func (h *Handler) logs(tx *core.Transaction, phase auditlog.Phase) bool {
	return !tx.Terminated() && h.logging.Logs(phase)
}
