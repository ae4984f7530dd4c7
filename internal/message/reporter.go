package message

import (
	"context"
	"log/slog"
	"time"

	"apigateway/internal/expression"
	"apigateway/internal/reporter"
)

// Source identifies the transaction and connector messages belong to.
type Source struct {
	RequestID string
	APIID     string
	Connector string
}

// Reporter emits the metrics and logs of observed messages.
type Reporter struct {
	sink      reporter.Sink
	source    Source
	condition expression.Condition
	life      Lifecycle
	now       func() time.Time
}

// NewReporter creates a message reporter. A nil condition logs every
// message handed to ReportConditionalMessageLog.
func NewReporter(sink reporter.Sink, source Source, condition expression.Condition, life Lifecycle) *Reporter {
	if sink == nil {
		sink = reporter.Discard
	}
	if condition == nil {
		condition = expression.Always
	}
	return &Reporter{
		sink:      sink,
		source:    source,
		condition: condition,
		life:      life,
		now:       time.Now,
	}
}

// ReportMessageMetrics emits the metrics of a message the coordinator found
// recordable.
func (r *Reporter) ReportMessageMetrics(obs Observation) {
	if obs.Message == nil || r.terminated() {
		return
	}
	r.sink.Report(&reporter.MessageMetrics{
		Timestamp:      r.now(),
		RequestID:      r.source.RequestID,
		APIID:          r.source.APIID,
		Connector:      r.source.Connector,
		Index:          obs.Index,
		ContentLength:  len(obs.Message.Content),
		Error:          obs.Message.Error,
		ErrorCount:     obs.ErrorCount,
		GatewayLatency: obs.Latency,
	})
}

// ReportConditionalMessageLog logs the message when it is an error or when
// the log condition holds for it. It returns whether a log was emitted.
// A message is logged at most once; the context error is returned when ctx
// ends during the condition evaluation.
func (r *Reporter) ReportConditionalMessageLog(ctx context.Context, obs Observation) (bool, error) {
	msg := obs.Message
	if msg == nil || r.terminated() || msg.RecordedWithLogging() {
		return false, nil
	}
	if msg.Error {
		return r.log(obs), nil
	}

	ok, err := r.condition.Evaluate(ctx, r.conditionVars(obs))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		slog.Warn("message log condition failed",
			"request_id", r.source.RequestID,
			"condition", r.condition.Source(),
			"error", err,
		)
		return false, nil
	}
	if !ok || r.terminated() {
		return false, nil
	}
	return r.log(obs), nil
}

func (r *Reporter) log(obs Observation) bool {
	msg := obs.Message
	if !msg.MarkRecordedWithLogging() {
		return false
	}
	r.sink.Report(&reporter.MessageLog{
		Timestamp: r.now(),
		RequestID: r.source.RequestID,
		APIID:     r.source.APIID,
		Connector: r.source.Connector,
		Index:     obs.Index,
		MessageID: msg.ID,
		Error:     msg.Error,
		Headers:   msg.Headers,
		Payload:   string(msg.Content),
	})
	return true
}

func (r *Reporter) conditionVars(obs Observation) expression.Vars {
	headers := obs.Message.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	event, _ := obs.Message.Attribute(AttrEventType)
	if event == nil {
		event = ""
	}
	return expression.Vars{
		"id":        obs.Message.ID,
		"event":     event,
		"content":   string(obs.Message.Content),
		"headers":   headers,
		"error":     obs.Message.Error,
		"index":     obs.Index,
		"connector": r.source.Connector,
	}
}

func (r *Reporter) terminated() bool {
	return r.life != nil && r.life.Terminated()
}

// Tracker runs each message of a stream through a Coordinator and a
// Reporter.
type Tracker struct {
	coordinator *Coordinator
	reporter    *Reporter
	logEnabled  bool
}

// NewTracker creates a tracker. When logEnabled is false only metrics are
// reported.
func NewTracker(coordinator *Coordinator, rep *Reporter, logEnabled bool) *Tracker {
	return &Tracker{coordinator: coordinator, reporter: rep, logEnabled: logEnabled}
}

// Handle observes msg and reports it. Error messages reach the log path
// whatever the sampling verdict.
func (t *Tracker) Handle(ctx context.Context, msg *Message) {
	obs, ok := t.coordinator.Observe(msg)
	if !ok {
		return
	}
	if obs.Recordable {
		t.reporter.ReportMessageMetrics(obs)
	}
	if !t.logEnabled || (!obs.Recordable && !msg.Error) {
		return
	}
	if _, err := t.reporter.ReportConditionalMessageLog(ctx, obs); err != nil {
		slog.Debug("message log abandoned", "request_id", t.reporter.source.RequestID, "error", err)
	}
}
