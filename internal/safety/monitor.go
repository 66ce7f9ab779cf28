// Package safety watches completed visits and emits safety signal events when a
// patient's active regimen carries warnings. Signals are advisory only.
package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/domain/regimen"
	"github.com/drfirst/go-regimen/internal/domain/visit"
	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/idempotency"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

// EventSignalsDetected is the outbox event type
const EventSignalsDetected = "SafetySignalsDetected"

// Results recorded per handled event
const (
	ResultEmitted   = "emitted"
	ResultClean     = "clean"
	ResultDuplicate = "duplicate"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
	ResultInvalid   = "invalid"
)

// VisitCompleted is the payload of visit.completed
type VisitCompleted struct {
	PatientID   string    `json:"patient_id"`
	VisitID     string    `json:"visit_id"`
	CompletedAt time.Time `json:"completed_at"`
}

func (e VisitCompleted) validate() error {
	var missing []string
	if strings.TrimSpace(e.PatientID) == "" {
		missing = append(missing, "patient_id")
	}
	if strings.TrimSpace(e.VisitID) == "" {
		missing = append(missing, "visit_id")
	}
	if e.CompletedAt.IsZero() {
		missing = append(missing, "completed_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// SignalsDetected is published to medication.safety-signals
type SignalsDetected struct {
	EventID           string                `json:"event_id"`
	PatientID         string                `json:"patient_id"`
	VisitID           string                `json:"visit_id"`
	DetectedAt        time.Time             `json:"detected_at"`
	ActiveMedications []string              `json:"active_medications"`
	Warnings          []regimen.Warning     `json:"warnings"`
	Interactions      []regimen.Interaction `json:"interactions"`
}

// Analyzer computes a patient's active set and its safety report
type Analyzer interface {
	SafetyReport(ctx context.Context, patientID string) ([]regimen.EvaluatedPrescription, regimen.SafetyReport, error)
}

// Inbox deduplicates event handling
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// OutboxWriter stores events for the relay
type OutboxWriter interface {
	Append(ctx context.Context, entry *postgres.OutboxEntry) error
}

// Publisher sends dead letters
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds monitor configuration
type Config struct {
	HandlerName string
	Pool        workerpool.Config
}

// DefaultConfig returns defaults for the safety worker
func DefaultConfig() Config {
	return Config{
		HandlerName: "safety-monitor",
		Pool:        workerpool.DefaultConfig(),
	}
}

// Monitor handles visit.completed events
type Monitor struct {
	config   Config
	analyzer Analyzer
	inbox    Inbox
	outbox   OutboxWriter
	dlq      Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	pool     *workerpool.Pool

	now   func() time.Time
	newID func() string
}

// NewMonitor creates a monitor. Call Start before handling messages.
func NewMonitor(cfg Config, analyzer Analyzer, inbox Inbox, outbox OutboxWriter, dlq Publisher, m *metrics.Metrics, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.HandlerName == "" {
		cfg.HandlerName = DefaultConfig().HandlerName
	}

	mon := &Monitor{
		config:   cfg,
		analyzer: analyzer,
		inbox:    inbox,
		outbox:   outbox,
		dlq:      dlq,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("safety-monitor"),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}

	pool, err := workerpool.New(cfg.Pool, mon.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	mon.pool = pool
	return mon, nil
}

// Start launches the workers
func (m *Monitor) Start() { m.pool.Start() }

// Stop drains in-flight events
func (m *Monitor) Stop() error { return m.pool.Stop() }

// HandleMessage is the redpanda.MessageHandler for visit.completed. It returns
// an error only when the record must not be committed.
func (m *Monitor) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var evt VisitCompleted
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return m.deadLetter(ctx, msg, ResultInvalid, err)
	}
	if err := evt.validate(); err != nil {
		return m.deadLetter(ctx, msg, ResultInvalid, err)
	}

	res, err := m.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      evt.PatientID + "/" + evt.VisitID,
		Payload: evt,
	})
	if err != nil {
		return fmt.Errorf("submit safety check: %w", err)
	}
	if !res.Success {
		return m.deadLetter(ctx, msg, ResultFailed, res.Error)
	}

	result, _ := res.Data.(string)
	m.metrics.SafetyEvents.WithLabelValues(result).Inc()
	return nil
}

func (m *Monitor) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	evt, ok := task.Payload.(VisitCompleted)
	if !ok {
		return &workerpool.Result{Success: true, Data: ResultInvalid}
	}
	result, err := m.Check(ctx, evt)
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: result}
}

// Check runs the safety analysis for evt at most once and returns the result
// label. Only retryable failures are returned as errors.
func (m *Monitor) Check(ctx context.Context, evt VisitCompleted) (string, error) {
	ctx, span := m.tracer.Start(ctx, "safety.check",
		trace.WithAttributes(
			attribute.String("patient_id", evt.PatientID),
			attribute.String("visit_id", evt.VisitID),
		))
	defer span.End()

	payload, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	key := idempotency.GenerateKey(evt.PatientID, evt.VisitID, evt.CompletedAt)

	res, err := m.inbox.Process(ctx, key, m.config.HandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return m.analyze(ctx, evt)
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		return ResultDuplicate, nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsPermanent(err):
		m.logger.Info("safety check skipped",
			zap.String("patient_id", evt.PatientID),
			zap.String("visit_id", evt.VisitID),
			zap.Error(err))
		return ResultSkipped, nil
	case err != nil:
		span.RecordError(err)
		return "", err
	}

	if !res.IsNew && !res.WasRecovered {
		return ResultDuplicate, nil
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(res.Result, &out); err != nil || out.Result == "" {
		return ResultClean, nil
	}
	span.SetAttributes(attribute.String("result", out.Result))
	return out.Result, nil
}

func (m *Monitor) analyze(ctx context.Context, evt VisitCompleted) (json.RawMessage, error) {
	active, report, err := m.analyzer.SafetyReport(ctx, evt.PatientID)
	if errors.Is(err, visit.ErrPatientNotFound) {
		return nil, idempotency.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if len(report.Warnings) == 0 && len(report.Interactions) == 0 {
		return json.Marshal(map[string]string{"result": ResultClean})
	}

	signal := SignalsDetected{
		EventID:           m.newID(),
		PatientID:         evt.PatientID,
		VisitID:           evt.VisitID,
		DetectedAt:        m.now().UTC(),
		ActiveMedications: make([]string, 0, len(active)),
		Warnings:          report.Warnings,
		Interactions:      report.Interactions,
	}
	for _, med := range active {
		signal.ActiveMedications = append(signal.ActiveMedications, med.MedicationName)
	}
	body, err := json.Marshal(signal)
	if err != nil {
		return nil, idempotency.Permanent(err)
	}

	entry := &postgres.OutboxEntry{
		AggregateID:   evt.PatientID,
		AggregateType: "patient",
		EventType:     EventSignalsDetected,
		Payload:       body,
		KafkaTopic:    redpanda.TopicSafetySignals,
		KafkaKey:      evt.PatientID,
	}
	if err := m.outbox.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append outbox: %w", err)
	}

	m.logger.Info("safety signals detected",
		zap.String("patient_id", evt.PatientID),
		zap.String("visit_id", evt.VisitID),
		zap.Int("warnings", len(report.Warnings)))

	return json.Marshal(map[string]string{"result": ResultEmitted, "event_id": signal.EventID})
}

// deadLetter parks an unprocessable record and lets it be committed
func (m *Monitor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, result string, cause error) error {
	m.metrics.SafetyEvents.WithLabelValues(result).Inc()

	body, err := json.Marshal(map[string]interface{}{
		"original_topic": msg.Topic,
		"partition":      msg.Partition,
		"offset":         msg.Offset,
		"reason":         result,
		"error":          errString(cause),
		"payload":        string(msg.Value),
		"failed_at":      m.now().UTC(),
	})
	if err != nil {
		return err
	}

	m.logger.Warn("visit event dead-lettered",
		zap.String("reason", result),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if err := m.dlq.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
