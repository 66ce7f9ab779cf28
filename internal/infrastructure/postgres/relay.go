package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries claimed per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before dead-lettering
	MaxRetries int
	// LeaseTimeout is how long a claimed entry stays invisible to other relays
	LeaseTimeout time.Duration
	// Retention is how long processed entries are kept
	Retention       time.Duration
	DeadLetterTopic string
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		LeaseTimeout:    30 * time.Second,
		Retention:       7 * 24 * time.Hour,
		DeadLetterTopic: "dead.letter",
	}
}

// Publisher publishes outbox entries to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Gauge receives the pending entry count
type Gauge interface {
	Set(float64)
}

// Relay polls the outbox and publishes entries
type Relay struct {
	store     EntryStore
	publisher Publisher
	config    RelayConfig
	pending   Gauge
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. pending may be nil.
func NewRelay(store EntryStore, publisher Publisher, cfg RelayConfig, pending Gauge, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		store:     store,
		publisher: publisher,
		config:    cfg,
		pending:   pending,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := r.Cleanup(r.ctx); err != nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch, dead-letters exhausted entries and refreshes
// the pending gauge. It returns the number of entries published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	entries, err := r.store.ClaimPending(ctx, r.config.MaxRetries, r.config.BatchSize, r.config.LeaseTimeout)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("fetch outbox entries: %w", err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if _, err := r.MoveToDeadLetter(ctx); err != nil {
		r.logger.Error("dead letter pass failed", zap.Error(err))
	}

	if r.pending != nil {
		if n, err := r.store.CountPending(ctx, r.config.MaxRetries); err == nil {
			r.pending.Set(float64(n))
		}
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if markErr := r.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to update retry count", zap.Error(markErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	r.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	entries, err := r.store.ClaimExhausted(ctx, r.config.MaxRetries, r.config.BatchSize, r.config.LeaseTimeout)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		payload, err := json.Marshal(map[string]interface{}{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			r.logger.Error("failed to encode dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}

		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, entry.KafkaKey, payload); err != nil {
			r.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if err := r.store.MarkProcessed(ctx, entry.ID); err != nil {
			r.logger.Error("failed to mark DLQ entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Cleanup removes processed entries older than the retention period
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	return r.store.DeleteProcessed(ctx, r.now().Add(-r.config.Retention))
}
