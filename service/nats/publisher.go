package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chainfund/ledgercore/service/metrics"
)

// Publisher defines the interface for publishing contribution events to NATS.
type Publisher interface {
	// PublishContribution publishes a single contribution event to JetStream.
	// The event is published to the subject "contrib.{chain}".
	PublishContribution(ctx context.Context, event *ContributionEvent) error

	// PublishContributionBatch publishes multiple contribution events.
	// This is more efficient than calling PublishContribution multiple times.
	PublishContributionBatch(ctx context.Context, events []*ContributionEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes contribution events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithMetrics attaches a collector so publish outcomes get recorded.
func (p *JetStreamPublisher) WithMetrics(m *metrics.Metrics) *JetStreamPublisher {
	p.metrics = m
	return p
}

const (
	// StreamName is the name of the JetStream stream for contributions.
	StreamName = "CONTRIBUTIONS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "contrib.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*JetStreamPublisher, error) {
	// Connect to NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("ledgercore-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}

	// Ensure stream exists
	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Try to get existing stream
	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		// Stream exists, log info
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	// Stream doesn't exist, create it
	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Verified contribution events per chain",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	_, err = p.js.CreateStream(ctx, streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishContribution publishes a single contribution event.
func (p *JetStreamPublisher) PublishContribution(ctx context.Context, event *ContributionEvent) error {
	subject := fmt.Sprintf("contrib.%s", event.Chain)

	// Marshal event to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal contribution event: %w", err)
	}

	// Publish to JetStream
	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data)
	p.recordPublish(subject, start, err)
	if err != nil {
		return fmt.Errorf("failed to publish contribution: %w", err)
	}

	p.logger.Debug("published contribution event",
		"subject", subject,
		"tx_hash", event.TxHash,
		"wallet_id", event.WalletID,
	)

	return nil
}

// PublishContributionBatch publishes multiple contribution events efficiently.
func (p *JetStreamPublisher) PublishContributionBatch(ctx context.Context, events []*ContributionEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Publish each event (JetStream handles batching internally)
	for _, event := range events {
		if err := p.PublishContribution(ctx, event); err != nil {
			// Log error but continue with other events
			p.logger.Error("failed to publish contribution in batch",
				"tx_hash", event.TxHash,
				"chain", event.Chain,
				"error", err,
			)
			// Don't fail the entire batch on one error
			continue
		}
	}

	p.logger.Debug("published contribution batch",
		"count", len(events),
	)

	return nil
}

// recordPublish records one publish attempt when a collector is attached.
func (p *JetStreamPublisher) recordPublish(subject string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
