package bootstrap

import (
	"context"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/dedup"
	"sentinel/detect"
	"sentinel/eventlog"
	"sentinel/metrics"
	"sentinel/notify"
	"sentinel/route"
)

// Pipeline ties ingestion to detection: raw payloads come in, validated
// events fan out to streams, the detection consumer turns them into alerts
// and first-step notifications.
type Pipeline struct {
	log        eventlog.Log
	router     *route.Router
	engine     *detect.Engine
	dedup      *dedup.Deduplicator
	dispatcher *notify.Dispatcher
	logger     *zap.SugaredLogger
}

// NewPipeline creates the pipeline
func NewPipeline(log eventlog.Log, router *route.Router, engine *detect.Engine, dedup *dedup.Deduplicator, dispatcher *notify.Dispatcher, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		log:        log,
		router:     router,
		engine:     engine,
		dedup:      dedup,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Ingest validates one raw event document and publishes it to every stream
// the router selects. A schema violation lands the raw payload on the
// events DLQ and returns the malformed error to the producer.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte, source string) (*core.SecurityEvent, error) {
	event, err := core.DecodeEvent(raw)
	if err != nil {
		metrics.MalformedEvents.WithLabelValues(source).Inc()
		dlq := eventlog.DLQName(core.StreamEvents)
		if _, _, dlqErr := p.log.Publish(ctx, dlq, source, raw); dlqErr != nil {
			p.logger.Errorw("Failed to dead-letter malformed event",
				"source", source, "error", dlqErr)
		}
		metrics.DLQMessages.WithLabelValues(dlq, "malformed").Inc()
		return nil, err
	}
	if event.Source == "" {
		event.Source = source
	}

	payload, err := core.MarshalEventBinary(event)
	if err != nil {
		return nil, err
	}

	// Publish already counts sentinel_events_published_total per stream
	for _, stream := range p.router.Route(event) {
		if _, _, err := p.log.Publish(ctx, stream, partitionKey(event), payload); err != nil {
			return nil, core.TransientIOError("publish event", err)
		}
	}
	return event, nil
}

// DetectHandler is the consumer handler for the events stream: decode,
// evaluate, merge, notify on creation
func (p *Pipeline) DetectHandler(ctx context.Context, rec eventlog.Record) error {
	event, err := core.UnmarshalEventBinary(rec.Payload)
	if err != nil {
		// the codec wraps this as a malformed error, so the pool dead-letters it
		return err
	}

	candidates, err := p.engine.HandleEvent(ctx, event)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		alert, created, err := p.dedup.Merge(ctx, candidate)
		if err != nil {
			return err
		}
		if !created || p.dispatcher == nil {
			continue
		}

		// first notification goes out at creation with the first policy step
		if step, ok := p.dedup.PolicyFor(candidate.Rule).Step(0); ok {
			if err := p.dispatcher.NotifyAlert(ctx, alert, step); err != nil {
				p.logger.Warnw("Initial notification failed",
					"alert_id", alert.AlertID, "error", err)
			}
		}
	}
	return nil
}

// partitionKey keeps each tenant's asset traffic on one partition so window
// updates for a group arrive in order
func partitionKey(event *core.SecurityEvent) string {
	if event.AssetID != "" {
		return event.TenantID + "|" + event.AssetID
	}
	return event.TenantID
}
