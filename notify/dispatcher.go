package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sentinel/core"
	"sentinel/eventlog"
	"sentinel/metrics"
	"sentinel/storage"
	"sentinel/util/goroutine"
)

// DispatcherConfig tunes the notification dispatcher
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RatePerSecond paces deliveries per channel; Burst allows short spikes
	RatePerSecond float64
	Burst         int
}

// DefaultDispatcherConfig returns the production defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       4,
		QueueSize:     1024,
		MaxAttempts:   3,
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    2 * time.Minute,
		RatePerSecond: 10,
		Burst:         20,
	}
}

// Dispatcher fans escalation steps out to channel deliveries. Urgent
// messages (critical and high alerts) jump the queue; each channel has its
// own rate limiter and circuit breaker; a message that exhausts its
// attempts dead-letters onto the channel's notification DLQ stream for
// later replay.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	breakers map[string]*core.CircuitBreaker
	store    storage.NotificationStore
	log      eventlog.Log
	logger   *zap.SugaredLogger

	urgent chan *core.NotificationMessage
	normal chan *core.NotificationMessage

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher creates a dispatcher over the given channels
func NewDispatcher(cfg DispatcherConfig, channels []Channel, store storage.NotificationStore, log eventlog.Log, logger *zap.SugaredLogger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond) * 2
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[string]Channel, len(channels)),
		limiters: make(map[string]*rate.Limiter, len(channels)),
		breakers: make(map[string]*core.CircuitBreaker, len(channels)),
		store:    store,
		log:      log,
		logger:   logger,
		urgent:   make(chan *core.NotificationMessage, cfg.QueueSize),
		normal:   make(chan *core.NotificationMessage, cfg.QueueSize),
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
		d.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		d.breakers[ch.Name()] = core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig())
	}
	return d
}

// Start launches the delivery workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for w := 0; w < d.cfg.Workers; w++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.logger.Infow("Notification dispatcher started",
		"workers", d.cfg.Workers, "channels", len(d.channels))
}

// Stop cancels the workers and waits for them
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Infow("Notification dispatcher stopped")
}

// NotifyAlert renders and enqueues one message per channel and recipient of
// the escalation step. Implements the escalation scanner's Notifier.
func (d *Dispatcher) NotifyAlert(ctx context.Context, alert *core.AlertInstance, step core.EscalationStep) error {
	body := renderBody(alert)
	now := time.Now().UTC()

	for _, channelName := range step.Channels {
		if _, known := d.channels[channelName]; !known {
			d.logger.Warnw("Escalation step references unknown channel",
				"channel", channelName, "alert_id", alert.AlertID)
			continue
		}
		for _, recipient := range step.Recipients {
			msg := &core.NotificationMessage{
				MessageID:    uuid.New().String(),
				AlertID:      alert.AlertID,
				Channel:      channelName,
				Recipient:    recipient,
				Priority:     alert.Severity,
				RenderedBody: body,
				MaxAttempts:  d.cfg.MaxAttempts,
				Status:       core.NotificationPending,
				CreatedAt:    now,
			}
			if err := d.store.InsertNotification(ctx, msg); err != nil {
				return err
			}
			d.enqueue(ctx, msg)
		}
	}
	return nil
}

// enqueue routes the message to its priority lane. A full lane falls back
// to a blocking send so bursts degrade to backpressure, not message loss.
func (d *Dispatcher) enqueue(ctx context.Context, msg *core.NotificationMessage) {
	lane := d.normal
	if msg.Priority.Rank() >= core.SeverityHigh.Rank() {
		lane = d.urgent
	}
	select {
	case lane <- msg:
	default:
		select {
		case lane <- msg:
		case <-ctx.Done():
		}
	}
}

// worker drains the urgent lane before touching the normal lane
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	defer goroutine.Recover("notify-worker", d.logger)

	for {
		select {
		case msg := <-d.urgent:
			d.deliver(ctx, msg)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case msg := <-d.urgent:
			d.deliver(ctx, msg)
		case msg := <-d.normal:
			d.deliver(ctx, msg)
		}
	}
}

// deliver attempts one send, then routes the outcome: success, scheduled
// retry, or dead-letter
func (d *Dispatcher) deliver(ctx context.Context, msg *core.NotificationMessage) {
	channel := d.channels[msg.Channel]
	breaker := d.breakers[msg.Channel]

	if err := breaker.Allow(); err != nil {
		// breaker open: park the message without burning an attempt
		d.logger.Debugw("Channel circuit open, deferring",
			"channel", msg.Channel, "message_id", msg.MessageID, "reason", err)
		d.scheduleRetry(ctx, msg, d.cfg.BaseBackoff)
		return
	}

	if err := d.limiters[msg.Channel].Wait(ctx); err != nil {
		return // shutting down
	}

	msg.Attempt++
	err := channel.Send(ctx, msg)
	if err == nil {
		breaker.RecordSuccess()
		msg.Status = core.NotificationDelivered
		msg.LastError = ""
		metrics.NotificationsSent.WithLabelValues(msg.Channel, "delivered").Inc()
		d.updateAudit(ctx, msg)
		return
	}

	breaker.RecordFailure()
	deliveryErr := core.DeliveryError(msg.Channel, err)
	msg.LastError = deliveryErr.Error()

	if msg.Attempt >= msg.MaxAttempts {
		d.deadLetter(ctx, msg)
		return
	}

	backoff := d.backoffFor(msg.Attempt)
	msg.Status = core.NotificationFailed
	msg.NextAttemptAt = time.Now().UTC().Add(backoff)
	metrics.NotificationsSent.WithLabelValues(msg.Channel, "failed").Inc()
	d.updateAudit(ctx, msg)

	d.logger.Warnw("Notification delivery failed, retrying",
		"message_id", msg.MessageID, "channel", msg.Channel,
		"attempt", msg.Attempt, "backoff", backoff, "error", err)
	d.scheduleRetry(ctx, msg, backoff)
}

// scheduleRetry re-enqueues the message after the delay, giving up on
// shutdown
func (d *Dispatcher) scheduleRetry(ctx context.Context, msg *core.NotificationMessage, delay time.Duration) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer goroutine.Recover("notify-retry", d.logger)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			d.enqueue(ctx, msg)
		}
	}()
}

// deadLetter publishes the exhausted message onto the channel's
// notification DLQ stream so an operator can replay it once the channel
// recovers
func (d *Dispatcher) deadLetter(ctx context.Context, msg *core.NotificationMessage) {
	msg.Status = core.NotificationDeadLettered
	stream := NotificationDLQStream(msg.Channel)

	payload, err := json.Marshal(msg)
	if err != nil {
		d.logger.Errorw("Failed to encode dead-lettered notification",
			"message_id", msg.MessageID, "error", err)
	} else if _, _, err := d.log.Publish(ctx, stream, msg.AlertID, payload); err != nil {
		d.logger.Errorw("Failed to dead-letter notification",
			"message_id", msg.MessageID, "stream", stream, "error", err)
	}

	metrics.DLQMessages.WithLabelValues(stream, "delivery_failed").Inc()
	metrics.NotificationsSent.WithLabelValues(msg.Channel, "dead_lettered").Inc()
	d.updateAudit(ctx, msg)

	d.logger.Errorw("Notification dead-lettered",
		"message_id", msg.MessageID, "channel", msg.Channel,
		"attempts", msg.Attempt, "error", msg.LastError)
}

func (d *Dispatcher) updateAudit(ctx context.Context, msg *core.NotificationMessage) {
	if err := d.store.UpdateNotification(ctx, msg); err != nil {
		d.logger.Warnw("Failed to update notification audit row",
			"message_id", msg.MessageID, "error", err)
	}
}

// backoffFor computes exponential backoff with jitter for the given attempt
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
	return backoff + jitter
}

// NotificationDLQStream names the dead-letter stream for a channel
func NotificationDLQStream(channel string) string {
	return "security.notifications." + channel + core.DLQSuffix
}

// renderBody produces the plain-text notification body
func renderBody(alert *core.AlertInstance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security alert %s (%s)\n", alert.AlertID, strings.ToUpper(string(alert.Severity)))
	fmt.Fprintf(&b, "Rule: %s  Tenant: %s\n", alert.RuleID, alert.TenantID)
	fmt.Fprintf(&b, "Risk score: %d  Occurrences: %d  Escalation level: %d\n",
		alert.RiskScore, alert.OccurrenceCount, alert.EscalationLevel)
	fmt.Fprintf(&b, "First seen: %s  Last seen: %s\n",
		alert.FirstSeenAt.Format(time.RFC3339), alert.LastSeenAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Related events: %d", len(alert.RelatedEventIDs))
	return b.String()
}
