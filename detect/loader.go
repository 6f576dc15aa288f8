package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/storage"
	"sentinel/util/goroutine"
)

// Loader keeps an in-memory snapshot of the enabled rules, refreshed by
// polling the rule store. Consumers read the snapshot lock-free; a rule
// edit becomes visible within one poll interval.
type Loader struct {
	store    storage.RuleStore
	interval time.Duration
	logger   *zap.SugaredLogger

	snapshot atomic.Value // []*core.DetectionRule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoader creates a loader; call Reload once before Start to fail fast on
// an unreachable store
func NewLoader(store storage.RuleStore, interval time.Duration, logger *zap.SugaredLogger) *Loader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := &Loader{store: store, interval: interval, logger: logger}
	l.snapshot.Store([]*core.DetectionRule{})
	return l
}

// Rules returns the current snapshot; callers must not mutate it
func (l *Loader) Rules() []*core.DetectionRule {
	return l.snapshot.Load().([]*core.DetectionRule)
}

// Reload fetches the enabled rules now. Invalid rules are skipped with a
// warning rather than failing the whole reload, so one bad definition
// cannot blind the engine.
func (l *Loader) Reload(ctx context.Context) error {
	rules, err := l.store.LoadEnabled(ctx)
	if err != nil {
		return err
	}

	valid := make([]*core.DetectionRule, 0, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			l.logger.Warnw("Skipping invalid rule", "rule_id", rule.ID, "error", err)
			continue
		}
		valid = append(valid, rule)
	}

	l.snapshot.Store(valid)
	l.logger.Debugw("Rules reloaded", "enabled", len(valid), "skipped", len(rules)-len(valid))
	return nil
}

// Start launches the polling loop
func (l *Loader) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer goroutine.Recover("rule-loader", l.logger)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Reload(runCtx); err != nil {
					l.logger.Warnw("Rule reload failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the polling loop
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}
