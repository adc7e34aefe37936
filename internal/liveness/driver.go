// Package liveness keeps the engine moving. A throttled trigger reacts to
// frame lifecycle events and explicit notifications; a polling loop with idle
// backoff guarantees eventual progress when triggers are lost or suppressed.
// Both call the same idempotent engine entrypoints.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/otel"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/shared"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultTriggerMinSpacing = time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultIdleChecks        = 5
	DefaultBackoff           = 30 * time.Second
	DefaultMaxBurst          = 100

	// maxQueuedCreated bounds the frame ids held for the next trigger.
	// Overflow is left to polling.
	maxQueuedCreated = 256
)

// Dispatcher is the engine surface liveness drives.
type Dispatcher interface {
	DispatchNext(ctx context.Context) (engine.Dispatch, error)
	ProcessOne(ctx context.Context, stackRunID string) (engine.Dispatch, error)
}

// WorkCounter reports how many frames are waiting to be dispatched.
type WorkCounter interface {
	CountDispatchable(ctx context.Context) (int, error)
}

type Config struct {
	TriggerMinSpacing time.Duration `yaml:"trigger_min_spacing"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	// IdleChecks is how many empty polls run before the backoff sleep.
	IdleChecks int           `yaml:"idle_checks_before_backoff"`
	Backoff    time.Duration `yaml:"backoff"`
	// MaxBurst bounds the dispatches of one poll that found work.
	MaxBurst int `yaml:"max_burst"`
	// DisableTrigger leaves progress to polling alone.
	DisableTrigger bool `yaml:"disable_trigger"`
}

func (c Config) withDefaults() Config {
	if c.TriggerMinSpacing <= 0 {
		c.TriggerMinSpacing = DefaultTriggerMinSpacing
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleChecks <= 0 {
		c.IdleChecks = DefaultIdleChecks
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBurst <= 0 {
		c.MaxBurst = DefaultMaxBurst
	}
	return c
}

// Stats counts driver activity since start.
type Stats struct {
	Triggers           int64 `json:"triggers"`
	TriggersCoalesced  int64 `json:"triggers_coalesced"`
	TriggersSuppressed int64 `json:"triggers_suppressed"`
	TriggerDispatches  int64 `json:"trigger_dispatches"`
	Polls              int64 `json:"polls"`
	PollDispatches     int64 `json:"poll_dispatches"`
	Backoffs           int64 `json:"backoffs"`
	Errors             int64 `json:"errors"`
}

type Driver struct {
	dispatcher Dispatcher
	counter    WorkCounter
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	cfg        Config

	kick chan struct{}
	wake chan struct{}

	createdMu sync.Mutex
	created   []string

	once sync.Once
	wg   sync.WaitGroup

	triggers          atomic.Int64
	coalesced         atomic.Int64
	suppressed        atomic.Int64
	triggerDispatches atomic.Int64
	polls             atomic.Int64
	pollDispatches    atomic.Int64
	backoffs          atomic.Int64
	errors            atomic.Int64
}

// New builds a driver. eventBus and metrics may be nil.
func New(d Dispatcher, counter WorkCounter, eventBus *bus.Bus, cfg Config, logger *slog.Logger, metrics *otel.Metrics) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		dispatcher: d,
		counter:    counter,
		bus:        eventBus,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		kick:       make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the trigger and polling loops. They stop when ctx ends.
func (d *Driver) Start(ctx context.Context) {
	d.once.Do(func() {
		d.logger.Info("liveness driver starting",
			"trigger_min_spacing", d.cfg.TriggerMinSpacing,
			"poll_interval", d.cfg.PollInterval,
			"backoff", d.cfg.Backoff,
			"trigger_enabled", !d.cfg.DisableTrigger)
		if !d.cfg.DisableTrigger {
			if d.bus != nil {
				sub := d.bus.Subscribe("stackrun.")
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					defer d.bus.Unsubscribe(sub)
					d.watchBus(ctx, sub)
				}()
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.triggerLoop(ctx)
			}()
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pollLoop(ctx)
		}()
	})
}

// Wait blocks until every loop has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Notify asks for a dispatch soon. It never blocks; a request arriving while
// one is already queued is coalesced into it.
func (d *Driver) Notify() {
	d.trigger("")
}

func (d *Driver) Stats() Stats {
	return Stats{
		Triggers:           d.triggers.Load(),
		TriggersCoalesced:  d.coalesced.Load(),
		TriggersSuppressed: d.suppressed.Load(),
		TriggerDispatches:  d.triggerDispatches.Load(),
		Polls:              d.polls.Load(),
		PollDispatches:     d.pollDispatches.Load(),
		Backoffs:           d.backoffs.Load(),
		Errors:             d.errors.Load(),
	}
}

func (d *Driver) trigger(stackRunID string) {
	if d.cfg.DisableTrigger {
		d.suppressed.Add(1)
		return
	}
	d.triggers.Add(1)
	if stackRunID != "" {
		d.createdMu.Lock()
		if len(d.created) < maxQueuedCreated {
			d.created = append(d.created, stackRunID)
		}
		d.createdMu.Unlock()
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	select {
	case d.kick <- struct{}{}:
	default:
		d.coalesced.Add(1)
	}
}

func (d *Driver) watchBus(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.StackRunCreatedEvent:
				d.trigger(p.StackRunID)
			case bus.StackRunStateChangedEvent:
				// A claim never unblocks anything.
				if p.NewStatus != string(persistence.StackRunProcessing) {
					d.trigger("")
				}
			}
		}
	}
}

func (d *Driver) takeCreated() []string {
	d.createdMu.Lock()
	defer d.createdMu.Unlock()
	out := d.created
	d.created = nil
	return out
}

// triggerLoop fires at most once per TriggerMinSpacing. Triggers arriving in
// between are folded into the next firing.
func (d *Driver) triggerLoop(ctx context.Context) {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		}
		if wait := d.cfg.TriggerMinSpacing - time.Since(last); wait > 0 && !last.IsZero() {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		last = time.Now()
		d.fire(ctx)
	}
}

func (d *Driver) fire(ctx context.Context) {
	ctx = shared.EnsureTraceID(ctx)
	created := d.takeCreated()
	for _, id := range created {
		res, err := d.dispatcher.ProcessOne(ctx, id)
		d.record(ctx, "trigger", res, err)
	}
	if len(created) == 0 {
		res, err := d.dispatcher.DispatchNext(ctx)
		d.record(ctx, "trigger", res, err)
	}
}

func (d *Driver) record(ctx context.Context, source string, res engine.Dispatch, err error) {
	if d.metrics != nil {
		d.metrics.LivenessDispatches.Add(ctx, 1, metric.WithAttributes(otel.AttrSource.String(source)))
	}
	if err != nil {
		d.errors.Add(1)
		d.logger.WarnContext(ctx, "liveness dispatch failed", "source", source, "error", err)
		return
	}
	if !res.Processed {
		return
	}
	if source == "trigger" {
		d.triggerDispatches.Add(1)
	} else {
		d.pollDispatches.Add(1)
	}
}

// pollLoop checks for work every PollInterval. After IdleChecks empty checks
// it sleeps Backoff, cut short by any trigger.
func (d *Driver) pollLoop(ctx context.Context) {
	idle := 0
	for {
		interval := d.cfg.PollInterval
		var wake <-chan struct{}
		if idle >= d.cfg.IdleChecks {
			interval = d.cfg.Backoff
			wake = d.wake
			idle = 0
			d.backoffs.Add(1)
			d.logger.Debug("liveness polling backing off", "backoff", interval)
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
			t.Stop()
		case <-t.C:
		}
		if d.poll(ctx) > 0 {
			idle = 0
		} else {
			idle++
		}
	}
}

// poll drains dispatchable work and returns how many frames it processed.
func (d *Driver) poll(ctx context.Context) int {
	d.polls.Add(1)
	ctx = shared.EnsureTraceID(ctx)
	n, err := d.counter.CountDispatchable(ctx)
	if err != nil {
		d.errors.Add(1)
		d.logger.Warn("liveness poll failed", "error", err)
		return 0
	}
	if n == 0 {
		return 0
	}
	processed := 0
	for processed < d.cfg.MaxBurst {
		if ctx.Err() != nil {
			break
		}
		res, err := d.dispatcher.DispatchNext(ctx)
		d.record(ctx, "poll", res, err)
		if err != nil || !res.Processed {
			break
		}
		processed++
	}
	return processed
}
