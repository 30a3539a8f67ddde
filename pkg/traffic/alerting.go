package traffic

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

var _ (Notification) = (*Alert)(nil)
var _ (Notification) = (*NominalStatus)(nil)
var _ (Notification) = (*NilStatus)(nil)

// Notification of AlertDetector state back to caller.
type Notification interface {
	String() string
}

// Alert caller to request limit breach.
type Alert struct {
	hits int
	ts   time.Time
}

// Alert formats state of alert to caller.
func (a Alert) String() string {
	return fmt.Sprintf("High traffic generated an alert - hits = %d, triggered at %v", a.hits, a.ts.Format(time.RFC3339))
}

// Hits is the request count over the alert span when the alert fired.
func (a Alert) Hits() int {
	return a.hits
}

// NominalStatus returned to caller.
type NominalStatus struct {
	ts time.Time
}

// String formats state information to watcher.
func (s NominalStatus) String() string {
	return fmt.Sprintf("Traffic within nominal parameters - time: %v", s.ts.Format(time.RFC3339))
}

// NilStatus informs caller that AlertDetector state has exited operation.
type NilStatus struct{}

func (e NilStatus) String() string {
	return fmt.Sprintf("state execution has ended: %v", time.Now().Format(time.RFC3339))
}

// StateFunc provides clean transitions between
// code execution paths.
type StateFunc func(*AlertDetector) StateFunc

// AlertConfig tunes an AlertDetector.
type AlertConfig struct {
	// Threshold is the request count over Span that raises an alert.
	Threshold int
	// Span is the trailing window the count is taken over.
	Span time.Duration
	// CheckInterval is how often the window is tested.
	CheckInterval time.Duration
	// FlushInterval is how often buffered increments reach the Monitor.
	FlushInterval time.Duration
}

// DefaultAlertConfig matches a 100 requests per 2 minute budget.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		Threshold:     100,
		Span:          2 * time.Minute,
		CheckInterval: 2 * time.Second,
		FlushInterval: 2 * time.Second,
	}
}

// AlertDetector provides notification when traffic
// breaks nominal throughput limits.
type AlertDetector struct {
	ctx        context.Context
	monitor    *Monitor
	upperLimit int
	testSpan   time.Duration
	testTicker *time.Ticker
	notify     chan Notification

	localInc *uint64
	flush    *time.Ticker

	stateMux    sync.RWMutex
	activeState StateFunc
}

// NewAlertDetector initializes alerting of events when the request count
// over cfg.Span breaks cfg.Threshold. Transitions are sent on notification
// until ctx is done.
func NewAlertDetector(ctx context.Context, cfg AlertConfig, notification chan Notification) *AlertDetector {
	cfg = cfg.withDefaults()
	return newAlertDetector(ctx, cfg, notification, Nominal, NewMonitor(cfg.Span+time.Minute))
}

func (c AlertConfig) withDefaults() AlertConfig {
	def := DefaultAlertConfig()
	if c.Span <= 0 {
		c.Span = def.Span
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	return c
}

func newAlertDetector(ctx context.Context, cfg AlertConfig, notification chan Notification, initial StateFunc, m *Monitor) *AlertDetector {
	cfg = cfg.withDefaults()
	zero := uint64(0)

	ad := &AlertDetector{
		ctx:        ctx,
		upperLimit: cfg.Threshold,
		testSpan:   cfg.Span,
		testTicker: time.NewTicker(cfg.CheckInterval),
		monitor:    m,
		localInc:   &zero,
		flush:      time.NewTicker(cfg.FlushInterval),

		notify:      notification,
		activeState: initial,
	}
	go ad.flushIncrements()
	go ad.runState()
	return ad
}

// Increment is a public method to aggregate http req counts into
// concurrency safe variable before being flushed.
func (a *AlertDetector) Increment(inc int, now time.Time) {
	atomic.AddUint64(a.localInc, uint64(inc))
}

// GetState informs caller of AlertDetector's current state.
func (a *AlertDetector) GetState() Notification {
	a.stateMux.RLock()
	state := a.activeState
	a.stateMux.RUnlock()

	switch reflect.ValueOf(state).Pointer() {
	case reflect.ValueOf(Nominal).Pointer():
		return NominalStatus{ts: time.Now()}
	case reflect.ValueOf(Alerted).Pointer():
		v := a.monitor.RecentSum(a.testSpan)
		return Alert{ts: time.Now(), hits: v}
	default:
		return NilStatus{}
	}
}

// SpanCount reports the flushed request count over the trailing delta.
func (a *AlertDetector) SpanCount(delta time.Duration) int {
	return a.monitor.RecentSum(delta)
}

func (a *AlertDetector) flushIncrements() {
	defer a.flush.Stop()
	for {
		select {
		case <-a.ctx.Done():
			// Context closed, exit incrementing
			return
		case now := <-a.flush.C:
			// Extract the current value, and zero the localInc variable.
			inc := atomic.SwapUint64(a.localInc, uint64(0))
			if inc > 0 {
				a.monitor.Increment(int(inc), now)
			}
		}
	}
}

// runState operates the alert state transition logic.
func (a *AlertDetector) runState() {
	defer a.testTicker.Stop()
	state := a.activeState
	for state != nil {
		state = state(a)
		a.stateMux.Lock()
		a.activeState = state
		a.stateMux.Unlock()
	}
}

func (a *AlertDetector) send(n Notification) bool {
	select {
	case <-a.ctx.Done():
		return false
	case a.notify <- n:
		return true
	}
}

// Nominal state tests the monitor time span's request count
// against the upperLimit alerting threshold.
// iff threshold is broken, switch to Alerting state and notify
// output.
func Nominal(a *AlertDetector) StateFunc {
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case now := <-a.testTicker.C:
			v := a.monitor.RecentSum(a.testSpan)
			if v > a.upperLimit { // Alerting threshold triggered
				if !a.send(Alert{ts: now, hits: v}) {
					return nil
				}
				return Alerted
			}
		}
	}
}

// Alerted state holds while the number of requests still exceeds
// the allowed upperLimit.
// iff monitored timespan request count drops below the upperLimit
// the state returns to Nominal and notifies output.
func Alerted(a *AlertDetector) StateFunc {
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case now := <-a.testTicker.C:
			v := a.monitor.RecentSum(a.testSpan)
			if v < a.upperLimit {
				if !a.send(NominalStatus{ts: now}) {
					return nil
				}
				return Nominal
			}
		}
	}
}
