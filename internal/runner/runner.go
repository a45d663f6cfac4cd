// Package runner drives the periodic heartbeat cycle: gather from every
// enabled tool in parallel, hand the aggregate report to the analysis step,
// and route the verdict to the configured delivery sink.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigild/vigild/internal/analysis"
	"github.com/vigild/vigild/internal/channels"
	"github.com/vigild/vigild/internal/checklist"
	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/delivery"
	"github.com/vigild/vigild/internal/history"
	"github.com/vigild/vigild/internal/metrics"
	"github.com/vigild/vigild/internal/registry"
	"github.com/vigild/vigild/internal/tool"
)

// ErrCycleInProgress is returned by RunOnce when another cycle is still
// executing. The trigger is skipped, never queued.
var ErrCycleInProgress = errors.New("a heartbeat cycle is already running")

// State is the runner's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

const (
	skipOutsideActiveHours = "outside active hours"
	skipEmptyChecklist     = "empty checklist"
)

// Runner owns the timer loop. It borrows the registry's enabled view each
// cycle and never owns tool instances.
type Runner struct {
	cfg       *config.Config
	reg       *registry.Registry
	loader    checklist.Loader
	analyzer  analysis.Analyzer
	deliverer delivery.Deliverer
	memory    delivery.Deliverer // secondary save-to-memory sink, may be nil
	events    *channels.EventChannels
	hist      *history.Store   // optional
	met       *metrics.Metrics // optional
	logger    *slog.Logger

	// now is a seam for tests; production uses time.Now.
	now func() time.Time

	mu      sync.Mutex
	state   State
	running bool
	timer   *time.Timer
	nextRun time.Time
	last    *channels.CycleEvent
	baseCtx context.Context
}

// Deps carries the runner's constructor dependencies.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Loader    checklist.Loader
	Analyzer  analysis.Analyzer
	Deliverer delivery.Deliverer
	Memory    delivery.Deliverer
	Events    *channels.EventChannels
	History   *history.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates an idle runner.
func New(d Deps) *Runner {
	return &Runner{
		cfg:       d.Config,
		reg:       d.Registry,
		loader:    d.Loader,
		analyzer:  d.Analyzer,
		deliverer: d.Deliverer,
		memory:    d.Memory,
		events:    d.Events,
		hist:      d.History,
		met:       d.Metrics,
		logger:    d.Logger.With("component", "runner"),
		now:       time.Now,
		state:     StateIdle,
	}
}

// Start arms the first cycle. Calling Start when already scheduled or
// running is a no-op; starting twice must not create two timer chains.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateScheduled || r.state == StateRunning {
		r.logger.Debug("start ignored: already active", "state", r.state)
		return
	}

	r.baseCtx = ctx
	r.state = StateScheduled
	r.armLocked(r.cfg.Heartbeat.GetInterval())
	r.logger.Info("heartbeat started",
		"interval", r.cfg.Heartbeat.GetInterval(),
		"active_hours_start", r.cfg.Heartbeat.ActiveHours.Start,
		"active_hours_end", r.cfg.Heartbeat.ActiveHours.End,
		"timezone", r.cfg.Heartbeat.ActiveHours.Timezone,
	)
}

// Stop cancels the armed timer. An in-flight cycle is allowed to finish
// naturally; no further cycle is scheduled after it.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = StateStopped
	r.logger.Info("heartbeat stopped")
}

// RunOnce executes exactly one cycle on the caller's goroutine, reusing the
// identical algorithm as the timer-driven path. It still honors the
// re-entrancy guard against a concurrently triggered cycle.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.beginCycle() {
		return ErrCycleInProgress
	}
	defer r.endCycle()

	r.cycle(ctx)
	return nil
}

// Status is a point-in-time view for the ops API.
type Status struct {
	State     State                `json:"state"`
	NextRunAt time.Time            `json:"next_run_at"`
	LastCycle *channels.CycleEvent `json:"last_cycle,omitempty"`
}

// Snapshot reports the runner's current state.
func (r *Runner) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state, NextRunAt: r.nextRun, LastCycle: r.last}
}

// armLocked schedules the next one-shot timer. Re-arming after each
// completion, instead of a fixed-period ticker, guarantees cycles never
// overlap: the interval is measured from work finished, not work started.
func (r *Runner) armLocked(delay time.Duration) {
	r.nextRun = r.now().Add(delay)
	r.timer = time.AfterFunc(delay, r.timerFired)
}

func (r *Runner) timerFired() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	ctx := r.baseCtx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	// Defensive: self-rescheduling should make overlap impossible, but a
	// manual RunOnce may be mid-flight. Skip this trigger and keep the
	// chain alive.
	if r.beginCycle() {
		r.cycle(ctx)
		r.endCycle()
	} else {
		r.logger.Warn("timer trigger skipped: cycle already running")
	}

	r.mu.Lock()
	if r.state != StateStopped {
		r.state = StateScheduled
		r.armLocked(r.cfg.Heartbeat.GetInterval())
	}
	r.mu.Unlock()
}

// beginCycle is the re-entrancy guard: it claims the single running slot or
// reports that a cycle is already executing.
func (r *Runner) beginCycle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	if r.state != StateStopped {
		r.state = StateRunning
	}
	return true
}

func (r *Runner) endCycle() {
	r.mu.Lock()
	if r.running {
		r.running = false
		if r.state == StateRunning {
			r.state = StateScheduled
		}
	}
	r.mu.Unlock()
}

// cycle executes one gather-analyze-deliver attempt and publishes exactly
// one event for it. A failure anywhere becomes an error event; it never
// stops future cycles.
func (r *Runner) cycle(ctx context.Context) {
	cycleID := uuid.New()
	start := r.now()

	ev := func() (ev channels.CycleEvent) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("cycle panicked", "cycle_id", cycleID, "panic", rec)
				ev = channels.CycleEvent{
					Kind:    channels.EventError,
					CycleID: cycleID,
					Message: fmt.Sprintf("cycle panicked: %v", rec),
				}
			}
		}()
		return r.doCycle(ctx, cycleID)
	}()

	ev.CycleID = cycleID
	ev.Duration = r.now().Sub(start)
	ev.Timestamp = start

	r.mu.Lock()
	r.last = &ev
	r.mu.Unlock()

	r.events.PublishCycle(ev)

	if r.met != nil {
		r.met.CyclesTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	if r.hist != nil {
		r.hist.Submit(history.Record{
			CycleID:     ev.CycleID,
			Outcome:     string(ev.Kind),
			Message:     ev.Message,
			Reason:      ev.Reason,
			ToolsTotal:  ev.Tools,
			ToolsFailed: ev.ToolsFailed,
			DurationMs:  ev.Duration.Milliseconds(),
			CreatedAt:   start,
		})
	}
}

func (r *Runner) doCycle(ctx context.Context, cycleID uuid.UUID) channels.CycleEvent {
	logger := r.logger.With("cycle_id", cycleID)

	inWindow, err := r.cfg.Heartbeat.ActiveHours.Contains(r.now())
	if err != nil {
		return errorEvent(fmt.Errorf("active hours check failed: %w", err))
	}
	if !inWindow {
		logger.Debug("cycle skipped", "reason", skipOutsideActiveHours)
		return channels.CycleEvent{Kind: channels.EventSkipped, Reason: skipOutsideActiveHours}
	}

	text, err := r.loader.Load()
	if err != nil {
		return errorEvent(fmt.Errorf("checklist load failed: %w", err))
	}
	if checklist.IsEmpty(text) {
		logger.Debug("cycle skipped", "reason", skipEmptyChecklist)
		return channels.CycleEvent{Kind: channels.EventSkipped, Reason: skipEmptyChecklist}
	}

	tools := r.reg.ListEnabled(registry.Filter{
		EnabledTools:  r.cfg.Heartbeat.EnabledTools,
		DisabledTools: r.cfg.Heartbeat.DisabledTools,
	})

	results := r.gatherAll(ctx, tools, text, cycleID)

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	logger.Info("gather phase complete", "tools", len(results), "failed", failed)

	// All-failed reports still go to analysis: absence of data is itself
	// information the user should see, not a hidden failure.
	verdict, err := r.analyzer.Analyze(ctx, analysis.Request{Checklist: text, Results: results})
	if err != nil {
		return errorEvent(fmt.Errorf("analysis failed: %w", err))
	}

	base := channels.CycleEvent{Tools: len(results), ToolsFailed: failed}

	if verdict.OK {
		base.Kind = channels.EventOK
		return base
	}

	if err := r.deliver(ctx, verdict.Message); err != nil {
		if r.met != nil {
			r.met.DeliveryErrors.Inc()
		}
		base.Kind = channels.EventError
		base.Message = fmt.Sprintf("delivery failed: %v (alert was: %s)", err, verdict.Message)
		return base
	}

	base.Kind = channels.EventAlert
	base.Message = verdict.Message
	return base
}

// gatherAll dispatches every tool concurrently and waits for all to settle.
// One tool's failure, panic or slowness never prevents the others' results
// from being collected, and the result order always follows registration
// order regardless of completion order.
func (r *Runner) gatherAll(ctx context.Context, tools []tool.Tool, text string, cycleID uuid.UUID) []tool.GatherResult {
	gctx := ctx
	if timeout := r.cfg.Heartbeat.GetGatherTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	gc := tool.GatherContext{
		CycleID:   cycleID.String(),
		Checklist: text,
		Started:   r.now(),
	}

	results := make([]tool.GatherResult, len(tools))

	var wg sync.WaitGroup
	for i, t := range tools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("tool gather panicked", "tool", t.ID(), "panic", rec)
					res := tool.Fail(t.ID(), fmt.Errorf("gather panicked: %v", rec))
					res.DurationMs = time.Since(start).Milliseconds()
					results[i] = res
				}
			}()
			results[i] = t.Gather(gctx, gc)
		}()
	}
	wg.Wait()

	if r.met != nil {
		for _, res := range results {
			r.met.GatherDuration.WithLabelValues(res.ToolID).
				Observe(float64(res.DurationMs) / 1000)
			if !res.Success {
				r.met.GatherFailures.WithLabelValues(res.ToolID).Inc()
			}
		}
	}

	return results
}

// deliver dispatches the alert to the primary sink and, when configured,
// additionally persists it to memory regardless of the primary target.
func (r *Runner) deliver(ctx context.Context, message string) error {
	if err := r.deliverer.Deliver(ctx, message); err != nil {
		return err
	}
	if r.cfg.Delivery.SaveToMemory && r.memory != nil {
		if err := r.memory.Deliver(ctx, message); err != nil {
			// The primary delivery landed; a memory failure is logged
			// rather than escalated.
			r.logger.Error("save-to-memory failed", "error", err)
		}
	}
	return nil
}

func errorEvent(err error) channels.CycleEvent {
	return channels.CycleEvent{Kind: channels.EventError, Message: err.Error()}
}
