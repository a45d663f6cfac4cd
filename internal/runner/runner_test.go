package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigild/internal/analysis"
	"github.com/vigild/vigild/internal/channels"
	"github.com/vigild/vigild/internal/config"
	"github.com/vigild/vigild/internal/registry"
	"github.com/vigild/vigild/internal/tool"
)

type stubLoader struct {
	text string
	err  error
}

func (l *stubLoader) Load() (string, error) { return l.text, l.err }

type stubAnalyzer struct {
	mu      sync.Mutex
	verdict analysis.Verdict
	err     error
	last    *analysis.Request
	calls   int
}

func (a *stubAnalyzer) Analyze(_ context.Context, req analysis.Request) (analysis.Verdict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.last = &req
	return a.verdict, a.err
}

func (a *stubAnalyzer) lastRequest() *analysis.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type stubDeliverer struct {
	mu       sync.Mutex
	err      error
	messages []string
}

func (d *stubDeliverer) Deliver(_ context.Context, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, message)
	return nil
}

func (d *stubDeliverer) delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}

type fixture struct {
	runner    *Runner
	cfg       *config.Config
	reg       *registry.Registry
	loader    *stubLoader
	analyzer  *stubAnalyzer
	deliverer *stubDeliverer
	events    *channels.EventChannels
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.Default()
	cfg := &config.Config{
		Heartbeat: config.HeartbeatConfig{
			IntervalMinutes: 30,
			ActiveHours: config.ActiveHoursConfig{
				Start: "00:00", End: "00:00", Timezone: "UTC",
			},
		},
	}

	f := &fixture{
		cfg:       cfg,
		reg:       registry.New(logger),
		loader:    &stubLoader{text: "- check slack\n- check drive\n"},
		analyzer:  &stubAnalyzer{verdict: analysis.Verdict{OK: true}},
		deliverer: &stubDeliverer{},
		events:    channels.NewEventChannels(channels.EventChannelsConfig{CycleBufferSize: 16}, logger),
	}

	f.runner = New(Deps{
		Config:    cfg,
		Registry:  f.reg,
		Loader:    f.loader,
		Analyzer:  f.analyzer,
		Deliverer: f.deliverer,
		Events:    f.events,
		Logger:    logger,
	})
	return f
}

func (f *fixture) addTool(t *testing.T, id string, gather func(context.Context, tool.GatherContext) tool.GatherResult) {
	t.Helper()
	require.NoError(t, f.reg.Register(&tool.Func{
		Metadata:   tool.Metadata{ToolID: id, ToolName: id, ToolCategory: "test", DefaultEnabled: true},
		GatherFunc: gather,
	}))
}

func (f *fixture) nextEvent(t *testing.T) channels.CycleEvent {
	t.Helper()
	select {
	case ev := <-f.events.Cycle:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a cycle event")
		return channels.CycleEvent{}
	}
}

func (f *fixture) assertNoMoreEvents(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.events.Cycle:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestRunOnce_RejectsConcurrentCycle(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.addTool(t, "slow", func(ctx context.Context, _ tool.GatherContext) tool.GatherResult {
		close(entered)
		<-release
		return tool.Succeed("slow", nil, nil, "done")
	})

	firstDone := make(chan error, 1)
	go func() { firstDone <- f.runner.RunOnce(context.Background()) }()
	<-entered

	// The second trigger is rejected, never queued.
	assert.ErrorIs(t, f.runner.RunOnce(context.Background()), ErrCycleInProgress)

	close(release)
	require.NoError(t, <-firstDone)

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventOK, ev.Kind)
	f.assertNoMoreEvents(t)
}

func TestCycle_IsolatesToolFailures(t *testing.T) {
	f := newFixture(t)

	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Succeed("slack", []tool.Item{{Kind: "dm", Summary: "2 unread"}}, nil, "2 unread DMs")
	})
	f.addTool(t, "drive", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Fail("drive", errors.New("token expired"))
	})
	f.addTool(t, "mail", func(context.Context, tool.GatherContext) tool.GatherResult {
		panic("imap client exploded")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	req := f.analyzer.lastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Results, 3)

	// Registration order regardless of completion order.
	assert.Equal(t, "slack", req.Results[0].ToolID)
	assert.Equal(t, "drive", req.Results[1].ToolID)
	assert.Equal(t, "mail", req.Results[2].ToolID)

	assert.True(t, req.Results[0].Success)
	assert.False(t, req.Results[1].Success)
	assert.Equal(t, "token expired", req.Results[1].Error)
	assert.False(t, req.Results[2].Success)
	assert.Contains(t, req.Results[2].Error, "panicked")

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventOK, ev.Kind)
	assert.Equal(t, 3, ev.Tools)
	assert.Equal(t, 2, ev.ToolsFailed)
}

func TestCycle_AllToolsFailedStillAnalyzed(t *testing.T) {
	f := newFixture(t)
	f.analyzer.verdict = analysis.Verdict{OK: false, Message: "no tool produced data; both gathers failed"}

	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Fail("slack", errors.New("connection refused"))
	})
	f.addTool(t, "drive", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Fail("drive", errors.New("quota exceeded"))
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	assert.Equal(t, 1, f.analyzer.callCount())
	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventAlert, ev.Kind)
	assert.Equal(t, 2, ev.ToolsFailed)
	assert.Equal(t, []string{"no tool produced data; both gathers failed"}, f.deliverer.delivered())
}

func TestCycle_SkipsOutsideActiveHours(t *testing.T) {
	f := newFixture(t)
	f.cfg.Heartbeat.ActiveHours = config.ActiveHoursConfig{
		Start: "08:00", End: "22:00", Timezone: "UTC",
	}
	f.runner.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	gathered := false
	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		gathered = true
		return tool.Succeed("slack", nil, nil, "")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventSkipped, ev.Kind)
	assert.Equal(t, "outside active hours", ev.Reason)
	assert.False(t, gathered)
	assert.Zero(t, f.analyzer.callCount())
	f.assertNoMoreEvents(t)
}

func TestCycle_ActiveHoursWrapPastMidnight(t *testing.T) {
	f := newFixture(t)
	f.cfg.Heartbeat.ActiveHours = config.ActiveHoursConfig{
		Start: "22:00", End: "06:00", Timezone: "UTC",
	}
	f.runner.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventOK, ev.Kind)
}

func TestCycle_SkipsEmptyChecklist(t *testing.T) {
	f := newFixture(t)
	f.loader.text = "   \n\t\n"

	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		t.Error("gather must not run on an empty checklist")
		return tool.Succeed("slack", nil, nil, "")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventSkipped, ev.Kind)
	assert.Equal(t, "empty checklist", ev.Reason)
	assert.Zero(t, f.analyzer.callCount())
}

func TestCycle_LoaderErrorBecomesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.loader.err = errors.New("permission denied")

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "checklist load failed")
	assert.Zero(t, f.analyzer.callCount())
}

func TestCycle_AlertIsDelivered(t *testing.T) {
	f := newFixture(t)
	f.analyzer.verdict = analysis.Verdict{OK: false, Message: "3 Slack DMs waiting on a reply"}

	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Succeed("slack", []tool.Item{{Kind: "dm", Summary: "3 unread"}}, nil, "3 unread DMs")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	assert.Equal(t, []string{"3 Slack DMs waiting on a reply"}, f.deliverer.delivered())
	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventAlert, ev.Kind)
	assert.Equal(t, "3 Slack DMs waiting on a reply", ev.Message)
	assert.NotZero(t, ev.CycleID)
	f.assertNoMoreEvents(t)
}

func TestCycle_OKVerdictSkipsDelivery(t *testing.T) {
	f := newFixture(t)
	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Succeed("slack", nil, nil, "nothing unread")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	assert.Empty(t, f.deliverer.delivered())
	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventOK, ev.Kind)
}

func TestCycle_DeliveryFailureBecomesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.analyzer.verdict = analysis.Verdict{OK: false, Message: "inbox overflowing"}
	f.deliverer.err = errors.New("webhook rejected delivery: http 403")

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "delivery failed")
	// The alert text is preserved so it is not silently lost.
	assert.Contains(t, ev.Message, "inbox overflowing")
	f.assertNoMoreEvents(t)
}

func TestCycle_AnalyzerErrorBecomesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.analyzer.err = errors.New("endpoint returned http 500")

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "analysis failed")
	assert.Empty(t, f.deliverer.delivered())
}

func TestCycle_SaveToMemoryIsSecondary(t *testing.T) {
	f := newFixture(t)
	f.cfg.Delivery.SaveToMemory = true
	f.analyzer.verdict = analysis.Verdict{OK: false, Message: "backup overdue"}

	memory := &stubDeliverer{err: errors.New("disk full")}
	f.runner.memory = memory

	require.NoError(t, f.runner.RunOnce(context.Background()))

	// A memory-sink failure never downgrades a successfully delivered alert.
	assert.Equal(t, []string{"backup overdue"}, f.deliverer.delivered())
	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventAlert, ev.Kind)
}

func TestCycle_HonorsToolFilters(t *testing.T) {
	f := newFixture(t)
	f.cfg.Heartbeat.DisabledTools = []string{"drive"}

	f.addTool(t, "slack", func(context.Context, tool.GatherContext) tool.GatherResult {
		return tool.Succeed("slack", nil, nil, "")
	})
	f.addTool(t, "drive", func(context.Context, tool.GatherContext) tool.GatherResult {
		t.Error("disabled tool must not gather")
		return tool.Succeed("drive", nil, nil, "")
	})

	require.NoError(t, f.runner.RunOnce(context.Background()))

	req := f.analyzer.lastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Results, 1)
	assert.Equal(t, "slack", req.Results[0].ToolID)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	before := time.Now()
	f.runner.Start(context.Background())
	f.runner.Start(context.Background()) // idempotent

	st := f.runner.Snapshot()
	assert.Equal(t, StateScheduled, st.State)
	wantNext := before.Add(f.cfg.Heartbeat.GetInterval())
	assert.WithinDuration(t, wantNext, st.NextRunAt, 2*time.Second)

	f.runner.Stop()
	assert.Equal(t, StateStopped, f.runner.Snapshot().State)
	f.assertNoMoreEvents(t)
}

func TestTimerChainRearmsAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.cfg.Heartbeat.IntervalMinutes = 1

	var cycles sync.WaitGroup
	cycles.Add(1)
	once := sync.Once{}
	f.addTool(t, "tick", func(context.Context, tool.GatherContext) tool.GatherResult {
		once.Do(cycles.Done)
		return tool.Succeed("tick", nil, nil, "")
	})

	f.runner.Start(context.Background())
	defer f.runner.Stop()

	// Fire the armed timer immediately instead of waiting a minute.
	f.runner.mu.Lock()
	timer := f.runner.timer
	f.runner.mu.Unlock()
	require.NotNil(t, timer)
	timer.Reset(time.Millisecond)

	cycles.Wait()
	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventOK, ev.Kind)

	// Completion re-arms the chain rather than ending it.
	require.Eventually(t, func() bool {
		st := f.runner.Snapshot()
		return st.State == StateScheduled && time.Until(st.NextRunAt) > 30*time.Second
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCycle_PanicInPipelineBecomesErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.analyzer.verdict = analysis.Verdict{OK: true}

	// A loader that panics exercises the cycle-level recovery, not just the
	// per-tool one.
	f.runner.loader = panicLoader{}

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, channels.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "cycle panicked")
	f.assertNoMoreEvents(t)
}

type panicLoader struct{}

func (panicLoader) Load() (string, error) { panic("checklist store corrupted") }

func TestCycle_StampsDurationAndTimestamp(t *testing.T) {
	f := newFixture(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	calls := 0
	f.runner.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(1500 * time.Millisecond)
	}

	require.NoError(t, f.runner.RunOnce(context.Background()))

	ev := f.nextEvent(t)
	assert.Equal(t, base, ev.Timestamp)
	assert.Equal(t, 1500*time.Millisecond, ev.Duration)
}
