package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kestrel/internal/metrics"
	"kestrel/internal/rules"
	"kestrel/internal/runtime"
	"kestrel/pkg/models"
)

type sinkRecorder struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (s *sinkRecorder) Emit(a *models.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testPool(t *testing.T) *runtime.Pool {
	t.Helper()
	cel, err := runtime.NewCELBackend(runtime.CELConfig{})
	if err != nil {
		t.Fatalf("cel backend: %v", err)
	}
	pool := runtime.NewPool(0)
	pool.Register(cel)
	pool.Register(runtime.NewLuaBackend(runtime.LuaConfig{}))
	return pool
}

func testEngine(t *testing.T, cfg Config) (*Engine, *rules.Registry, *metrics.Metrics, *sinkRecorder) {
	t.Helper()
	pool := testPool(t)
	reg := rules.NewRegistry(pool)
	m := metrics.New()
	sink := &sinkRecorder{}
	eng, err := New(cfg, reg, pool, m, sink)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng, reg, m, sink
}

func defaultConfig() Config {
	return Config{Partitions: 4, QueueSize: 64}
}

func entity(n uint64) models.EntityKey {
	return models.EntityKeyFromUint64(n, n)
}

func execEvent(t *testing.T, key models.EntityKey, ts uint64, name string) *models.Event {
	t.Helper()
	ev, err := models.NewEventBuilder().
		EventType(1).
		TsMono(ts).
		TsWall(ts).
		Entity(key).
		Field(3, models.StringValue(name)).
		Build()
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func connectEvent(t *testing.T, key models.EntityKey, ts uint64) *models.Event {
	t.Helper()
	ev, err := models.NewEventBuilder().
		EventType(5).
		TsMono(ts).
		TsWall(ts).
		Entity(key).
		Field(20, models.StringValue("10.0.0.9")).
		Build()
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func loadBashRule(t *testing.T, reg *rules.Registry) {
	t.Helper()
	err := reg.Load(rules.Manifest{
		ID:        "bash-exec",
		Name:      "Bash Execution",
		Severity:  "high",
		Kind:      rules.KindSingle,
		Backend:   runtime.BackendCEL,
		Predicate: "p.cel",
	}, rules.Sources{Predicate: []byte(`3 in fields && fields[3] == "bash"`)})
	if err != nil {
		t.Fatalf("load rule: %v", err)
	}
}

func loadConnectThenShell(t *testing.T, reg *rules.Registry, windowMS int64) {
	t.Helper()
	err := reg.Load(rules.Manifest{
		ID:      "connect-then-shell",
		Name:    "Connect Then Shell",
		Kind:    rules.KindSequence,
		Backend: runtime.BackendCEL,
		Stages: []rules.StageManifest{
			{Predicate: "s0.cel", WindowMS: windowMS},
			{Predicate: "s1.cel"},
		},
	}, rules.Sources{Stages: []rules.StageSource{
		{Predicate: []byte(`event_type == 5`)},
		{Predicate: []byte(`event_type == 1`)},
	}})
	if err != nil {
		t.Fatalf("load sequence rule: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	pool := testPool(t)
	reg := rules.NewRegistry(pool)
	m := metrics.New()
	sink := &sinkRecorder{}

	cases := []Config{
		{Partitions: 0, QueueSize: 64},
		{Partitions: 4, QueueSize: 0},
		{Partitions: 4, QueueSize: 64, QueuePolicy: "random"},
	}
	for i, cfg := range cases {
		_, err := New(cfg, reg, pool, m, sink)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("case %d: expected ConfigError, got %v", i, err)
		}
	}
}

func TestSingleEventRuleProducesOneAlert(t *testing.T) {
	eng, reg, m, sink := testEngine(t, defaultConfig())
	loadBashRule(t, reg)
	eng.Start()
	defer eng.Stop()

	alerts, err := eng.ProcessEvent(context.Background(), execEvent(t, entity(1), 1000, "bash"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
	}
	if alerts[0].RuleID != "bash-exec" {
		t.Fatalf("alert rule id: got %q", alerts[0].RuleID)
	}
	if alerts[0].Severity != models.SeverityHigh {
		t.Fatalf("alert severity: got %q", alerts[0].Severity)
	}

	alerts, err = eng.ProcessEvent(context.Background(), execEvent(t, entity(1), 2000, "sshd"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts for sshd, got %d", len(alerts))
	}

	if m.EventsProcessed() != 2 {
		t.Fatalf("events processed: got %d", m.EventsProcessed())
	}
	if m.AlertsGenerated() != 1 || sink.count() != 1 {
		t.Fatalf("alerts: generated=%d sunk=%d", m.AlertsGenerated(), sink.count())
	}
}

func TestSequenceMatchesWithinWindow(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadConnectThenShell(t, reg, 10_000) // 10s
	eng.Start()
	defer eng.Stop()

	key := entity(7)
	t0 := uint64(1_000_000_000)

	alerts, err := eng.ProcessEvent(context.Background(), connectEvent(t, key, t0))
	if err != nil {
		t.Fatalf("process connect: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("stage 0 alone should not alert")
	}

	alerts, err = eng.ProcessEvent(context.Background(), execEvent(t, key, t0+5_000_000_000, "sh"))
	if err != nil {
		t.Fatalf("process exec: %v", err)
	}
	if len(alerts) != 1 || alerts[0].RuleID != "connect-then-shell" {
		t.Fatalf("expected sequence alert, got %v", alerts)
	}
}

func TestSequenceExpiresPastWindow(t *testing.T) {
	eng, reg, m, _ := testEngine(t, defaultConfig())
	loadConnectThenShell(t, reg, 10_000)
	eng.Start()
	defer eng.Stop()

	key := entity(8)
	t0 := uint64(1_000_000_000)

	if _, err := eng.ProcessEvent(context.Background(), connectEvent(t, key, t0)); err != nil {
		t.Fatalf("process connect: %v", err)
	}
	alerts, err := eng.ProcessEvent(context.Background(), execEvent(t, key, t0+15_000_000_000, "sh"))
	if err != nil {
		t.Fatalf("process exec: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alert past the window, got %d", len(alerts))
	}
	if m.SequenceStates() != 0 {
		t.Fatalf("expired candidate not reclaimed: %d live", m.SequenceStates())
	}
}

func TestSequenceScopedToEntity(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadConnectThenShell(t, reg, 10_000)
	eng.Start()
	defer eng.Stop()

	t0 := uint64(1_000_000_000)
	if _, err := eng.ProcessEvent(context.Background(), connectEvent(t, entity(1), t0)); err != nil {
		t.Fatalf("process: %v", err)
	}
	alerts, err := eng.ProcessEvent(context.Background(), execEvent(t, entity(2), t0+1_000_000_000, "sh"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("sequence crossed entities")
	}
}

func TestFaultIsolationAcrossRules(t *testing.T) {
	eng, reg, m, _ := testEngine(t, defaultConfig())
	err := reg.Load(rules.Manifest{
		ID:        "trapper",
		Kind:      rules.KindSingle,
		Backend:   runtime.BackendLua,
		Predicate: "trap.lua",
	}, rules.Sources{Predicate: []byte("function eval(e)\n  error(\"boom\")\nend")})
	if err != nil {
		t.Fatalf("load trapper: %v", err)
	}
	loadBashRule(t, reg)
	eng.Start()
	defer eng.Stop()

	alerts, err := eng.ProcessEvent(context.Background(), execEvent(t, entity(1), 1000, "bash"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(alerts) != 1 || alerts[0].RuleID != "bash-exec" {
		t.Fatalf("faulting rule blocked healthy rule: %v", alerts)
	}
	if m.RuleFaults() == 0 {
		t.Fatalf("fault not counted")
	}
}

func TestHomePartitionIsStableAndBounded(t *testing.T) {
	for n := uint64(0); n < 1000; n++ {
		key := entity(n)
		p := homePartition(key, 8)
		if p < 0 || p >= 8 {
			t.Fatalf("partition out of range: %d", p)
		}
		if homePartition(key, 8) != p {
			t.Fatalf("routing not deterministic for key %s", key.Hex())
		}
	}
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []string {
		eng, reg, _, _ := testEngine(t, defaultConfig())
		loadBashRule(t, reg)
		loadConnectThenShell(t, reg, 10_000)
		eng.Start()
		defer eng.Stop()

		t0 := uint64(1_000_000_000)
		stream := []*models.Event{
			connectEvent(t, entity(1), t0),
			execEvent(t, entity(1), t0+1_000_000_000, "bash"),
			execEvent(t, entity(2), t0+2_000_000_000, "bash"),
			connectEvent(t, entity(2), t0+3_000_000_000),
			execEvent(t, entity(2), t0+4_000_000_000, "sshd"),
		}
		var got []string
		for _, ev := range stream {
			alerts, err := eng.ProcessEvent(context.Background(), ev)
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			for _, a := range alerts {
				got = append(got, a.RuleID)
			}
		}
		return got
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("replay diverged: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("replay diverged at %d: %v vs %v", i, first, second)
		}
	}
	if len(first) == 0 {
		t.Fatalf("replay produced no alerts")
	}
}

func TestSubmitDeliversPerEntityStreamsInOrder(t *testing.T) {
	eng, reg, m, sink := testEngine(t, defaultConfig())
	loadConnectThenShell(t, reg, 10_000)
	eng.Start()

	// One ordered connect->exec pair per entity, submitted from
	// concurrent producers. Per-entity ordering must hold across the
	// asynchronous path, so every pair completes its sequence.
	const entities = 32
	type pair struct{ first, second *models.Event }
	pairs := make([]pair, entities)
	for n := uint64(0); n < entities; n++ {
		key := entity(n + 1)
		t0 := uint64(1_000_000_000) * (n + 1)
		pairs[n] = pair{
			first:  connectEvent(t, key, t0),
			second: execEvent(t, key, t0+1_000_000_000, "sh"),
		}
	}

	var wg sync.WaitGroup
	for _, p := range pairs {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			if err := eng.Submit(p.first); err != nil {
				t.Errorf("submit connect: %v", err)
				return
			}
			if err := eng.Submit(p.second); err != nil {
				t.Errorf("submit exec: %v", err)
			}
		}(p)
	}
	wg.Wait()
	eng.Stop()

	if sink.count() != entities {
		t.Fatalf("expected %d sequence alerts, got %d", entities, sink.count())
	}
	if m.EventsProcessed() != 2*entities {
		t.Fatalf("events processed: got %d", m.EventsProcessed())
	}
}

func TestProcessEventDoesNotMutateCallerEvent(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadBashRule(t, reg)
	eng.Start()
	defer eng.Stop()

	ev := execEvent(t, entity(1), 1000, "bash")
	alerts, err := eng.ProcessEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.EventID != 0 {
		t.Fatalf("caller's event was stamped: id=%d", ev.EventID)
	}
	if len(alerts) != 1 || alerts[0].EventID == 0 {
		t.Fatalf("alert missing the stamped event id: %v", alerts)
	}
}

func TestStopDoesNotStrandSynchronousCallers(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadBashRule(t, reg)
	eng.Start()

	const callers = 64
	events := make([]*models.Event, callers)
	for i := range events {
		events[i] = execEvent(t, entity(uint64(i+1)), uint64(i+1)*1000, "bash")
	}

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for _, ev := range events {
		wg.Add(1)
		go func(ev *models.Event) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := eng.ProcessEvent(ctx, ev)
			errs <- err
		}(ev)
	}
	eng.Stop()
	wg.Wait()
	close(errs)

	// Every caller either had its event processed or was refused; none
	// may wait out its context.
	for err := range errs {
		if err != nil && !errors.Is(err, ErrStopped) {
			t.Fatalf("caller stranded at shutdown: %v", err)
		}
	}
}

func TestStopRejectsNewInput(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadBashRule(t, reg)
	eng.Start()
	eng.Stop()

	if err := eng.Submit(execEvent(t, entity(1), 1000, "bash")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := eng.ProcessEvent(context.Background(), execEvent(t, entity(1), 2000, "bash")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStatusCounters(t *testing.T) {
	eng, reg, _, _ := testEngine(t, defaultConfig())
	loadBashRule(t, reg)
	loadConnectThenShell(t, reg, 10_000)
	eng.Start()
	defer eng.Stop()

	if _, err := eng.ProcessEvent(context.Background(), execEvent(t, entity(1), 1000, "bash")); err != nil {
		t.Fatalf("process: %v", err)
	}

	st := eng.Status()
	if st.RulesSingle != 1 || st.RulesSequence != 1 {
		t.Fatalf("rule counts: single=%d sequence=%d", st.RulesSingle, st.RulesSequence)
	}
	if st.EventsProcessed != 1 || st.AlertsGenerated != 1 {
		t.Fatalf("counters: events=%d alerts=%d", st.EventsProcessed, st.AlertsGenerated)
	}
	if st.Uptime <= 0 {
		t.Fatalf("uptime not tracked")
	}
	if st.SnapshotVersion == 0 {
		t.Fatalf("snapshot version not tracked")
	}
}
