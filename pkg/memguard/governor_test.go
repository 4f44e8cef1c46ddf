package memguard

import (
	"context"
	"testing"
	"time"
)

func testGovernor(cfg Config) *Governor {
	g := New(cfg, nil)
	return g
}

// fixedSample pins the governor's sampler to a constant usage percentage.
func fixedSample(g *Governor, percent float64) {
	g.sample = func() Usage {
		return Usage{
			Percent:    percent,
			HeapUsedMB: percent,
			RSSMB:      percent,
			Timestamp:  time.Now(),
		}
	}
}

func TestLevelForDescendingSeverity(t *testing.T) {
	g := testGovernor(Config{WarningPct: 70, CriticalPct: 85, EmergencyPct: 95})

	tests := []struct {
		percent float64
		want    PressureLevel
	}{
		{50, LevelNone},
		{69.9, LevelNone},
		{70, LevelWarning},
		{84.9, LevelWarning},
		{85, LevelCritical},
		{94.9, LevelCritical},
		{95, LevelEmergency},
		{120, LevelEmergency},
	}

	for _, tt := range tests {
		if got := g.levelFor(tt.percent); got != tt.want {
			t.Errorf("levelFor(%.1f) = %s, want %s", tt.percent, got, tt.want)
		}
	}
}

func TestTickRecordsSingleAlertAtHighestLevel(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 96)

	var alerts []Alert
	g.SetAlertHandler(func(a Alert) { alerts = append(alerts, a) })

	g.Tick()

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want exactly 1 per tick", len(alerts))
	}
	if alerts[0].Level != LevelEmergency {
		t.Errorf("level = %s, want %s (only the highest threshold fires)", alerts[0].Level, LevelEmergency)
	}
}

func TestTickBelowWarningIsQuiet(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 40)

	fired := false
	g.SetAlertHandler(func(Alert) { fired = true })

	g.Tick()

	if fired {
		t.Error("alert fired below the warning threshold")
	}
	report := g.GetHealthReport()
	if len(report.RecentAlerts) != 0 {
		t.Errorf("recent alerts = %d, want 0", len(report.RecentAlerts))
	}
}

func TestHistoryIsBounded(t *testing.T) {
	g := testGovernor(Config{HistorySize: 5})
	fixedSample(g, 10)

	for i := 0; i < 12; i++ {
		g.Tick()
	}

	if got := len(g.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
}

func TestHandlePressureRunsEligibleStrategiesInPriorityOrder(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 92)

	var order []string
	mk := func(name string, priority int, threshold, freed float64) *FuncStrategy {
		return NewFuncStrategy(name, priority, threshold, func(ctx context.Context) float64 {
			order = append(order, name)
			return freed
		})
	}

	// Registered out of order on purpose.
	g.RegisterStrategy(mk("mid", 8, 85, 2))
	g.RegisterStrategy(mk("low", 6, 90, 1))
	g.RegisterStrategy(mk("high", 10, 80, 4))

	event := g.HandlePressure(context.Background(), LevelWarning)

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
	if event.FreedMB != 7 {
		t.Errorf("freed = %.0f, want 7", event.FreedMB)
	}
}

func TestHandlePressureSkipsStrategiesAboveUsage(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 82)

	ran := make(map[string]bool)
	mk := func(name string, priority int, threshold float64) *FuncStrategy {
		return NewFuncStrategy(name, priority, threshold, func(ctx context.Context) float64 {
			ran[name] = true
			return 0
		})
	}

	g.RegisterStrategy(mk("eligible", 10, 80))
	g.RegisterStrategy(mk("too-high", 8, 90))

	g.HandlePressure(context.Background(), LevelWarning)

	if !ran["eligible"] {
		t.Error("eligible strategy did not run")
	}
	if ran["too-high"] {
		t.Error("strategy above the usage percentage ran")
	}
}

func TestHandlePressureSkipsDisabledStrategies(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 92)

	ran := false
	s := NewFuncStrategy("toggled", 10, 80, func(ctx context.Context) float64 {
		ran = true
		return 0
	})
	s.SetEnabled(false)
	g.RegisterStrategy(s)

	g.HandlePressure(context.Background(), LevelWarning)

	if ran {
		t.Error("disabled strategy ran")
	}
}

func TestStrategyPanicIsContained(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 92)

	g.RegisterStrategy(NewFuncStrategy("broken", 10, 80, func(ctx context.Context) float64 {
		panic("strategy bug")
	}))
	survivorRan := false
	g.RegisterStrategy(NewFuncStrategy("survivor", 5, 80, func(ctx context.Context) float64 {
		survivorRan = true
		return 3
	}))

	event := g.HandlePressure(context.Background(), LevelWarning)

	if !survivorRan {
		t.Error("strategy after the panicking one did not run")
	}
	if event.FreedMB != 3 {
		t.Errorf("freed = %.0f, want 3 (panicking strategy contributes 0)", event.FreedMB)
	}
}

func TestCleanupJobRunsOnlyJobScopedStrategies(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 50)

	globalRan := false
	g.RegisterStrategy(NewFuncStrategy("global", 10, 0, func(ctx context.Context) float64 {
		globalRan = true
		return 5
	}))

	var scopedJob string
	g.RegisterStrategy(NewJobFuncStrategy("scoped", 8, 0,
		func(ctx context.Context) float64 { return 0 },
		func(ctx context.Context, jobName string) float64 {
			scopedJob = jobName
			return 12
		}))

	freed := g.CleanupJob(context.Background(), "digest")

	if globalRan {
		t.Error("global strategy ran during job-scoped cleanup")
	}
	if scopedJob != "digest" {
		t.Errorf("scoped strategy saw job %q, want digest", scopedJob)
	}
	if freed != 12 {
		t.Errorf("freed = %.0f, want 12", freed)
	}
}

func TestTrimHistoryHalves(t *testing.T) {
	g := testGovernor(Config{HistorySize: 100})
	fixedSample(g, 10)

	for i := 0; i < 10; i++ {
		g.Tick()
	}

	removed := g.TrimHistory()
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}
	if got := len(g.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
}

func TestStartStopMonitoring(t *testing.T) {
	g := testGovernor(Config{SampleInterval: 20 * time.Millisecond, HistorySize: 100})
	fixedSample(g, 10)

	g.StartMonitoring()
	g.StartMonitoring() // second call is a no-op

	time.Sleep(120 * time.Millisecond)
	g.StopMonitoring()
	g.StopMonitoring()

	if got := len(g.History()); got < 2 {
		t.Errorf("history length = %d, want at least 2 samples", got)
	}
}

func TestHealthReportRecommendsOnNominalUsage(t *testing.T) {
	g := testGovernor(Config{})
	fixedSample(g, 30)
	g.Tick()

	report := g.GetHealthReport()
	if report.Leak.Detected {
		t.Error("leak detected on a single flat sample")
	}
	if len(report.Recommendations) == 0 {
		t.Error("report carries no recommendations")
	}
}
