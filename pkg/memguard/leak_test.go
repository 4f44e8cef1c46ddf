package memguard

import (
	"testing"
	"time"
)

// seedWindow fills the leak window with one sample per minute at the given
// heap sizes, oldest first.
func seedWindow(g *Governor, heapsMB []float64) {
	base := time.Now().Add(-time.Duration(len(heapsMB)) * time.Minute)
	g.mu.Lock()
	g.leakWindow = g.leakWindow[:0]
	for i, heap := range heapsMB {
		g.leakWindow = append(g.leakWindow, Usage{
			HeapUsedMB: heap,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	g.mu.Unlock()
}

func TestDetectLeakRequiresFullWindow(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	seedWindow(g, []float64{100, 110, 120}) // only 3 of 5 samples

	report := g.DetectLeak()
	if report.Detected {
		t.Error("leak flagged on a partial window")
	}
	if report.Samples != 3 {
		t.Errorf("samples = %d, want 3", report.Samples)
	}
}

func TestDetectLeakMonotonicGrowth(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	// 2 MB per minute, strictly increasing.
	seedWindow(g, []float64{100, 102, 104, 106, 108})

	report := g.DetectLeak()
	if !report.Detected {
		t.Fatalf("sustained growth not detected: %+v", report)
	}
	if report.GrowthRateMBPerMinute != 2 {
		t.Errorf("growth rate = %.2f, want 2.00", report.GrowthRateMBPerMinute)
	}
	if report.Confidence != 40 {
		t.Errorf("confidence = %.0f, want 40", report.Confidence)
	}
}

func TestDetectLeakConfidenceCapsAtHundred(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	// 10 MB per minute would give confidence 200 before the cap.
	seedWindow(g, []float64{100, 110, 120, 130, 140})

	report := g.DetectLeak()
	if !report.Detected {
		t.Fatalf("leak not detected: %+v", report)
	}
	if report.Confidence != 100 {
		t.Errorf("confidence = %.0f, want 100", report.Confidence)
	}
}

func TestDetectLeakFlatUsage(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	seedWindow(g, []float64{100, 100, 100, 100, 100})

	report := g.DetectLeak()
	if report.Detected {
		t.Errorf("flat usage flagged as leak: %+v", report)
	}
	if report.GrowthRateMBPerMinute != 0 {
		t.Errorf("growth rate = %.2f, want 0", report.GrowthRateMBPerMinute)
	}
}

func TestDetectLeakOscillationBreaksMonotonicity(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	// Net growth is high but the 60 sample is far below 140 * 0.95, so the
	// window is not monotone: churn, not a leak.
	seedWindow(g, []float64{100, 140, 60, 150, 160})

	report := g.DetectLeak()
	if report.Detected {
		t.Errorf("oscillating usage flagged as leak: %+v", report)
	}
}

func TestDetectLeakToleratesSmallDips(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	// 107.8 is within 95% of 110; GC jitter should not mask the leak.
	seedWindow(g, []float64{100, 110, 107.8, 118, 128})

	report := g.DetectLeak()
	if !report.Detected {
		t.Errorf("leak with minor GC dips not detected: %+v", report)
	}
}

func TestDetectLeakShrinkingUsage(t *testing.T) {
	g := New(Config{LeakWindowSize: 5}, nil)
	seedWindow(g, []float64{140, 130, 120, 110, 100})

	report := g.DetectLeak()
	if report.Detected {
		t.Errorf("shrinking usage flagged as leak: %+v", report)
	}
	if report.GrowthRateMBPerMinute != -10 {
		t.Errorf("growth rate = %.2f, want -10", report.GrowthRateMBPerMinute)
	}
}

func TestTrendOf(t *testing.T) {
	mkHistory := func(heapsMB []float64) []Usage {
		base := time.Now().Add(-time.Duration(len(heapsMB)) * time.Minute)
		out := make([]Usage, 0, len(heapsMB))
		for i, heap := range heapsMB {
			out = append(out, Usage{
				HeapUsedMB: heap,
				Timestamp:  base.Add(time.Duration(i) * time.Minute),
			})
		}
		return out
	}

	tests := []struct {
		name    string
		heapsMB []float64
		want    Trend
	}{
		{"increasing", []float64{100, 105, 110, 115}, TrendIncreasing},
		{"decreasing", []float64{115, 110, 105, 100}, TrendDecreasing},
		{"stable", []float64{100, 100.2, 100.1, 100.3}, TrendStable},
		{"too few samples", []float64{100}, TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := trendOf(mkHistory(tt.heapsMB))
			if got != tt.want {
				t.Errorf("trendOf = %s, want %s", got, tt.want)
			}
		})
	}
}
