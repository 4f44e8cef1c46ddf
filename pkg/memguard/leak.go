package memguard

// leakGrowthThresholdMBPerMin is the sustained growth rate above which the
// window is considered leaking.
const leakGrowthThresholdMBPerMin = 1.0

// monotoneTolerance allows small dips between samples: each sample must be
// at least this fraction of its predecessor for the window to count as
// monotonically non-decreasing.
const monotoneTolerance = 0.95

// DetectLeak evaluates the leak-detection window. A leak is flagged only
// when the window is full, growth exceeds 1 MB/min, and the window is
// monotonically non-decreasing within tolerance.
func (g *Governor) DetectLeak() LeakReport {
	g.mu.Lock()
	window := append([]Usage(nil), g.leakWindow...)
	windowSize := g.cfg.LeakWindowSize
	g.mu.Unlock()

	report := LeakReport{Samples: len(window)}
	if len(window) < windowSize || len(window) < 2 {
		return report
	}

	first := window[0]
	last := window[len(window)-1]
	report.WindowStart = first.Timestamp
	report.WindowEnd = last.Timestamp

	minutes := last.Timestamp.Sub(first.Timestamp).Minutes()
	if minutes <= 0 {
		return report
	}

	report.GrowthRateMBPerMinute = (last.HeapUsedMB - first.HeapUsedMB) / minutes

	monotone := true
	for i := 1; i < len(window); i++ {
		if window[i].HeapUsedMB < window[i-1].HeapUsedMB*monotoneTolerance {
			monotone = false
			break
		}
	}

	report.Detected = report.GrowthRateMBPerMinute > leakGrowthThresholdMBPerMin && monotone

	confidence := report.GrowthRateMBPerMinute * 20
	if confidence < 0 {
		confidence = -confidence
	}
	if confidence > 100 {
		confidence = 100
	}
	report.Confidence = confidence

	return report
}

// trendWindowSize bounds how many recent samples feed the trend estimate.
const trendWindowSize = 100

// trendRateThresholdMBPerMin separates a real trend from sampling noise.
const trendRateThresholdMBPerMin = 0.5

// trendOf computes the usage direction over the recent history, using the
// same growth-rate method as leak detection but over a larger window.
func trendOf(history []Usage) (Trend, float64) {
	if len(history) < 2 {
		return TrendStable, 0
	}

	window := history
	if len(window) > trendWindowSize {
		window = window[len(window)-trendWindowSize:]
	}

	first := window[0]
	last := window[len(window)-1]
	minutes := last.Timestamp.Sub(first.Timestamp).Minutes()
	if minutes <= 0 {
		return TrendStable, 0
	}

	rate := (last.HeapUsedMB - first.HeapUsedMB) / minutes
	switch {
	case rate > trendRateThresholdMBPerMin:
		return TrendIncreasing, rate
	case rate < -trendRateThresholdMBPerMin:
		return TrendDecreasing, rate
	default:
		return TrendStable, rate
	}
}
