package anomaly

import (
	"math"
	"time"
)

// Config holds detection thresholds (value type).
type Config struct {
	Window               time.Duration // Trailing baseline window
	MinSamples           int           // Samples required before detection activates
	ZThreshold           float64       // |z| at or above which a sample is anomalous
	ErrorWindow          time.Duration // Recent window compared against the baseline error rate
	ErrorRateMultiplier  float64       // Recent rate must exceed this multiple of the baseline
	MinBaselineErrorRate float64       // Floor for a baseline with no errors
	MinErrorSamples      int           // Requests required in the recent window
	Cooldown             time.Duration // Minimum gap between rate emissions per key
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		Window:               time.Hour,
		MinSamples:           30,
		ZThreshold:           3.0,
		ErrorWindow:          5 * time.Minute,
		ErrorRateMultiplier:  3.0,
		MinBaselineErrorRate: 0.01,
		MinErrorSamples:      20,
		Cooldown:             5 * time.Minute,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = d.ZThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	if c.ErrorRateMultiplier <= 0 {
		c.ErrorRateMultiplier = d.ErrorRateMultiplier
	}
	if c.MinBaselineErrorRate <= 0 {
		c.MinBaselineErrorRate = d.MinBaselineErrorRate
	}
	if c.MinErrorSamples <= 0 {
		c.MinErrorSamples = d.MinErrorSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = c.ErrorWindow
	}
	return c
}

type sample struct {
	at    time.Time
	value float64
}

// Baseline is a trailing-window running mean and population standard deviation.
// Samples older than the window are evicted as time advances.
// Not safe for concurrent use.
type Baseline struct {
	window  time.Duration
	samples []sample
	head    int
	mean    float64
	m2      float64
}

// NewBaseline creates an empty baseline over the given window.
func NewBaseline(window time.Duration) *Baseline {
	return &Baseline{window: window}
}

// Len returns the number of samples in the window.
func (b *Baseline) Len() int {
	return len(b.samples) - b.head
}

// Stats returns the sample count, mean and population standard deviation.
func (b *Baseline) Stats() (n int, mean, stddev float64) {
	n = b.Len()
	if n == 0 {
		return 0, 0, 0
	}
	variance := b.m2 / float64(n)
	if variance < 0 {
		variance = 0
	}
	return n, b.mean, math.Sqrt(variance)
}

// Evict drops samples that fell out of the window ending at now.
func (b *Baseline) Evict(now time.Time) {
	cutoff := now.Add(-b.window)
	for b.head < len(b.samples) && b.samples[b.head].at.Before(cutoff) {
		b.remove(b.samples[b.head].value)
		b.head++
	}
	b.compact()
}

// Add records a sample.
func (b *Baseline) Add(at time.Time, x float64) {
	b.samples = append(b.samples, sample{at: at, value: x})
	n := float64(b.Len())
	d := x - b.mean
	b.mean += d / n
	b.m2 += d * (x - b.mean)
}

// remove reverses Add for the oldest sample (Welford downdate).
func (b *Baseline) remove(x float64) {
	n := float64(b.Len() - 1)
	if n <= 0 {
		b.mean, b.m2 = 0, 0
		return
	}
	d := x - b.mean
	b.mean -= d / n
	b.m2 -= d * (x - b.mean)
}

func (b *Baseline) compact() {
	if b.head == 0 {
		return
	}
	if b.head == len(b.samples) {
		b.samples = b.samples[:0]
		b.head = 0
		return
	}
	if b.head > len(b.samples)/2 {
		b.samples = append(b.samples[:0], b.samples[b.head:]...)
		b.head = 0
	}
}

// Score evaluates x against the baseline without adding it.
// ok is false while the baseline has fewer than minSamples samples or zero spread.
func (b *Baseline) Score(x float64, minSamples int) (d StatisticalDetails, ok bool) {
	n, mean, stddev := b.Stats()
	if n < minSamples {
		return StatisticalDetails{}, false
	}
	z, ok := ZScore(x, mean, stddev)
	if !ok {
		return StatisticalDetails{}, false
	}
	return StatisticalDetails{
		Value:          x,
		BaselineMean:   mean,
		BaselineStddev: stddev,
		ZScore:         z,
		Samples:        n,
	}, true
}

type outcome struct {
	at     time.Time
	failed bool
}

// ErrorRate tracks request outcomes in a recent window and in the remainder
// of a longer baseline window.
// Not safe for concurrent use.
type ErrorRate struct {
	recentSpan   time.Duration
	baselineSpan time.Duration

	recent         []outcome
	recentErrors   int64
	baseline       []outcome
	baselineErrors int64
}

// NewErrorRate creates a tracker with a recent window inside a baseline window.
func NewErrorRate(recent, baseline time.Duration) *ErrorRate {
	return &ErrorRate{recentSpan: recent, baselineSpan: baseline}
}

// Add records one outcome.
func (e *ErrorRate) Add(at time.Time, failed bool) {
	e.recent = append(e.recent, outcome{at: at, failed: failed})
	if failed {
		e.recentErrors++
	}
}

// Advance moves outcomes from the recent window into the baseline and drops
// outcomes older than the baseline window.
func (e *ErrorRate) Advance(now time.Time) {
	recentCutoff := now.Add(-e.recentSpan)
	i := 0
	for i < len(e.recent) && e.recent[i].at.Before(recentCutoff) {
		o := e.recent[i]
		e.baseline = append(e.baseline, o)
		if o.failed {
			e.recentErrors--
			e.baselineErrors++
		}
		i++
	}
	if i > 0 {
		e.recent = append(e.recent[:0], e.recent[i:]...)
	}

	baselineCutoff := now.Add(-e.baselineSpan)
	j := 0
	for j < len(e.baseline) && e.baseline[j].at.Before(baselineCutoff) {
		if e.baseline[j].failed {
			e.baselineErrors--
		}
		j++
	}
	if j > 0 {
		e.baseline = append(e.baseline[:0], e.baseline[j:]...)
	}
}

// Recent returns the outcome count and error count in the recent window.
func (e *ErrorRate) Recent() (count, errors int64) {
	return int64(len(e.recent)), e.recentErrors
}

// BaselineRate returns the error rate of the baseline remainder and its size.
func (e *ErrorRate) BaselineRate() (rate float64, count int64) {
	count = int64(len(e.baseline))
	if count == 0 {
		return 0, 0
	}
	return float64(e.baselineErrors) / float64(count), count
}

// Spike evaluates the recent window against the baseline.
// ok is true when the recent error rate exceeds the configured multiple.
func (e *ErrorRate) Spike(cfg Config) (d RateDetails, ok bool) {
	count, errs := e.Recent()
	if count < int64(cfg.MinErrorSamples) || errs == 0 {
		return RateDetails{}, false
	}
	rate := float64(errs) / float64(count)
	base, _ := e.BaselineRate()
	floor := math.Max(base, cfg.MinBaselineErrorRate)

	d = RateDetails{Count: count, Errors: errs, Rate: rate, BaselineRate: base}
	return d, rate > cfg.ErrorRateMultiplier*floor
}
