package usage

import (
	"math"
	"sort"
	"time"

	"github.com/artpar/tokenwatch/domain/metric"
)

// Summarize computes statistics over metrics.
// The result does not depend on the order of the input.
// This is a PURE function.
func Summarize(metrics []metric.RequestMetric) Summary {
	if len(metrics) == 0 {
		return Summary{}
	}

	var s Summary
	latencies := make([]float64, 0, len(metrics))
	costs := make([]float64, 0, len(metrics))

	for _, m := range metrics {
		s.RequestCount++
		if m.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		s.TotalTokens += m.TotalTokens
		latencies = append(latencies, m.InferenceTime)
		costs = append(costs, m.EstimatedCost)
	}

	sort.Float64s(latencies)

	// Summing the sorted slice keeps the float result order-independent.
	var total float64
	for _, l := range latencies {
		total += l
	}

	s.AvgInferenceTime = total / float64(len(latencies))
	s.MaxInferenceTime = latencies[len(latencies)-1]
	s.P95InferenceTime = Percentile(latencies, 95)
	s.P99InferenceTime = Percentile(latencies, 99)
	s.TotalCost = SumCost(costs)

	return s
}

// AggregateDay rolls up the metrics falling on date into one DailyAggregate per
// dimension group, ordered by group key. Metrics outside the day are ignored.
// This is a PURE function.
func AggregateDay(date time.Time, metrics []metric.RequestMetric) []DailyAggregate {
	start, end := DayBounds(date)

	groups := make(map[metric.Dimensions][]metric.RequestMetric)
	for _, m := range metrics {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			continue
		}
		k := m.Key()
		groups[k] = append(groups[k], m)
	}

	aggregates := make([]DailyAggregate, 0, len(groups))
	for dims, ms := range groups {
		aggregates = append(aggregates, DailyAggregate{
			Date:       start,
			Dimensions: dims,
			Summary:    Summarize(ms),
		})
	}

	sort.Slice(aggregates, func(i, j int) bool {
		return aggregates[i].Dimensions.String() < aggregates[j].Dimensions.String()
	})

	return aggregates
}

// Percentile returns the nearest-rank p-th percentile of an ascending slice.
// Returns 0 for an empty slice.
// This is a PURE function.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
