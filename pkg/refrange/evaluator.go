package refrange

import (
	"math"
	"sort"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// FindInterval returns the first interval, in the order given, whose age
// group contains age. Malformed labels never match. A negative age matches
// nothing.
func FindInterval(age int, intervals []domain.ReferenceInterval) *domain.ReferenceInterval {
	if age < 0 {
		return nil
	}
	for i := range intervals {
		bracket, ok := ParseAgeGroup(intervals[i].AgeGroup)
		if !ok {
			continue
		}
		if bracket.Contains(age) {
			interval := intervals[i]
			return &interval
		}
	}
	return nil
}

// EvaluateStatus classifies value against interval with inclusive bounds.
// A nil interval cannot be assessed and is reported as normal, as is NaN.
func EvaluateStatus(value float64, interval *domain.ReferenceInterval) domain.Status {
	if interval == nil {
		return domain.StatusNormal
	}
	if value < interval.MinValue {
		return domain.StatusLow
	}
	if value > interval.MaxValue {
		return domain.StatusHigh
	}
	return domain.StatusNormal
}

// ComputeTrend compares the result identified by targetID with the next older
// result of the series. The trend is defined only when the target is the most
// recent result and an older one exists. Results sharing a test date keep
// their relative input order.
func ComputeTrend(series []domain.TestResult, targetID string) domain.Trend {
	return Evaluator{}.ComputeTrend(series, targetID)
}

// Evaluate composes FindInterval, EvaluateStatus and ComputeTrend for a
// single result. A nil guideline yields a normal status with no interval.
func Evaluate(target domain.TestResult, guideline *domain.Guideline, series []domain.TestResult) domain.EvaluationResult {
	return Evaluator{}.Evaluate(target, guideline, series)
}

// Evaluator carries optional evaluation settings. The zero value performs
// the strict comparisons of the package-level functions.
type Evaluator struct {
	// TrendTolerancePercent treats relative changes up to this many percent of
	// the previous value as flat. Zero compares values exactly.
	TrendTolerancePercent float64
}

// NewEvaluator returns an evaluator with the given trend tolerance. Negative
// or non-finite tolerances are treated as zero.
func NewEvaluator(trendTolerancePercent float64) Evaluator {
	if trendTolerancePercent < 0 || math.IsNaN(trendTolerancePercent) || math.IsInf(trendTolerancePercent, 0) {
		trendTolerancePercent = 0
	}
	return Evaluator{TrendTolerancePercent: trendTolerancePercent}
}

// ComputeTrend is the tolerance-aware form of the package-level ComputeTrend.
func (e Evaluator) ComputeTrend(series []domain.TestResult, targetID string) domain.Trend {
	if len(series) < 2 {
		return domain.TrendNone
	}
	sorted := sortNewestFirst(series)
	if sorted[0].ID != targetID {
		return domain.TrendNone
	}
	return e.compare(sorted[0].Value, sorted[1].Value)
}

// Evaluate is the tolerance-aware form of the package-level Evaluate.
func (e Evaluator) Evaluate(target domain.TestResult, guideline *domain.Guideline, series []domain.TestResult) domain.EvaluationResult {
	var interval *domain.ReferenceInterval
	if guideline != nil {
		interval = FindInterval(target.Age, guideline.References)
	}
	return domain.EvaluationResult{
		Status:          EvaluateStatus(target.Value, interval),
		MatchedInterval: interval,
		Trend:           e.ComputeTrend(series, target.ID),
	}
}

func (e Evaluator) compare(current, previous float64) domain.Trend {
	if e.TrendTolerancePercent > 0 && previous != 0 {
		change := (current - previous) / math.Abs(previous) * 100
		switch {
		case math.Abs(change) <= e.TrendTolerancePercent:
			return domain.TrendFlat
		case change > 0:
			return domain.TrendUp
		default:
			return domain.TrendDown
		}
	}
	switch {
	case current > previous:
		return domain.TrendUp
	case current < previous:
		return domain.TrendDown
	case current == previous:
		return domain.TrendFlat
	default:
		// NaN on either side
		return domain.TrendNone
	}
}

// SeriesEntry is one row of an evaluated history.
type SeriesEntry struct {
	Result     domain.TestResult       `json:"result"`
	Evaluation domain.EvaluationResult `json:"evaluation"`
}

// EvaluateSeries evaluates every result of a series against guideline and
// returns them newest first. Each entry carries its own status and interval;
// only the newest entry can carry a trend.
func (e Evaluator) EvaluateSeries(series []domain.TestResult, guideline *domain.Guideline) []SeriesEntry {
	sorted := sortNewestFirst(series)
	entries := make([]SeriesEntry, 0, len(sorted))
	for i, r := range sorted {
		var interval *domain.ReferenceInterval
		if guideline != nil {
			interval = FindInterval(r.Age, guideline.References)
		}
		trend := domain.TrendNone
		if i == 0 && len(sorted) > 1 {
			trend = e.compare(r.Value, sorted[1].Value)
		}
		entries = append(entries, SeriesEntry{
			Result: r,
			Evaluation: domain.EvaluationResult{
				Status:          EvaluateStatus(r.Value, interval),
				MatchedInterval: interval,
				Trend:           trend,
			},
		})
	}
	return entries
}

// Latest returns the most recent result of series and the one before it.
func Latest(series []domain.TestResult) (latest, previous *domain.TestResult) {
	if len(series) == 0 {
		return nil, nil
	}
	sorted := sortNewestFirst(series)
	latest = &sorted[0]
	if len(sorted) > 1 {
		previous = &sorted[1]
	}
	return latest, previous
}

func sortNewestFirst(series []domain.TestResult) []domain.TestResult {
	sorted := make([]domain.TestResult, len(series))
	copy(sorted, series)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TestDate.After(sorted[j].TestDate)
	})
	return sorted
}
