// Package chart renders a result series as an HTML line chart.
package chart

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

// ErrNoData is returned for an empty series.
var ErrNoData = errors.New("no results to chart")

// Trend describes the chart to render.
type Trend struct {
	PatientName string
	TestType    domain.TestType
	Series      []domain.TestResult
	Guideline   *domain.Guideline
}

// Interval returns the reference interval drawn on the chart: the one
// matching the newest result's age.
func (t Trend) Interval() *domain.ReferenceInterval {
	if t.Guideline == nil {
		return nil
	}
	latest, _ := refrange.Latest(t.Series)
	if latest == nil {
		return nil
	}
	return refrange.FindInterval(latest.Age, t.Guideline.References)
}

// Render writes a standalone HTML page with the series oldest to newest and
// dashed lines at the reference minimum and maximum.
func Render(w io.Writer, t Trend) error {
	if len(t.Series) == 0 {
		return ErrNoData
	}

	points := make([]domain.TestResult, len(t.Series))
	copy(points, t.Series)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].TestDate.Before(points[j].TestDate)
	})

	xAxis := make([]string, 0, len(points))
	yData := make([]opts.LineData, 0, len(points))
	for _, r := range points {
		xAxis = append(xAxis, r.TestDate.Format(domain.DisplayDateLayout))
		yData = append(yData, opts.LineData{Value: r.Value})
	}

	title := string(t.TestType)
	subtitle := t.PatientName
	interval := t.Interval()
	if interval != nil {
		subtitle = fmt.Sprintf("%s  %s %s (age %s)", subtitle, t.Guideline.Name, rangeLabel(interval), interval.AgeGroup)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: title + " trend",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show: opts.Bool(true),
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(false),
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: points[len(points)-1].Unit,
		}),
	)

	seriesOpts := []charts.SeriesOpts{
		charts.WithLineChartOpts(opts.LineChart{
			ShowSymbol: opts.Bool(true),
		}),
	}
	if interval != nil {
		seriesOpts = append(seriesOpts, func(s *charts.SingleSeries) {
			s.MarkLines = &opts.MarkLines{
				Data: []interface{}{
					opts.MarkLineNameYAxisItem{Name: "Ref Min", YAxis: interval.MinValue},
					opts.MarkLineNameYAxisItem{Name: "Ref Max", YAxis: interval.MaxValue},
				},
				MarkLineStyle: opts.MarkLineStyle{
					Symbol: []string{"none", "none"},
					LineStyle: &opts.LineStyle{
						Color: "rgba(128, 128, 128, 0.6)",
						Type:  "dashed",
						Width: 1.5,
					},
				},
			}
		})
	}

	line.SetXAxis(xAxis).
		AddSeries(title, yData).
		SetSeriesOptions(seriesOpts...)

	return line.Render(w)
}

func rangeLabel(interval *domain.ReferenceInterval) string {
	return fmt.Sprintf("%g-%g", interval.MinValue, interval.MaxValue)
}
