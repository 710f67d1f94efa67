package app

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"dex-sonar/internal/domain"
)

// exportSeries writes the replayed series of one pool as CSV and/or PNG.
func (a *App) exportSeries(res ReplayResult, csvPath, pngPath string, maxPoints int) error {
	if len(res.Samples) == 0 {
		a.Logger.Info().Str("pool", res.PoolID).Msg("no samples to export")
		return nil
	}

	downsampled := downsampleSamples(res.Samples, maxPoints)
	a.Logger.Info().
		Str("pool", res.PoolID).
		Int("total", len(res.Samples)).
		Int("exported", len(downsampled)).
		Int("matches", len(res.Matches)).
		Msg("exporting series")

	if csvPath != "" {
		if err := writeSamplesCSV(csvPath, downsampled); err != nil {
			return err
		}
	}
	if pngPath != "" {
		if err := writeSamplesPNG(pngPath, res.PoolID, downsampled, res.Matches); err != nil {
			return err
		}
	}
	return nil
}

// downsampleSamples picks max evenly spaced samples, always keeping the first and last.
func downsampleSamples(samples []domain.Sample, max int) []domain.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]domain.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []domain.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "seq", "price", "volume", "side", "cum_volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range samples {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%d", s.Sequence),
			s.Price.String(),
			s.Volume.String(),
			string(s.Side),
			s.CumVolume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSamplesPNG(path, poolID string, samples []domain.Sample, matches []domain.PatternMatch) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	price := make([]float64, len(samples))
	cumVolume := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.Timestamp
		price[i] = s.Price.InexactFloat64()
		cumVolume[i] = s.CumVolume.InexactFloat64()
	}

	markers := make([]chart.Value2, 0, len(matches))
	for _, m := range matches {
		markers = append(markers, chart.Value2{
			XValue: chart.TimeToFloat64(m.Trigger.Timestamp),
			YValue: m.Trigger.Price.InexactFloat64(),
			Label:  fmt.Sprintf("%s -%s%%", m.RuleID, m.DropPct.StringFixed(1)),
		})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.6g")
	}
	graph := chart.Chart{
		Title:  poolID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative volume",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Cumulative volume",
				XValues: x,
				YValues: cumVolume,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	if len(markers) > 0 {
		graph.Series = append(graph.Series, chart.AnnotationSeries{
			Name:        "Matches",
			Annotations: markers,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
