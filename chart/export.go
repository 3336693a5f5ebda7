package chart

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrNotEnoughSamples is returned when there are fewer than two samples to plot.
var ErrNotEnoughSamples = errors.New("at least two samples are required to render a chart")

var flowLineColor = drawing.Color{R: 13, G: 110, B: 253, A: 255}

func buildChart(samples []ProgressSample) (gochart.Chart, error) {
	if len(samples) < 2 {
		return gochart.Chart{}, ErrNotEnoughSamples
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s.Time)
		ys[i] = s.FlowRate
	}

	return gochart.Chart{
		Title:  "Real-time Flow Rate",
		Width:  800,
		Height: 400,
		Background: gochart.Style{
			Padding: gochart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16},
		},
		XAxis: gochart.XAxis{Name: "Tick"},
		YAxis: gochart.YAxis{
			Name:  "Water Flow Rate (ml/s)",
			Range: &gochart.ContinuousRange{Min: 0, Max: PeakFlowRate},
		},
		Series: []gochart.Series{
			gochart.ContinuousSeries{
				Name:    "Water Flow Rate (ml/s)",
				XValues: xs,
				YValues: ys,
				Style: gochart.Style{
					StrokeColor: flowLineColor,
					StrokeWidth: 2,
					FillColor:   flowLineColor.WithAlpha(26),
				},
			},
		},
	}, nil
}

// WriteSVG renders samples as an SVG line chart.
func WriteSVG(w io.Writer, samples []ProgressSample) error {
	ch, err := buildChart(samples)
	if err != nil {
		return err
	}
	if err := ch.Render(gochart.SVG, w); err != nil {
		return fmt.Errorf("failed to render svg chart: %w", err)
	}
	return nil
}

// WritePNG renders samples as a PNG line chart.
func WritePNG(w io.Writer, samples []ProgressSample) error {
	ch, err := buildChart(samples)
	if err != nil {
		return err
	}
	if err := ch.Render(gochart.PNG, w); err != nil {
		return fmt.Errorf("failed to render png chart: %w", err)
	}
	return nil
}

// ExportFile writes the chart to path, choosing PNG or SVG by extension.
func ExportFile(path string, samples []ProgressSample) error {
	if len(samples) < 2 {
		return ErrNotEnoughSamples
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = WritePNG(f, samples)
	default:
		err = WriteSVG(f, samples)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close chart file: %w", closeErr)
	}
	return err
}
