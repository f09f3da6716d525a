// Package report draws buffer statistics as png plots and summarises them for logs.
package report

import (
	"errors"
	"image/color"
	"os"
	"path/filepath"

	"github.com/zeu5/rollout-buffer/buffer"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var ErrNoData = errors.New("nothing to plot")

const histogramBins = 32

// Summary describes a set of values
type Summary struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
}

func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Summary{
		Count: len(values),
		Mean:  mean,
		Std:   std,
		Min:   floats.Min(values),
		Max:   floats.Max(values),
	}
}

// MarshalLogObject lets a Summary be logged with zap.Object
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("count", s.Count)
	enc.AddFloat64("mean", s.Mean)
	enc.AddFloat64("std", s.Std)
	enc.AddFloat64("min", s.Min)
	enc.AddFloat64("max", s.Max)
	return nil
}

// MaskedColumnMeans averages every column of d over its masked rows.
// Columns without a masked entry are left out.
func MaskedColumnMeans(d *mat.Dense, masks func(i, j int) bool) plotter.XYs {
	rows, cols := d.Dims()
	points := make(plotter.XYs, 0, cols)
	column := make([]float64, 0, rows)
	for j := 0; j < cols; j++ {
		column = column[:0]
		for i := 0; i < rows; i++ {
			if masks(i, j) {
				column = append(column, d.At(i, j))
			}
		}
		if len(column) == 0 {
			continue
		}
		points = append(points, plotter.XY{X: float64(j), Y: stat.Mean(column, nil)})
	}
	return points
}

// PlotAdvantages draws the mean advantage and mean return of every token
// position, over masked tokens only
func PlotAdvantages(buf *buffer.RolloutBuffer, path string) error {
	masks := buf.ActionMasks()
	p := plot.New()
	p.Title.Text = "Advantages"
	p.X.Label.Text = "Token position"
	p.Y.Label.Text = "Mean over masked tokens"

	series := []struct {
		name string
		data *mat.Dense
	}{
		{"advantage", buf.Advantages()},
		{"return", buf.Returns()},
	}
	for i, s := range series {
		points := MaskedColumnMeans(s.data, masks.At)
		if len(points) == 0 {
			return ErrNoData
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())
	return save(p, path)
}

// PlotLogpsHistogram draws the distribution of token log-probs
func PlotLogpsHistogram(logps []float64, path string) error {
	if len(logps) == 0 {
		return ErrNoData
	}
	p := plot.New()
	p.Title.Text = "Token log-probs"
	p.X.Label.Text = "log p"
	p.Y.Label.Text = "Tokens"

	hist, err := plotter.NewHist(plotter.Values(logps), histogramBins)
	if err != nil {
		return err
	}
	hist.FillColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	p.Add(hist)
	return save(p, path)
}

func save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 8*vg.Inch, path)
}
