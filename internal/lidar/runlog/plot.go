package runlog

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	durationColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	averageColor  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	inputColor    = color.RGBA{R: 127, G: 127, B: 127, A: 255}
	filteredColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// PlotFrames renders the per-frame filter timing and point counts of a run
// as two PNG files under outputDir and returns their paths.
func PlotFrames(frames []FrameRow, outputDir, prefix string) ([]string, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to plot")
	}

	durPts := make(plotter.XYs, len(frames))
	avgPts := make(plotter.XYs, len(frames))
	inPts := make(plotter.XYs, len(frames))
	keptPts := make(plotter.XYs, len(frames))
	for i, f := range frames {
		x := float64(f.Index)
		durPts[i] = plotter.XY{X: x, Y: f.FilterDuration.Seconds() * 1000}
		avgPts[i] = plotter.XY{X: x, Y: f.AverageDuration * 1000}
		inPts[i] = plotter.XY{X: x, Y: float64(f.InputPoints)}
		keptPts[i] = plotter.XY{X: x, Y: float64(f.FilteredPoints)}
	}

	pTiming := plot.New()
	pTiming.Title.Text = "Filter duration"
	pTiming.X.Label.Text = "Frame"
	pTiming.Y.Label.Text = "Duration (ms)"
	if err := addLine(pTiming, "per frame", durPts, durationColor); err != nil {
		return nil, err
	}
	if err := addLine(pTiming, "running average", avgPts, averageColor); err != nil {
		return nil, err
	}

	pPoints := plot.New()
	pPoints.Title.Text = "Points per frame"
	pPoints.X.Label.Text = "Frame"
	pPoints.Y.Label.Text = "Points"
	if err := addLine(pPoints, "input", inPts, inputColor); err != nil {
		return nil, err
	}
	if err := addLine(pPoints, "kept", keptPts, filteredColor); err != nil {
		return nil, err
	}

	timingFile := filepath.Join(outputDir, prefix+"_timing.png")
	if err := pTiming.Save(14*vg.Inch, 6*vg.Inch, timingFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", timingFile, err)
	}
	pointsFile := filepath.Join(outputDir, prefix+"_points.png")
	if err := pPoints.Save(14*vg.Inch, 6*vg.Inch, pointsFile); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", pointsFile, err)
	}
	return []string{timingFile, pointsFile}, nil
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create %s line: %w", name, err)
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}
