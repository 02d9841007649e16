// Package diagplot renders annealing diagnostics charts from step reports.
package diagplot

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"gibbstrack/pkg/annealing"
)

var (
	particleColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	connectionColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	fiberColor      = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	acceptColor     = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// SaveRunChart writes two charts for a run: the population counts per step
// to path, and the acceptance ratio and temperature per step next to it with
// an "_acceptance" suffix. It returns the files written.
func SaveRunChart(reports []annealing.StepReport, path string) ([]string, error) {
	if len(reports) == 0 {
		return nil, errors.New("no step reports to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	runID := reports[0].RunID
	particles := make(plotter.XYs, len(reports))
	connections := make(plotter.XYs, len(reports))
	fibers := make(plotter.XYs, len(reports))
	acceptance := make(plotter.XYs, len(reports))
	temperature := make(plotter.XYs, len(reports))
	for i, r := range reports {
		x := float64(r.Step)
		particles[i] = plotter.XY{X: x, Y: float64(r.Particles)}
		connections[i] = plotter.XY{X: x, Y: float64(r.Connections)}
		fibers[i] = plotter.XY{X: x, Y: float64(r.Fibers)}
		acceptance[i] = plotter.XY{X: x, Y: r.AcceptanceRatio}
		temperature[i] = plotter.XY{X: x, Y: r.Temperature / reports[0].Temperature}
	}

	pCounts := plot.New()
	pCounts.Title.Text = fmt.Sprintf("Run %s - Population", shortID(runID))
	pCounts.X.Label.Text = "Step"
	pCounts.Y.Label.Text = "Count"
	if err := addLines(pCounts, []series{
		{"particles", particles, particleColor},
		{"connections", connections, connectionColor},
		{"fibers", fibers, fiberColor},
	}); err != nil {
		return nil, err
	}

	pAccept := plot.New()
	pAccept.Title.Text = fmt.Sprintf("Run %s - Acceptance", shortID(runID))
	pAccept.X.Label.Text = "Step"
	pAccept.Y.Label.Text = "Ratio"
	pAccept.Y.Min = 0
	pAccept.Y.Max = 1
	if err := addLines(pAccept, []series{
		{"acceptance ratio", acceptance, acceptColor},
		{"T / T0", temperature, particleColor},
	}); err != nil {
		return nil, err
	}

	acceptPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_acceptance" + filepath.Ext(path)
	if err := pCounts.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := pAccept.Save(10*vg.Inch, 5*vg.Inch, acceptPath); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", acceptPath, err)
	}
	return []string{path, acceptPath}, nil
}

type series struct {
	label string
	pts   plotter.XYs
	color color.Color
}

func addLines(p *plot.Plot, lines []series) error {
	for _, s := range lines {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
