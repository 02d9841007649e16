package main

import (
	"fmt"
	"strings"
	"time"

	"gibbstrack/pkg/annealing"
)

// progressBar prints one line per temperature step with a visual bar,
// timing and the current population.
type progressBar struct {
	start time.Time
	width int
}

func newProgressBar() *progressBar {
	return &progressBar{start: time.Now(), width: 40}
}

func (p *progressBar) report(r annealing.StepReport) {
	numBars := int(r.PercentComplete / 100 * float64(p.width))

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < p.width; i++ {
		switch {
		case i < numBars:
			bar.WriteString("█")
		case i == numBars:
			bar.WriteString("▓")
		default:
			bar.WriteString("░")
		}
	}
	bar.WriteString("]")

	elapsed := time.Since(p.start)
	remaining := "0s"
	if r.PercentComplete > 0 && r.PercentComplete < 100 {
		left := elapsed.Seconds() * (100 - r.PercentComplete) / r.PercentComplete
		remaining = formatSeconds(left)
	}

	fmt.Printf("\r%s %5.1f%% step %d/%d | T=%.5f | accept %.3f | particles %d | connections %d | fibers %d | %s elapsed, %s left",
		bar.String(), r.PercentComplete, r.Step, r.Steps, r.Temperature, r.AcceptanceRatio,
		r.Particles, r.Connections, r.Fibers, formatSeconds(elapsed.Seconds()), remaining)
	if r.Step == r.Steps {
		fmt.Println()
	}
}

func formatSeconds(s float64) string {
	switch {
	case s < 60:
		return fmt.Sprintf("%.1fs", s)
	case s < 3600:
		return fmt.Sprintf("%.1fm", s/60)
	default:
		return fmt.Sprintf("%.1fh", s/3600)
	}
}
