// Package cli renders training progress and results on the terminal.
//
// Progress lines are only drawn when the output is a terminal; otherwise only the epoch
// summaries are printed, without colors.
package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/othelloGo/internal/ai"
	"github.com/janpfeifer/othelloGo/internal/trainer"
	"golang.org/x/term"
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	lossStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	doneStyle    = lipgloss.NewStyle().
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
)

// UI prints training progress to a writer.
type UI struct {
	out   io.Writer
	isTTY bool
	width int
	start time.Time
}

// New creates a UI writing to os.Stdout.
func New() *UI {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a UI writing to out. Colors and progress lines are only used if out is a terminal.
func NewWithWriter(out io.Writer) *UI {
	ui := &UI{out: out, start: time.Now()}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		ui.isTTY = true
		ui.width, _, _ = term.GetSize(int(f.Fd()))
	}
	return ui
}

func (ui *UI) render(style lipgloss.Style, s string) string {
	if !ui.isTTY {
		return s
	}
	return style.Render(s)
}

// fit truncates line to the terminal width, if known.
func (ui *UI) fit(line string) string {
	if ui.width <= 0 || displayWidth(line) <= ui.width {
		return line
	}
	plain := []rune(ansiFilter.ReplaceAllString(line, ""))
	return string(plain[:ui.width-1])
}

// Title prints a highlighted header line.
func (ui *UI) Title(format string, args ...any) {
	_, _ = fmt.Fprintln(ui.out, ui.render(titleStyle, fmt.Sprintf(format, args...)))
}

// Batch updates the progress line with the moving average of the losses of the epoch.
// It's a no-op if the output is not a terminal.
func (ui *UI) Batch(epoch, numEpochs int, metrics *trainer.Metrics, numBatches int) {
	if !ui.isTTY {
		return
	}
	line := fmt.Sprintf("\tEpoch %d/%d: batch %d/%d, ~loss: %s, elapsed=%s",
		epoch, numEpochs, metrics.NumBatches, numBatches,
		ui.render(lossStyle, formatLosses(metrics.Average)),
		time.Since(ui.start).Round(time.Second))
	_, _ = fmt.Fprintf(ui.out, "\r%s\x1b[0K", ui.fit(line))
}

// Epoch prints the summary of an epoch, replacing the progress line.
func (ui *UI) Epoch(summary trainer.EpochSummary) {
	if ui.isTTY {
		_, _ = fmt.Fprint(ui.out, "\r\x1b[0K")
	}
	parts := []string{
		fmt.Sprintf("Epoch %d/%d", summary.Epoch, summary.NumEpochs),
		ui.render(lossStyle, formatLosses(summary.Mean)),
		fmt.Sprintf("lr=%.3g", summary.LearningRate),
		fmt.Sprintf("%.1f samples/s", summary.SamplesPerSecond()),
		fmt.Sprintf("data wait %s / compute %s",
			summary.DataWait.Round(time.Millisecond), summary.Compute.Round(time.Millisecond)),
	}
	_, _ = fmt.Fprintln(ui.out, strings.Join(parts, " | "))
	if summary.LearningRateReduced() {
		_, _ = fmt.Fprintln(ui.out, ui.render(warningStyle,
			fmt.Sprintf("\tloss plateaued: learning rate reduced to %.3g", summary.NextLearningRate)))
	}
}

// Done prints the final message with the location of the exported artifact.
func (ui *UI) Done(path string) {
	_, _ = fmt.Fprintln(ui.out)
	_, _ = fmt.Fprintln(ui.out, ui.render(doneStyle,
		fmt.Sprintf("Model exported to %s (%s)", path, time.Since(ui.start).Round(time.Second))))
}

func formatLosses(losses ai.Losses) string {
	return fmt.Sprintf("total=%.4f policy=%.4f value=%.4f", losses.Total, losses.Policy, losses.Value)
}
