package main

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/runner"
	"github.com/schollz/progressbar/v3"
	"strings"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(20)
	boxStyle   = lipgloss.NewStyle().Margin(1, 2).Padding(0, 1).
			Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("99"))
)

// summary of a training, validation or inference run.
type summary struct {
	Name        string
	Task        string
	Steps       int
	Samples     int
	Duration    float64
	Throughput  float64
	NumSaves    int
	ResultsPath string
}

func newSummary(name string, it *metrics.Iteration, opts *options.Options) *summary {
	s := &summary{
		Name:    name,
		Task:    opts.Config.Task.String(),
		Steps:   it.Count - it.StartEpoch*it.StepsPerEpoch,
		Samples: (it.Count - it.StartEpoch*it.StepsPerEpoch) * it.SamplesPerStep,
	}
	if it.Durations.Len() > 0 {
		s.Duration = metrics.Mean(it.Durations)
		s.Throughput = float64(it.SamplesPerStep) / s.Duration
	}
	return s
}

func (s *summary) render() string {
	var lines []string
	add := func(label, value string) {
		lines = append(lines, labelStyle.Render(label)+value)
	}
	lines = append(lines, titleStyle.Render(s.Name+" ("+s.Task+")"))
	add("Steps", humanize.Comma(int64(s.Steps)))
	add("Samples", humanize.Comma(int64(s.Samples)))
	if s.Duration > 0 {
		add("Step duration", fmt.Sprintf("%.4f s", s.Duration))
		add("Throughput", fmt.Sprintf("%s samples/s", humanize.CommafWithDigits(s.Throughput, 1)))
	}
	if s.NumSaves > 0 {
		add("Models saved", humanize.Comma(int64(s.NumSaves)))
	}
	if s.ResultsPath != "" {
		add("Results", s.ResultsPath)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderSummaries(summaries []*summary) string {
	parts := make([]string, len(summaries))
	for ii, s := range summaries {
		parts[ii] = s.render()
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// progressBar displays the progress of the steps. A nil progressBar is valid and does nothing.
type progressBar struct {
	bar *progressbar.ProgressBar
}

func (p *progressBar) finish() {
	if p != nil {
		_ = p.bar.Finish()
	}
}

// progressHooks returns the hooks updating a progress bar of numSteps steps, if opts.Progress is set.
func progressHooks(opts *options.Options, numSteps int, description string) (runner.Hooks, *progressBar) {
	if !opts.Progress {
		return runner.Hooks{}, nil
	}
	p := &progressBar{bar: progressbar.Default(int64(numSteps), description)}
	return runner.Hooks{
		OnStep: func(*metrics.Iteration) { _ = p.bar.Add(1) },
	}, p
}
