package migration

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/danmuck/migratectl/internal/artifact"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/lock"
	"github.com/dustin/go-humanize"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomePartial     Outcome = "partial"
	OutcomeFatal       Outcome = "fatal"
	OutcomeLockHeld    Outcome = "lock_held"
	OutcomeInterrupted Outcome = "interrupted"
)

// Process exit codes.
const (
	ExitComplete    = 0
	ExitPartial     = 1
	ExitFatal       = 2
	ExitLockHeld    = 3
	ExitInterrupted = 130
)

func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeComplete:
		return ExitComplete
	case OutcomePartial:
		return ExitPartial
	case OutcomeLockHeld:
		return ExitLockHeld
	case OutcomeInterrupted:
		return ExitInterrupted
	}
	return ExitFatal
}

// OutcomeOf maps an error returned before or during a run to an outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, lock.ErrLockHeld):
		return OutcomeLockHeld
	case errors.Is(err, ErrInterrupted):
		return OutcomeInterrupted
	}
	return OutcomeFatal
}

// Summary is the per-artifact report of one run.
type Summary struct {
	RunID            string
	Project          string
	Direction        artifact.Direction
	Outcome          Outcome
	Records          []artifact.Record
	BytesTransferred int64
	StartedAt        time.Time
	Duration         time.Duration
	Err              error
}

// Counts tallies records by status.
func (s Summary) Counts() map[artifact.Status]int {
	out := map[artifact.Status]int{}
	for _, rec := range s.Records {
		out[rec.Status]++
	}
	return out
}

// Failed returns the records that did not complete with a captured cause.
func (s Summary) Failed() []artifact.Record {
	var out []artifact.Record
	for _, rec := range s.Records {
		if rec.Status == artifact.StatusFailed {
			out = append(out, rec)
		}
	}
	return out
}

func (s Summary) ExitCode() int {
	return s.Outcome.ExitCode()
}

var (
	summaryTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	summaryMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	summaryOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	summaryErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	summaryWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	summaryPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusStyle(status artifact.Status) lipgloss.Style {
	switch status {
	case artifact.StatusCompleted:
		return summaryOKStyle
	case artifact.StatusFailed:
		return summaryErrorStyle
	}
	return summaryWarnStyle
}

func outcomeStyle(o Outcome) lipgloss.Style {
	switch o {
	case OutcomeComplete:
		return summaryOKStyle
	case OutcomePartial, OutcomeInterrupted:
		return summaryWarnStyle
	}
	return summaryErrorStyle
}

// Render writes the summary panel followed by one line per record.
func (s Summary) Render(w io.Writer) error {
	counts := s.Counts()
	head := []string{
		summaryTitleStyle.Render(fmt.Sprintf("%s %s", s.Direction, s.Project)),
		fmt.Sprintf("outcome   %s", outcomeStyle(s.Outcome).Render(string(s.Outcome))),
		fmt.Sprintf("records   %d completed, %d failed, %d pending",
			counts[artifact.StatusCompleted], counts[artifact.StatusFailed],
			counts[artifact.StatusPending]+counts[artifact.StatusInProgress]),
		fmt.Sprintf("files     %s transferred", humanize.Bytes(uint64(max(s.BytesTransferred, 0)))),
		summaryMutedStyle.Render(fmt.Sprintf("run %s in %s", s.RunID, s.Duration.Round(time.Millisecond))),
	}
	if s.Err != nil {
		head = append(head, summaryErrorStyle.Render("error     "+s.Err.Error()))
	}

	var b strings.Builder
	b.WriteString(summaryPanelStyle.Render(strings.Join(head, "\n")))
	b.WriteString("\n")
	for _, rec := range s.Records {
		status := statusStyle(rec.Status).Render(fmt.Sprintf("%-11s", rec.Status))
		line := fmt.Sprintf("%s %-12s %s", status, rec.Kind, rec.Name)
		if rec.TargetID != "" {
			line += summaryMutedStyle.Render(" -> " + rec.TargetID)
		}
		b.WriteString(line + "\n")
		if rec.Status == artifact.StatusFailed && rec.LastError != "" {
			b.WriteString(summaryMutedStyle.Render(fmt.Sprintf("    %s: %s", rec.Key, rec.LastError)) + "\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ExitCode maps a run result to the process exit code.
func ExitCode(summary Summary, err error) int {
	var cerr *config.ConfigurationError
	if errors.As(err, &cerr) {
		return ExitFatal
	}
	if summary.Outcome == "" {
		return OutcomeOf(err).ExitCode()
	}
	return summary.Outcome.ExitCode()
}
