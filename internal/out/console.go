package out

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ggonzalez94/inference-cli/internal/lifecycle"
	"github.com/ggonzalez94/inference-cli/internal/walletrun"
)

// Console prints human-oriented run progress. Styling degrades to plain text
// when w is not a terminal.
type Console struct {
	w       io.Writer
	title   lipgloss.Style
	success lipgloss.Style
	timeout lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		success: r.NewStyle().Bold(true).Foreground(lipgloss.Color("34")),
		timeout: r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		failure: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("244")),
	}
}

// Prompt prints one finished prompt and its per-wallet outcomes.
func (c *Console) Prompt(pr walletrun.PromptReport) {
	if c == nil {
		return
	}
	header := fmt.Sprintf("prompt %d: %s", pr.Index+1, shorten(pr.Prompt, 60))
	_, _ = fmt.Fprintln(c.w, c.title.Render(header))
	for _, o := range pr.Outcomes {
		_, _ = fmt.Fprintln(c.w, "  "+c.outcomeLine(o))
	}
	elapsed := pr.FinishedAt.Sub(pr.StartedAt).Round(time.Millisecond)
	counts := fmt.Sprintf("  %d settled, %d pending, %d failed, %d skipped in %s",
		len(pr.Succeeded), len(pr.TimedOut), len(pr.Failed), len(pr.Skipped), elapsed)
	_, _ = fmt.Fprintln(c.w, c.muted.Render(counts))
}

func (c *Console) outcomeLine(o lifecycle.Outcome) string {
	wallet := shortAddress(o.Wallet)
	switch o.Kind {
	case lifecycle.KindSuccess:
		return fmt.Sprintf("%s %s %s %s", c.success.Render("ok     "), wallet, o.Status, c.muted.Render(o.TxHash))
	case lifecycle.KindTimeout:
		return fmt.Sprintf("%s %s still pending after %d polls", c.timeout.Render("pending"), wallet, o.PollAttempts)
	case lifecycle.KindSkipped:
		return fmt.Sprintf("%s %s %s", c.muted.Render("skipped"), wallet, o.Reason)
	default:
		return fmt.Sprintf("%s %s %s: %s", c.failure.Render("failed "), wallet, o.Stage, o.Reason)
	}
}

// Summary prints run totals. runID may be empty when history is unavailable.
func (c *Console) Summary(report walletrun.Report, runID string) {
	if c == nil {
		return
	}
	t := report.Totals
	line := fmt.Sprintf("%d units: %d settled, %d pending, %d failed, %d skipped",
		t.Units, t.Succeeded, t.TimedOut, t.Failed, t.Skipped)
	style := c.success
	switch {
	case report.Cancelled || t.Failed > 0:
		style = c.failure
	case t.TimedOut > 0:
		style = c.timeout
	}
	_, _ = fmt.Fprintln(c.w, style.Render(line))
	if report.Cancelled {
		_, _ = fmt.Fprintln(c.w, c.failure.Render("run cancelled before all prompts finished"))
	}
	if runID != "" {
		_, _ = fmt.Fprintln(c.w, c.muted.Render("run "+runID))
	}
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func shorten(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
