package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"taskrelay/internal/task"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
}

func errorText(msg string) string { return red("error: " + msg) }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) string {
	// Task, workflow and step statuses share these names.
	switch status {
	case "completed":
		return green(status)
	case "failed":
		return red(status)
	case "cancelled", "skipped":
		return gray(status)
	case "processing", "running":
		return cyan(status)
	default:
		return yellow(status)
	}
}

func printTask(w io.Writer, t task.Task) {
	progress := ""
	if t.Progress != nil {
		progress = fmt.Sprintf(" %3d%%", *t.Progress)
	}
	line := fmt.Sprintf("%-28s %-10s %s%s", t.ID, t.Type, statusColor(string(t.Status)), progress)
	if t.ExecutionPhase != "" && !t.Status.IsTerminal() {
		line += gray(" (" + string(t.ExecutionPhase) + ")")
	}
	if t.Result != nil && t.Result.URL != "" {
		line += " " + t.Result.URL
	}
	if t.Error != nil {
		line += " " + red(t.Error.Error())
	}
	fmt.Fprintln(w, line)
}

// printEvent renders one broadcast on a single line.
func printEvent(w io.Writer, event string, data json.RawMessage) {
	stamp := gray(time.Now().Format("15:04:05.000"))
	payload := truncate(strings.TrimSpace(string(data)), max(40, terminalWidth()-len(event)-14))
	fmt.Fprintf(w, "%s %s %s\n", stamp, bold(event), payload)
}

// terminalWidth is used to truncate long lines on interactive terminals.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 120
}

func truncate(s string, n int) string {
	if n <= 1 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
