package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/mosaic/pkg/canvas"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Out and ErrOut are where messages are written. Tests replace them.
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Out, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a warning message in yellow with a warning prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation, optional context
// details and suggestions to ErrOut, and returns a simple error for Cobra.
func Error(title string, explanation string, context map[string]string, suggestions ...string) error {
	red.Fprintf(ErrOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(ErrOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		fmt.Fprintf(ErrOut, "\n")
		for _, key := range sortedKeys(context) {
			fmt.Fprintf(ErrOut, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(ErrOut, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(ErrOut, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(ErrOut, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Won't be printed again due to SilenceErrors
	return fmt.Errorf("%s", title)
}

// Placement prints the outcome of a placement, colored by severity.
func Placement(res *canvas.PlacementResult) {
	switch {
	case res.Status == canvas.StatusOK:
		Success("Placed %d pixel(s), cooldown %s\n", res.CommittedCount, formatWait(res.WaitMs))
	case res.Status == canvas.StatusPixelProtected:
		Warning("Placed %d pixel(s), %d protected pixel(s) skipped, cooldown %s\n",
			res.CommittedCount, len(res.ProtectedOffsets), formatWait(res.WaitMs))
	case res.Status == canvas.StatusCooldownStackExhausted:
		Warning("Cooldown exhausted at pixel %d, retry in %s\n", res.CommittedCount, formatWait(res.WaitMs))
	default:
		red.Fprintf(Out, "✗ Placement rejected: %s\n", res.Status)
	}
}

// Table renders rows under header as an aligned table on Out.
func Table(header []string, rows [][]string) error {
	table := tablewriter.NewWriter(Out)

	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to add table row: %w", err)
		}
	}
	return table.Render()
}

func formatWait(ms int64) string {
	if ms <= 0 {
		return "none"
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
