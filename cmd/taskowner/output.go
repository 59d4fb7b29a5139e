package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/taskowner/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// statusColor picks the color a task status is printed in.
func statusColor(status string) string {
	switch storage.TaskStatus(status) {
	case storage.StatusOwned:
		return colorCyan
	case storage.StatusCompleted:
		return colorGreen
	case storage.StatusEscalated:
		return colorRed
	default:
		return colorYellow
	}
}

// messages is where status lines go; stdout stays clean for data.
var messages io.Writer = os.Stderr

func notify(color, mark, format string, args []any) {
	fmt.Fprintln(messages, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notify(colorGreen, "✓", format, args) }
func printError(format string, args ...any)   { notify(colorRed, "✗", format, args) }
func printWarning(format string, args ...any) { notify(colorYellow, "⚠", format, args) }

// printStatus prints an indented "label: value" line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(messages, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
