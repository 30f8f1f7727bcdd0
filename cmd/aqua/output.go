package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aqua/pkg/protocol"
)

// jsonOutput reports whether machine-readable output was requested,
// via the --json flag or the AQUA_JSON environment variable. AI agents
// set the variable once instead of threading the flag through every
// invocation.
func jsonOutput(cmd *cobra.Command) bool {
	if v, err := cmd.Flags().GetBool("json"); err == nil && v {
		return true
	}
	return os.Getenv("AQUA_JSON") == "1"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// newTable returns a tabwriter configured the same way for every
// command that prints columns.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// shortRef truncates an id for table display.
func shortRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// age renders how long ago an aqua timestamp was, compactly.
func age(stamp string) string {
	if stamp == "" {
		return "-"
	}
	t, err := protocol.ParseTime(stamp)
	if err != nil {
		return stamp
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// orDash substitutes "-" for empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
