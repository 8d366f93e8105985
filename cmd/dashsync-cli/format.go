package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/persistorai/dashsync/internal/collab"
)

func formatJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode json: %v\n", err)
		os.Exit(1)
	}
}

func formatTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts[i] = fmt.Sprintf("%-*s", w, cell)
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	printRow(headers)
	seps := make([]string, len(headers))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	printRow(seps)
	for _, row := range rows {
		printRow(row)
	}
}

func output(v any, quietVal string) {
	switch flagFmt {
	case "quiet":
		fmt.Println(quietVal)
	default:
		formatJSON(v)
	}
}

// widgetRow is one table line: id, type, text, version, last update.
type widgetRow struct {
	ID        string
	Type      string
	Text      string
	Version   int64
	UpdatedAt time.Time
}

func printWidgets(rows []widgetRow, now time.Time) {
	table := make([][]string, len(rows))
	for i, r := range rows {
		table[i] = []string{r.ID, r.Type, truncate(r.Text, 40), "v" + strconv.FormatInt(r.Version, 10), timeAgo(r.UpdatedAt, now)}
	}
	formatTable([]string{"ID", "TYPE", "TEXT", "VERSION", "UPDATED"}, table)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// timeAgo renders t relative to now: "just now", "5 minutes ago",
// "3 hours ago", "2 days ago", then a calendar date after a month.
func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}

	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d < 30*24*time.Hour:
		return plural(int(d/(24*time.Hour)), "day")
	default:
		return t.Format("Jan 2, 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return strconv.Itoa(n) + " " + unit + "s ago"
}

// statusLine is the one-line save indicator shown under an edited widget.
func statusLine(st collab.EditStatus, now time.Time) string {
	switch st.State {
	case collab.StateDirty, collab.StateSaving:
		return "Saving..."
	case collab.StateConflict:
		return "Conflict! Refresh to see latest"
	case collab.StateRemoved:
		return "Deleted by someone else"
	}

	if st.Err != nil {
		return "Save failed: " + st.Err.Error()
	}

	line := "Saved • v" + strconv.FormatInt(st.BaseVersion, 10)
	if st.Widget != nil {
		line += " • " + timeAgo(st.Widget.UpdatedAt, now)
	}

	return line
}
