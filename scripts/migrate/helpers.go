package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"time"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func isUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// deterministicUUID derives a version-5 style UUID from name with SHA-256,
// so re-running the import maps a dashboard name to the same id.
func deterministicUUID(name string) string {
	h := sha256.Sum256([]byte("dashsync:" + name))
	h[6] = (h[6] & 0x0f) | 0x50
	h[8] = (h[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}

// parseTime parses a SQLite datetime string to time.Time.
func parseTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		slog.Warn("unparseable time, using now", "value", s)
		return time.Now().UTC()
	}
	return t.UTC()
}

// normalizeJSON returns s when it holds a JSON object, otherwise def.
func normalizeJSON(s sql.NullString, def string) string {
	if !s.Valid || s.String == "" {
		return def
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal([]byte(s.String), &obj) != nil {
		slog.Warn("invalid JSON object, using default", "value", s.String)
		return def
	}
	return s.String
}

// sanitizeURL removes credentials from a database URL for display.
func sanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable URL]"
	}
	u.User = nil
	return u.String()
}

// envOr returns the environment variable value or a default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printReport outputs the final import summary.
func printReport(r *report) {
	fmt.Println()
	fmt.Println("=== dashsync Widget Import Report ===")
	if r.DryRun {
		fmt.Println("MODE: DRY RUN (no changes made)")
	}
	fmt.Printf("Source: %s\n", r.Source)
	fmt.Printf("Target: %s\n", r.Target)
	fmt.Printf("Dashboards: %d\n", r.Dashboards)
	fmt.Println()
	fmt.Printf("Widgets: %d read → %d inserted (%d skipped) → %d verified %s\n",
		r.WidgetsRead, r.WidgetsInserted, len(r.Skipped), r.WidgetsVerified,
		statusIcon(r.WidgetsRead-len(r.Skipped), r.WidgetsVerified, r.DryRun))

	if len(r.Skipped) > 0 {
		fmt.Println("\nSkipped widgets:")
		for _, s := range r.Skipped {
			fmt.Printf("  - %s (reason: %s)\n", s.ID, s.Reason)
		}
	}

	if len(r.SpotChecks) > 0 {
		fmt.Println("\nSpot checks:")
		for _, c := range r.SpotChecks {
			fmt.Printf("  %s\n", c)
		}
	}

	fmt.Printf("\nDuration: %.1fs\n", r.Duration.Seconds())
	if r.Err != nil {
		fmt.Printf("Status: FAILED: %v\n", r.Err)
	} else {
		fmt.Println("Status: SUCCESS")
	}
}

// statusIcon compares the importable row count with what PostgreSQL holds.
// Pre-existing ids count as verified.
func statusIcon(expected, verified int, dryRun bool) string {
	switch {
	case dryRun:
		return "⏳"
	case expected == verified:
		return "✅"
	default:
		return "❌"
	}
}
