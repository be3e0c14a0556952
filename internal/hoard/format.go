// Package hoard renders blackboard contents for the CLI.
package hoard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/flock/pkg/blackboard"
)

// FormatTable writes artifacts as a formatted table to the provided writer.
// The table includes columns: ID, SEQ, TYPE, BY, VISIBILITY, AGE and PAYLOAD (truncated).
// Returns the number of artifacts formatted.
func FormatTable(w io.Writer, artifacts []*blackboard.Artifact, instanceName string, now time.Time) int {
	if len(artifacts) == 0 {
		fmt.Fprintf(w, "No artifacts found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Artifacts for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-10s %-6s %-20s %-16s %-12s %-8s %s\n",
		"ID", "SEQ", "TYPE", "BY", "VISIBILITY", "AGE", "PAYLOAD")
	fmt.Fprintf(w, "%-10s %-6s %-20s %-16s %-12s %-8s %s\n",
		"----------", "------", "--------------------", "----------------", "------------", "--------", "----------------------------------------")

	for _, a := range artifacts {
		fmt.Fprintf(w, "%-10s %-6d %-20s %-16s %-12s %-8s %s\n",
			formatID(a.ID),
			a.Seq,
			formatType(a.Type),
			formatProducer(a.Producer),
			formatVisibility(a.Visibility),
			formatAge(a.CreatedAt, now),
			formatPayload(a.Payload),
		)
	}

	countMsg := "artifact"
	if len(artifacts) != 1 {
		countMsg = "artifacts"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(artifacts), countMsg)

	return len(artifacts)
}

// FormatJSONL writes artifacts as line-delimited JSON (JSONL), one per line.
func FormatJSONL(w io.Writer, artifacts []*blackboard.Artifact) error {
	for _, a := range artifacts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes a single artifact as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, a *blackboard.Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatID truncates artifact ID to first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatType shortens the failure type and truncates long names.
func formatType(typeName string) string {
	if typeName == blackboard.FailureType {
		return "Failure"
	}
	if len(typeName) > 20 {
		return typeName[:17] + "..."
	}
	return typeName
}

// formatPayload compacts the JSON payload onto one line of at most 40 characters.
func formatPayload(payload json.RawMessage) string {
	if len(bytes.TrimSpace(payload)) == 0 {
		return "-"
	}

	var buf bytes.Buffer
	line := string(payload)
	if err := json.Compact(&buf, payload); err == nil {
		line = buf.String()
	}

	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}

func formatProducer(producer string) string {
	if producer == "" {
		return "-"
	}
	if len(producer) > 16 {
		return producer[:13] + "..."
	}
	return producer
}

func formatVisibility(v blackboard.Visibility) string {
	s := v.String()
	if len(s) > 12 {
		return s[:9] + "..."
	}
	return s
}

// formatAge shows relative time like "2m ago", "1h ago".
func formatAge(createdAt, now time.Time) string {
	if createdAt.IsZero() {
		return "-"
	}

	diff := now.Sub(createdAt)
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
