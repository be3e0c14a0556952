package hoard

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/pkg/blackboard"
)

// OutputFormat specifies how to format the artifact list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated payloads
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete artifacts as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ListArtifacts pages through the blackboard in store order and writes every
// artifact matching criteria. A nil criteria lists everything.
func ListArtifacts(ctx context.Context, board *blackboard.Blackboard, instanceName string, format OutputFormat, criteria *filter.Criteria, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSONL {
		return fmt.Errorf("unknown output format: %s", format)
	}
	if criteria == nil {
		criteria = &filter.Criteria{}
	}

	q := criteria.Query()
	q.Limit = blackboard.MaxPageSize

	var artifacts []*blackboard.Artifact
	for {
		page, err := board.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, a := range page.Artifacts {
			if criteria.Matches(a) {
				artifacts = append(artifacts, a)
			}
		}
		if page.NextCursor == 0 {
			break
		}
		q.Cursor = page.NextCursor
	}

	switch format {
	case OutputFormatJSONL:
		if err := FormatJSONL(w, artifacts); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		FormatTable(w, artifacts, instanceName, board.Now())
	}
	return nil
}
