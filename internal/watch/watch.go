// Package watch streams blackboard activity as it happens.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/flock/internal/filter"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/fatih/color"
)

// OutputFormat specifies how events are rendered.
type OutputFormat string

const (
	// OutputFormatDefault prints one human-readable line per event.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints each artifact as a JSON line.
	OutputFormatJSON OutputFormat = "json"
)

// DefaultPollInterval is used by StreamActivity for backends without events.
const DefaultPollInterval = 200 * time.Millisecond

// Source delivers appended artifacts. *blackboard.EventSubscription implements it.
type Source interface {
	Events() <-chan *blackboard.Artifact
	Errors() <-chan error
}

type eventSubscriber interface {
	SubscribeArtifactEvents(ctx context.Context) (*blackboard.EventSubscription, error)
}

var (
	typeColor    = color.New(color.FgCyan)
	failureColor = color.New(color.FgRed, color.Bold)
)

// StreamActivity writes every new artifact matching criteria until ctx is
// cancelled. Backends with a Pub/Sub channel are followed live; others are
// polled from the current end of the log.
func StreamActivity(ctx context.Context, board *blackboard.Blackboard, criteria *filter.Criteria, format OutputFormat, w io.Writer) error {
	if subscriber, ok := board.Backend().(eventSubscriber); ok {
		sub, err := subscriber.SubscribeArtifactEvents(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to artifact events: %w", err)
		}
		defer sub.Close()
		return Stream(ctx, sub, criteria, format, w)
	}

	last, err := LastSeq(ctx, board)
	if err != nil {
		return err
	}
	return Poll(ctx, board, last, DefaultPollInterval, criteria, format, w)
}

// Stream writes artifacts from src until ctx is cancelled or src closes.
// Subscription errors are reported inline and do not stop the stream.
func Stream(ctx context.Context, src Source, criteria *filter.Criteria, format OutputFormat, w io.Writer) error {
	errs := src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  event stream error: %v\n", err)
		case a, ok := <-src.Events():
			if !ok {
				return nil
			}
			if criteria != nil && !criteria.Matches(a) {
				continue
			}
			if err := WriteEvent(w, a, format); err != nil {
				return err
			}
		}
	}
}

// Poll follows the log from afterSeq, checking for new artifacts every interval.
func Poll(ctx context.Context, board *blackboard.Blackboard, afterSeq int64, interval time.Duration, criteria *filter.Criteria, format OutputFormat, w io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := afterSeq
	for {
		for {
			page, err := board.Query(ctx, blackboard.Query{Cursor: cursor, Limit: blackboard.MaxPageSize})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to poll artifacts: %w", err)
			}
			for _, a := range page.Artifacts {
				cursor = a.Seq
				if criteria != nil && !criteria.Matches(a) {
					continue
				}
				if err := WriteEvent(w, a, format); err != nil {
					return err
				}
			}
			if page.NextCursor == 0 {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// LastSeq returns the sequence number of the newest artifact, or zero.
func LastSeq(ctx context.Context, board *blackboard.Blackboard) (int64, error) {
	var last int64
	q := blackboard.Query{Limit: blackboard.MaxPageSize}
	for {
		page, err := board.Query(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("failed to read log position: %w", err)
		}
		if n := len(page.Artifacts); n > 0 {
			last = page.Artifacts[n-1].Seq
		}
		if page.NextCursor == 0 {
			return last, nil
		}
		q.Cursor = page.NextCursor
	}
}

// WaitForArtifact polls until an artifact matching q exists.
// Polls every 200ms for the specified timeout duration.
func WaitForArtifact(ctx context.Context, board *blackboard.Blackboard, q blackboard.Query, timeout time.Duration) (*blackboard.Artifact, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	q.Limit = 1

	for {
		page, err := board.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to query for artifact: %w", err)
		}
		if len(page.Artifacts) > 0 {
			return page.Artifacts[0], nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for artifact after %v", timeout)
		case <-ticker.C:
		}
	}
}

// WriteEvent renders one artifact in the requested format.
func WriteEvent(w io.Writer, a *blackboard.Artifact, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	ts := a.CreatedAt.UTC().Format("15:04:05")
	if a.Type == blackboard.FailureType {
		var f blackboard.Failure
		if err := a.Decode(&f); err == nil {
			_, err := fmt.Fprintf(w, "[%s] %s agent=%s, subscription=%s, kind=%s, error=%s\n",
				ts, failureColor.Sprint("❌ Invocation failed:"), f.Agent, f.Subscription, f.Kind, f.Error)
			return err
		}
	}

	id := a.ID
	if len(id) > 8 {
		id = id[:8]
	}
	_, err := fmt.Fprintf(w, "[%s] ✨ Artifact created: type=%s, by=%s, id=%s, seq=%d\n",
		ts, typeColor.Sprint(a.Type), a.Producer, id, a.Seq)
	return err
}
