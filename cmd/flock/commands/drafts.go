package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/flock/pkg/blackboard"
)

// parseDraftArg parses TYPE=JSON. An empty payload defaults to {}.
func parseDraftArg(arg string) (blackboard.Draft, error) {
	typ, payload, found := strings.Cut(arg, "=")
	typ = strings.TrimSpace(typ)
	if !found || typ == "" {
		return blackboard.Draft{}, fmt.Errorf("expected TYPE=JSON, got %q", arg)
	}
	return newDraft(typ, payload)
}

func newDraft(typ, payload string) (blackboard.Draft, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return blackboard.Draft{}, fmt.Errorf("payload for %s is not valid JSON", typ)
	}
	return blackboard.Draft{Type: typ, Payload: json.RawMessage(payload)}, nil
}

// readDrafts decodes one JSON draft per line. Blank lines are skipped.
func readDrafts(r io.Reader) ([]blackboard.Draft, error) {
	var drafts []blackboard.Draft
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var d blackboard.Draft
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if d.Type == "" {
			return nil, fmt.Errorf("line %d: type is required", line)
		}
		if len(d.Payload) == 0 {
			d.Payload = json.RawMessage("{}")
		}
		drafts = append(drafts, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read drafts: %w", err)
	}
	return drafts, nil
}
