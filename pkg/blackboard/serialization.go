package blackboard

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Set-valued and nested
// fields (tags, visibility) are JSON-encoded into single hash fields. The
// consumed-by set lives in its own Redis set so it can be updated atomically.

// ArtifactToHash converts an Artifact to a Redis hash.
func ArtifactToHash(a *Artifact) (map[string]interface{}, error) {
	tagsJSON, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	visibilityJSON, err := json.Marshal(a.Visibility)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal visibility: %w", err)
	}

	hash := map[string]interface{}{
		"id":              a.ID,
		"seq":             a.Seq,
		"type":            a.Type,
		"payload":         string(a.Payload),
		"producer":        a.Producer,
		"visibility":      string(visibilityJSON),
		"tags":            string(tagsJSON),
		"correlation_key": a.CorrelationKey,
		"created_at_ns":   a.CreatedAt.UnixNano(),
	}

	return hash, nil
}

// HashToArtifact converts a Redis hash back to an Artifact.
// ConsumedBy is left empty; callers fill it from the consumed set.
func HashToArtifact(hash map[string]string) (*Artifact, error) {
	seq, err := strconv.ParseInt(hash["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seq field: %w", err)
	}

	createdAtNs, err := strconv.ParseInt(hash["created_at_ns"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ns field: %w", err)
	}

	var tags []string
	if tagsJSON := hash["tags"]; tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	var visibility Visibility
	if visibilityJSON := hash["visibility"]; visibilityJSON != "" {
		if err := json.Unmarshal([]byte(visibilityJSON), &visibility); err != nil {
			return nil, fmt.Errorf("failed to unmarshal visibility: %w", err)
		}
	}

	return &Artifact{
		ID:             hash["id"],
		Seq:            seq,
		Type:           hash["type"],
		Payload:        json.RawMessage(hash["payload"]),
		Producer:       hash["producer"],
		Visibility:     visibility,
		Tags:           nonNil(tags),
		CorrelationKey: hash["correlation_key"],
		CreatedAt:      time.Unix(0, createdAtNs).UTC(),
		ConsumedBy:     []string{},
	}, nil
}

// nonNil ensures an empty slice instead of nil for consistent JSON output.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
