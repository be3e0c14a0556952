// Package resolver expands short artifact ID prefixes into full UUIDs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/google/uuid"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// maxListed caps the matches shown by FormatAmbiguousError.
const maxListed = 10

// ResolveArtifactID resolves a short ID prefix to a full UUID.
//
// A full UUID is verified to exist and returned as-is. Shorter input must be
// at least MinShortIDLength characters and match exactly one artifact.
func ResolveArtifactID(ctx context.Context, board *blackboard.Blackboard, shortID string) (string, error) {
	if _, err := uuid.Parse(shortID); err == nil && len(shortID) == 36 {
		if _, err := board.Get(ctx, shortID); err != nil {
			if errors.Is(err, blackboard.ErrNotFound) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify artifact existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	prefix := strings.ToLower(shortID)
	var matches []string
	q := blackboard.Query{Limit: blackboard.MaxPageSize}
	for {
		page, err := board.Query(ctx, q)
		if err != nil {
			return "", fmt.Errorf("failed to search for artifact: %w", err)
		}
		for _, a := range page.Artifacts {
			if strings.HasPrefix(a.ID, prefix) {
				matches = append(matches, a.ID)
			}
		}
		if page.NextCursor == 0 {
			break
		}
		q.Cursor = page.NextCursor
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no artifacts matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no artifacts found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple artifacts matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d artifacts", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching UUIDs, up to ten.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d artifacts:\n", err.ShortID, len(err.Matches))

	for i, id := range err.Matches {
		if i == maxListed {
			fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-maxListed)
			break
		}
		fmt.Fprintf(&b, "  %s\n", id)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the artifact.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
