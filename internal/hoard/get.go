package hoard

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/google/uuid"
)

// GetArtifact retrieves a single artifact by ID and writes it as pretty-printed JSON.
func GetArtifact(ctx context.Context, board *blackboard.Blackboard, artifactID string, w io.Writer) error {
	if _, err := uuid.Parse(artifactID); err != nil {
		return fmt.Errorf("invalid artifact ID format: must be a valid UUID")
	}

	a, err := board.Get(ctx, artifactID)
	if err != nil {
		if errors.Is(err, blackboard.ErrNotFound) {
			return &ArtifactNotFoundError{ArtifactID: artifactID}
		}
		return fmt.Errorf("failed to fetch artifact: %w", err)
	}

	if err := FormatSingleJSON(w, a); err != nil {
		return fmt.Errorf("failed to format artifact: %w", err)
	}
	return nil
}

// ArtifactNotFoundError represents a specific "artifact not found" error.
type ArtifactNotFoundError struct {
	ArtifactID string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact with ID '%s' not found", e.ArtifactID)
}

// IsNotFound returns true if the error is an ArtifactNotFoundError.
func IsNotFound(err error) bool {
	var nf *ArtifactNotFoundError
	return errors.As(err, &nf)
}
