package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/flock/pkg/blackboard"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boardWith appends artifacts with fixed IDs straight into the backend.
func boardWith(t *testing.T, backend blackboard.Backend, ids ...string) *blackboard.Blackboard {
	t.Helper()
	for _, id := range ids {
		_, err := backend.Append(context.Background(), &blackboard.Artifact{
			ID:         id,
			Type:       "Note",
			Payload:    json.RawMessage(`{}`),
			Producer:   blackboard.ExternalProducer,
			Visibility: blackboard.Public(),
			Tags:       []string{},
			CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ConsumedBy: []string{},
		})
		require.NoError(t, err)
	}
	schemas := blackboard.NewSchemaRegistry()
	require.NoError(t, schemas.Register("Note"))
	return blackboard.New(backend, schemas)
}

const (
	idA = "abc12345-0000-4000-8000-000000000001"
	idB = "abc12399-0000-4000-8000-000000000002"
	idC = "def67890-0000-4000-8000-000000000003"
)

func TestResolveArtifactID(t *testing.T) {
	ctx := context.Background()
	board := boardWith(t, blackboard.NewMemoryBackend(), idA, idB, idC)

	tests := []struct {
		name      string
		input     string
		want      string
		notFound  bool
		ambiguous bool
		errText   string
	}{
		{name: "full UUID", input: idC, want: idC},
		{name: "unique prefix", input: "def678", want: idC},
		{name: "longer unique prefix", input: "abc1234", want: idA},
		{name: "upper case prefix", input: "DEF678", want: idC},
		{name: "ambiguous prefix", input: "abc123", ambiguous: true},
		{name: "no match", input: "fff000", notFound: true},
		{name: "unknown full UUID", input: "fff00000-0000-4000-8000-000000000009", notFound: true},
		{name: "too short", input: "abc", errText: "at least 6 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveArtifactID(ctx, board, tt.input)
			switch {
			case tt.ambiguous:
				require.Error(t, err)
				assert.True(t, IsAmbiguousError(err))
				var amb *AmbiguousError
				require.ErrorAs(t, err, &amb)
				assert.Equal(t, []string{idA, idB}, amb.Matches)
			case tt.notFound:
				require.Error(t, err)
				assert.True(t, IsNotFoundError(err))
			case tt.errText != "":
				assert.ErrorContains(t, err, tt.errText)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolveArtifactID_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	backend, err := blackboard.NewRedisBackend(&redis.Options{Addr: mr.Addr()}, "resolver")
	require.NoError(t, err)
	defer backend.Close()

	board := boardWith(t, backend, idA, idC)
	got, err := ResolveArtifactID(context.Background(), board, "abc123")
	require.NoError(t, err)
	assert.Equal(t, idA, got)
}

func TestFormatAmbiguousError(t *testing.T) {
	var matches []string
	for i := 0; i < 12; i++ {
		matches = append(matches, fmt.Sprintf("abc12345-0000-4000-8000-%012d", i))
	}
	msg := FormatAmbiguousError(&AmbiguousError{ShortID: "abc123", Matches: matches})

	assert.Contains(t, msg, "matches 12 artifacts")
	assert.Contains(t, msg, matches[9])
	assert.NotContains(t, msg, matches[10])
	assert.Contains(t, msg, "...and 2 more")
	assert.True(t, strings.HasSuffix(msg, "uniquely identify the artifact."))
}
