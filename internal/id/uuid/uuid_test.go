package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewIDIsRandom(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(4), parsed.Version())
}

func TestGeneratorNewRequestIDIsV7(t *testing.T) {
	t.Parallel()

	parsed, err := goUUID.Parse(New().NewRequestID())
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}
