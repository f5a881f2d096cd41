package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorResolve(t *testing.T) {
	t.Parallel()

	gen := New()
	fresh, err := gen.Resolve("")
	require.NoError(t, err)
	require.NotEqual(t, goUUID.Nil, fresh)

	same, err := gen.Resolve(fresh.String())
	require.NoError(t, err)
	require.Equal(t, fresh, same)

	_, err = gen.Resolve("not-a-uuid")
	require.Error(t, err)
}
