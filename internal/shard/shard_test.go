package shard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

func TestReadIdentifiers(t *testing.T) {
	t.Parallel()

	in := "# header\nalice\n\n  bob  \nalice\n#carol\ndave\n"
	ids, err := ReadIdentifiers(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "dave"}, ids)
}

func TestReadIdentifiersRejectsControlCharacters(t *testing.T) {
	t.Parallel()

	_, err := ReadIdentifiers(strings.NewReader("alice\nfoo\tbar\n"))
	require.ErrorIs(t, err, probe.ErrMalformedIdentifier)
	require.ErrorContains(t, err, "line 2")
}

func TestPartition(t *testing.T) {
	t.Parallel()

	ids := []string{"a", "b", "c", "d", "e", "f", "g"}
	tests := []struct {
		name string
		k    int
		mode Mode
		want [][]string
	}{
		{"contiguous", 3, Contiguous, [][]string{{"a", "b", "c"}, {"d", "e", "f"}, {"g"}}},
		{"contiguous single", 1, Contiguous, [][]string{ids}},
		{"contiguous more batches than ids", 10, Contiguous, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}, {"f"}, {"g"}}},
		{"round robin", 3, RoundRobin, [][]string{{"a", "d", "g"}, {"b", "e"}, {"c", "f"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Partition(ids, tt.k, tt.mode)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := Partition(ids, 0, Contiguous)
	require.Error(t, err)
}

func TestPartitionCoversEveryIdentifierOnce(t *testing.T) {
	t.Parallel()

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = strings.Repeat("x", i+1)
	}
	for _, mode := range []Mode{Contiguous, RoundRobin} {
		batches, err := Partition(ids, 7, mode)
		require.NoError(t, err)
		seen := make(map[string]int)
		for _, b := range batches {
			for _, id := range b {
				seen[id]++
			}
		}
		require.Len(t, seen, len(ids))
		for id, n := range seen {
			require.Equal(t, 1, n, "identifier %s in mode %s", id, mode)
		}
	}
}

func TestWriteBatchesAndMatrix(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "batches")
	paths, err := WriteBatches(dir, [][]string{{"a", "b"}, {"c"}})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "batch-0.txt"), filepath.Join(dir, "batch-1.txt")}, paths)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(data))

	back, err := ReadFile(paths[1])
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, back)

	require.Equal(t, "[0,1,2]", MatrixLine(3))
	require.Equal(t, "[]", MatrixLine(0))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, Contiguous, m)
	m, err = ParseMode("Round-Robin")
	require.NoError(t, err)
	require.Equal(t, RoundRobin, m)
	_, err = ParseMode("random")
	require.Error(t, err)
}
