package dataset

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/janpfeifer/othelloGo/internal/features"
	"github.com/stretchr/testify/require"
)

// makeDataset creates numSamples samples where every float of sample i is derived from i, so
// samples can be identified after shuffling.
func makeDataset(t *testing.T, numSamples int) *Dataset {
	g := features.Default
	boards := make([]float32, numSamples*g.BoardSize())
	policies := make([]float32, numSamples*g.Actions)
	values := make([]float32, numSamples)
	for ii := range numSamples {
		for jj := range g.BoardSize() {
			boards[ii*g.BoardSize()+jj] = float32(ii)
		}
		policies[ii*g.Actions+ii%g.Actions] = 1
		values[ii] = float32(ii)
	}
	ds, err := New(g, boards, policies, values)
	require.NoError(t, err)
	return ds
}

func encode(t *testing.T, values []float32) []byte {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, values))
	return buf.Bytes()
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	ds := makeDataset(t, 7)
	require.NoError(t, ds.Write(dir))

	info, err := os.Stat(filepath.Join(dir, BoardFile))
	require.NoError(t, err)
	require.Equal(t, int64(7*3*8*8*4), info.Size())

	loaded, err := Load(dir, features.Default)
	require.NoError(t, err)
	require.Equal(t, 7, loaded.NumSamples)
	require.Equal(t, ds.Boards, loaded.Boards)
	require.Equal(t, ds.Policies, loaded.Policies)
	require.Equal(t, ds.Values, loaded.Values)

	board, policy, value := loaded.Sample(3)
	require.Len(t, board, 192)
	require.Len(t, policy, 65)
	require.Equal(t, float32(3), board[0])
	require.Equal(t, float32(1), policy[3])
	require.Equal(t, float32(3), value)
}

func TestLoadSampleCountMismatch(t *testing.T) {
	dir := t.TempDir()
	ds := makeDataset(t, 4)
	require.NoError(t, ds.Write(dir))

	// Drop one value: value.bin now has 3 samples while the others have 4.
	short := makeDataset(t, 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ValueFile), encode(t, short.Values), 0644))
	_, err := Load(dir, features.Default)
	require.ErrorIs(t, err, ErrSampleCountMismatch)
}

func TestLoadSizeNotMultiple(t *testing.T) {
	dir := t.TempDir()
	ds := makeDataset(t, 2)
	require.NoError(t, ds.Write(dir))

	// One extra float in the policy file: 2*65+1 floats.
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFile),
		encode(t, append(slices.Clone(ds.Policies), 0.5)), 0644))
	_, err := Load(dir, features.Default)
	require.ErrorIs(t, err, ErrSizeMismatch)

	// Not even a whole float32.
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFile), []byte{1, 2, 3}, 0644))
	_, err = Load(dir, features.Default)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, makeDataset(t, 2).Write(dir))
	require.NoError(t, os.Remove(filepath.Join(dir, BoardFile)))
	_, err := Load(dir, features.Default)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSubset(t *testing.T) {
	ds := makeDataset(t, 5)
	sub := ds.Subset([]int{4, 1})
	require.Equal(t, 2, sub.NumSamples)
	require.Equal(t, []float32{4, 1}, sub.Values)
	board, _, _ := sub.Sample(1)
	require.Equal(t, float32(1), board[10])
}

func TestLoaderEpoch(t *testing.T) {
	ds := makeDataset(t, 10)
	for _, shuffle := range []bool{false, true} {
		for _, numWorkers := range []int{1, 3} {
			loader, err := NewLoader(ds, LoaderOptions{BatchSize: 4, Shuffle: shuffle, NumWorkers: numWorkers, Seed: 42})
			require.NoError(t, err)
			require.Equal(t, 3, loader.NumBatches())

			var seen []float32
			sizes := make(map[int]int)
			for batch, err := range loader.Epoch(context.Background()) {
				require.NoError(t, err)
				sizes[batch.Index] = batch.Size
				require.Len(t, batch.Boards, batch.Size*192)
				require.Len(t, batch.Policies, batch.Size*65)
				for ii, value := range batch.Values {
					// Board and policy must stay aligned with the value.
					require.Equal(t, value, batch.Boards[ii*192])
					require.Equal(t, float32(1), batch.Policies[ii*65+int(value)])
				}
				seen = append(seen, batch.Values...)
			}
			require.Equal(t, map[int]int{0: 4, 1: 4, 2: 2}, sizes)
			slices.Sort(seen)
			require.Equal(t, ds.Values, seen, "every sample must be visited exactly once per epoch")
		}
	}
}

func TestLoaderShuffleChangesOrder(t *testing.T) {
	ds := makeDataset(t, 64)
	loader, err := NewLoader(ds, LoaderOptions{BatchSize: 64, Shuffle: true, Seed: 1})
	require.NoError(t, err)
	var orders [][]float32
	for range 2 {
		for batch, err := range loader.Epoch(context.Background()) {
			require.NoError(t, err)
			orders = append(orders, batch.Values)
		}
	}
	require.NotEqual(t, ds.Values, orders[0])
	require.NotEqual(t, orders[0], orders[1])
}

func TestLoaderEarlyBreakAndCancel(t *testing.T) {
	ds := makeDataset(t, 100)
	loader, err := NewLoader(ds, LoaderOptions{BatchSize: 2, NumWorkers: 4, Prefetch: 2})
	require.NoError(t, err)
	count := 0
	for _, err := range loader.Epoch(context.Background()) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	require.Equal(t, 3, count)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var lastErr error
	for _, err := range loader.Epoch(ctx) {
		lastErr = err
	}
	require.ErrorIs(t, lastErr, context.Canceled)
}

func TestNewLoaderInvalid(t *testing.T) {
	ds := makeDataset(t, 3)
	_, err := NewLoader(ds, LoaderOptions{BatchSize: 0})
	require.Error(t, err)
}
