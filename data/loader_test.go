package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestShardSingleProcess(t *testing.T) {
	idx := shard(5, LoaderOptions{})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, idx)
}

func TestShardPartition(t *testing.T) {
	const n, world = 10, 3
	seen := make(map[int]int)
	for rank := 0; rank < world; rank++ {
		for _, i := range shard(n, LoaderOptions{Rank: rank, WorldSize: world}) {
			seen[i]++
		}
	}
	// Every sample lands on exactly one replica.
	assert.Len(t, seen, n)
	for i, count := range seen {
		assert.Equal(t, 1, count, "sample %d", i)
	}
}

func TestShardShuffleDeterministicPerEpoch(t *testing.T) {
	a := shard(32, LoaderOptions{Shuffle: true, Epoch: 3})
	b := shard(32, LoaderOptions{Shuffle: true, Epoch: 3})
	c := shard(32, LoaderOptions{Shuffle: true, Epoch: 4})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func syntheticPairs(n int) Pairs {
	pairs := make(Pairs, n)
	for i := range pairs {
		pairs[i] = Pair{
			LR: torch.RandN([]int64{3, 8, 8}, false),
			HR: torch.RandN([]int64{3, 16, 16}, false),
		}
	}
	return pairs
}

func TestLoaderBatches(t *testing.T) {
	loader := NewLoader(syntheticPairs(5), LoaderOptions{BatchSize: 2})
	defer loader.Close()

	assert.Equal(t, 2, loader.Len(), "trailing partial batch is dropped")
	n := 0
	for loader.Scan() {
		lr, hr := loader.Minibatch()
		assert.Equal(t, []int64{2, 3, 8, 8}, lr.Shape())
		assert.Equal(t, []int64{2, 3, 16, 16}, hr.Shape())
		assert.Equal(t, int64(2), loader.BatchSize())
		n++
	}
	require.NoError(t, loader.Err())
	assert.Equal(t, 2, n)
}

func TestLoaderCloseMidPass(t *testing.T) {
	loader := NewLoader(syntheticPairs(8), LoaderOptions{BatchSize: 2, Workers: 2})
	require.True(t, loader.Scan())
	loader.Close()
}
