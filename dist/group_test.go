package dist

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"
)

func TestNoopGroup(t *testing.T) {
	g, err := New(0, 1, "", torch.NewDevice("cpu"))
	require.NoError(t, err)
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.WorldSize())
	assert.NoError(t, g.AllReduce(nil))
	assert.NoError(t, g.Close())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestTCPGroupAllReduceAverages(t *testing.T) {
	addr := freeAddr(t)
	cpu := torch.NewDevice("cpu")

	var wg sync.WaitGroup
	groups := make([]Group, 2)
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[rank], errs[rank] = New(rank, 2, addr, cpu)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	defer groups[0].Close()
	defer groups[1].Close()

	values := []float32{2, 6}
	tensors := make([][]torch.Tensor, 2)
	for rank := 0; rank < 2; rank++ {
		tensors[rank] = []torch.Tensor{torch.Full([]int64{2, 2}, values[rank], false)}
	}

	for rank := 0; rank < 2; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = groups[rank].AllReduce(tensors[rank])
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for rank := 0; rank < 2; rank++ {
		mean := float64(tensors[rank][0].Mean().Item().(float32))
		assert.InDelta(t, 4.0, mean, 1e-6, "rank %d", rank)
	}
}

func TestTCPGroupRejectsBadRank(t *testing.T) {
	_, err := New(5, 3, "127.0.0.1:0", torch.NewDevice("cpu"))
	assert.Error(t, err)
}
