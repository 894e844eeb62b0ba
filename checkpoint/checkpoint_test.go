package checkpoint

import (
	"bytes"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"

	"srgan/optim"
)

func TestLoadMissingIsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.gob"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.gob")
	assert.False(t, Exists(path))

	rec := Record{Epoch: 1, Arch: "srgan", State: map[string]torch.Tensor{}}
	require.NoError(t, Save(path, rec))
	assert.True(t, Exists(path))
	assert.False(t, Exists(dir))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.gob")
	state := map[string]torch.Tensor{
		"conv.weight": torch.Full([]int64{2, 3}, 1.5, false),
		"conv.bias":   torch.Full([]int64{3}, -0.25, false),
	}
	rec := Record{
		Epoch: 7,
		Arch:  "srgan",
		State: state,
		Optimizer: optim.State{
			M:    map[string]torch.Tensor{"conv.weight": torch.Full([]int64{2, 3}, 0.1, false)},
			V:    map[string]torch.Tensor{"conv.weight": torch.Full([]int64{2, 3}, 0.01, false)},
			Step: 42,
		},
	}
	require.NoError(t, Save(path, rec))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Epoch)
	assert.Equal(t, "srgan", got.Arch)
	assert.Equal(t, 42, got.Optimizer.Step)

	// Fixed serialization makes the round trip bit-identical.
	assert.Equal(t, encode(t, rec.State), encode(t, got.State))
	assert.Equal(t, encode(t, rec.Optimizer), encode(t, got.Optimizer))
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.gob")
	first := Record{Epoch: 1, Arch: "srgan", State: map[string]torch.Tensor{}}
	second := Record{Epoch: 2, Arch: "srgan", State: map[string]torch.Tensor{}}
	require.NoError(t, Save(path, first))
	require.NoError(t, Save(path, second))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Epoch)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".ckpt-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}
