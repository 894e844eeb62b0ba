package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryWriterAppendsSeries(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSummaryWriter(dir, "srgan_psnr")
	require.NoError(t, err)

	w.AddScalar("Train/MSE Loss", 0.125, 1)
	w.AddScalar("Train/MSE Loss", 0.0625, 2)
	w.AddScalar("Test/PSNR", 24.5, 1)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "srgan_psnr_logs.txt"))
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "Train/MSE Loss\t0.125\t1\n")
	assert.Contains(t, content, "Train/MSE Loss\t0.0625\t2\n")
	assert.Contains(t, content, "Test/PSNR\t24.5\t1\n")
}

func TestSummaryWriterCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "runs")
	w, err := NewSummaryWriter(dir, "srgan_gan")
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(filepath.Join(dir, "srgan_gan_logs.txt"))
	assert.NoError(t, err)
}
