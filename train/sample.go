package train

import (
	"fmt"
	"os"
	"path/filepath"

	torch "github.com/wangkuiyi/gotorch"
	"gocv.io/x/gocv"
)

// SampleSaver captures periodic ground-truth / super-resolved image pairs
// for visual inspection: <runs>/hr/<TAG>_<iters>.bmp and
// <runs>/sr/<TAG>_<iters>.bmp. The first sample of the batch is written.
type SampleSaver struct {
	hrDir string
	srDir string
}

func NewSampleSaver(runsDir string) (*SampleSaver, error) {
	s := &SampleSaver{
		hrDir: filepath.Join(runsDir, "hr"),
		srDir: filepath.Join(runsDir, "sr"),
	}
	for _, dir := range []string{s.hrDir, s.srDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sample dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Save writes the HR target and the SR output for one capture event. Both
// tensors are detached batches shaped [n, 3, h, w] with values in [0, 1].
func (s *SampleSaver) Save(tag string, iters int, hr, sr torch.Tensor) error {
	name := fmt.Sprintf("%s_%d.bmp", tag, iters)
	if err := writeImage(filepath.Join(s.hrDir, name), hr); err != nil {
		return err
	}
	return writeImage(filepath.Join(s.srDir, name), sr)
}

// writeImage converts the first sample of a [n, 3, h, w] tensor to an
// 8-bit BGR mat and encodes it. The per-pixel copy is slow but runs only
// once per thousand iterations.
func writeImage(path string, batch torch.Tensor) error {
	shape := batch.Shape()
	if len(shape) != 4 || shape[1] != 3 {
		return fmt.Errorf("write sample %s: want [n, 3, h, w] tensor, got %v", path, shape)
	}
	h, w := int(shape[2]), int(shape[3])
	cpu := torch.NewDevice("cpu")
	t := batch.To(cpu, torch.Float)

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer mat.Close()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := t.Index(0, int64(c), int64(y), int64(x)).Item().(float32)
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				// tensor channels are RGB, gocv mats are BGR
				mat.SetUCharAt(y, x*3+(2-c), uint8(v*255))
			}
		}
	}
	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("write sample %s", path)
	}
	return nil
}
