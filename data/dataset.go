// Package data provides the paired low/high-resolution sample source and
// a batching, prefetching loader over it. The high-resolution side is a
// crop of a dataset image; the low-resolution side is its bicubic
// downscale by the configured factor.
package data

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"
)

// Pair is one co-registered low/high-resolution sample, each [3, h, w].
type Pair struct {
	LR torch.Tensor
	HR torch.Tensor
}

// Dataset is a length-queryable sequence of sample pairs.
type Dataset interface {
	Len() int
	Sample(i int) (Pair, error)
}

// ImageDataset reads images from a flat directory and cuts LR/HR pairs
// from them. Train datasets crop at random positions, test datasets at
// the center, so test pairs are stable across epochs.
type ImageDataset struct {
	files         []string
	imageSize     int
	upscaleFactor int
	randomCrop    bool

	mu  sync.Mutex
	rng *rand.Rand
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true}

// NewTrainDataset scans root for images and serves randomly cropped pairs.
func NewTrainDataset(root string, imageSize, upscaleFactor int, seed int64) (*ImageDataset, error) {
	return newImageDataset(root, imageSize, upscaleFactor, true, seed)
}

// NewTestDataset scans root for images and serves center-cropped pairs.
func NewTestDataset(root string, imageSize, upscaleFactor int) (*ImageDataset, error) {
	return newImageDataset(root, imageSize, upscaleFactor, false, 0)
}

func newImageDataset(root string, imageSize, upscaleFactor int, randomCrop bool, seed int64) (*ImageDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir %s: %w", root, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(root, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images under %s", root)
	}
	sort.Strings(files)
	return &ImageDataset{
		files:         files,
		imageSize:     imageSize,
		upscaleFactor: upscaleFactor,
		randomCrop:    randomCrop,
		rng:           rand.New(rand.NewSource(seed)),
	}, nil
}

func (d *ImageDataset) Len() int { return len(d.files) }

// Sample decodes file i and returns its LR/HR pair. Safe for concurrent
// use by loader workers.
func (d *ImageDataset) Sample(i int) (Pair, error) {
	img := gocv.IMRead(d.files[i], gocv.IMReadColor)
	if img.Empty() {
		return Pair{}, fmt.Errorf("cannot decode image %s", d.files[i])
	}
	defer img.Close()

	// Upscale undersized images so a full crop always exists.
	if img.Cols() < d.imageSize || img.Rows() < d.imageSize {
		gocv.Resize(img, &img, image.Pt(d.imageSize, d.imageSize), 0, 0, gocv.InterpolationCubic)
	}

	x, y := d.cropOrigin(img.Cols(), img.Rows())
	hrMat := img.Region(image.Rect(x, y, x+d.imageSize, y+d.imageSize))
	defer hrMat.Close()

	lrSize := d.imageSize / d.upscaleFactor
	lrMat := gocv.NewMat()
	defer lrMat.Close()
	gocv.Resize(hrMat, &lrMat, image.Pt(lrSize, lrSize), 0, 0, gocv.InterpolationCubic)

	return Pair{
		LR: transforms.ToTensor().Run(lrMat),
		HR: transforms.ToTensor().Run(hrMat),
	}, nil
}

func (d *ImageDataset) cropOrigin(cols, rows int) (int, int) {
	if !d.randomCrop {
		return (cols - d.imageSize) / 2, (rows - d.imageSize) / 2
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	x, y := 0, 0
	if cols > d.imageSize {
		x = d.rng.Intn(cols - d.imageSize)
	}
	if rows > d.imageSize {
		y = d.rng.Intn(rows - d.imageSize)
	}
	return x, y
}

// Pairs is an in-memory dataset, mainly for synthetic inputs in tests.
type Pairs []Pair

func (p Pairs) Len() int { return len(p) }
func (p Pairs) Sample(i int) (Pair, error) { return p[i], nil }
