package train

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// SummaryWriter is the append-only scalar series sink: one tab-separated
// "series value step" line per observation, one plot-log file per phase
// tag. The file is consumed by external plotting tooling and never read
// back here.
type SummaryWriter struct {
	file *os.File
	out  *log.Logger
}

// NewSummaryWriter opens (truncating) the plot-log file for tag under dir.
func NewSummaryWriter(dir, tag string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_logs.txt", tag))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create plot log %s: %w", path, err)
	}
	return &SummaryWriter{file: f, out: log.New(f, "", 0)}, nil
}

// AddScalar appends one observation of a named series at a step.
func (w *SummaryWriter) AddScalar(series string, value float64, step int) {
	w.out.Printf("%s\t%g\t%d", series, value, step)
}

func (w *SummaryWriter) Close() error { return w.file.Close() }
