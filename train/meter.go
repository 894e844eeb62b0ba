// Package train contains the two-phase training engine: metric meters,
// the scalar series sink, the per-batch PSNR and GAN steps, sample-image
// capture, and the epoch driver that sequences them.
package train

import (
	"fmt"
	"strings"
)

// AverageMeter folds weighted observations into a running mean. Defined
// for weight >= 1; it is reset at the start of every epoch.
type AverageMeter struct {
	name   string
	format string
	sum    float64
	count  int
}

func NewAverageMeter(name, format string) *AverageMeter {
	return &AverageMeter{name: name, format: format}
}

func (m *AverageMeter) Update(value float64, weight int) {
	m.sum += value * float64(weight)
	m.count += weight
}

func (m *AverageMeter) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *AverageMeter) Reset() {
	m.sum = 0
	m.count = 0
}

func (m *AverageMeter) String() string {
	return m.name + " " + fmt.Sprintf(m.format, m.Average())
}

// ProgressMeter renders a set of meters as one progress line,
// "Epoch: [3][  200/1250] Time 0.0713 MSE Loss 0.004310 ...".
type ProgressMeter struct {
	prefix string
	total  int
	meters []*AverageMeter
}

func NewProgressMeter(total int, prefix string, meters ...*AverageMeter) *ProgressMeter {
	return &ProgressMeter{prefix: prefix, total: total, meters: meters}
}

func (p *ProgressMeter) Display(batch int) string {
	width := len(fmt.Sprintf("%d", p.total))
	parts := []string{fmt.Sprintf("%s[%*d/%d]", p.prefix, width, batch, p.total)}
	for _, m := range p.meters {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, " ")
}
