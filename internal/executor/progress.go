package executor

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// BarSink adapts an *mpb.Bar to the ProgressSink interface consumed by the
// executor's progress-driving run variants.
type BarSink struct {
	bar *mpb.Bar
}

var _ ProgressSink = (*BarSink)(nil)

func (b *BarSink) SetValue(v uint64) {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.SetCurrent(int64(v)) //nolint:gosec // progress values fit comfortably in int64
}

func (b *BarSink) SetTotal(t uint64) {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.SetTotal(int64(t), false) //nolint:gosec
}

func (b *BarSink) Finish() {
	if b == nil || b.bar == nil {
		return
	}
	b.bar.SetCurrent(b.bar.Current())
	b.bar.Abort(false)
}

// NewFileProgressBar builds a byte-counting progress bar suitable for
// RunWithFileProgress (the "alfa" progress mode: poll the growing output
// file's size).
func NewFileProgressBar(out io.Writer, label string, total int64) (*mpb.Progress, *BarSink) {
	p := mpb.New(mpb.WithOutput(out))
	bar := p.AddBar(total,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f")),
	)
	return p, &BarSink{bar: bar}
}

// NewPercentProgressBar builds a 0-100 percentage progress bar suitable for
// RunWithStdoutProgress (the "vanilla" progress mode: parse mksquashfs's own
// percentage output).
func NewPercentProgressBar(out io.Writer, label string) (*mpb.Progress, *BarSink) {
	p := mpb.New(mpb.WithOutput(out))
	bar := p.AddBar(100,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return p, &BarSink{bar: bar}
}
