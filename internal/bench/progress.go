package bench

import (
	"fmt"
	"io"

	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
)

const barWidth = 64

// progress draws one bar per epoch. A nil progress draws nothing.
type progress struct {
	container *mpb.Progress
}

func newProgress(out io.Writer) *progress {
	if out == nil {
		return nil
	}
	return &progress{container: mpb.New(mpb.WithWidth(barWidth), mpb.WithOutput(out))}
}

type epochBar struct {
	bar   *mpb.Bar
	count int64
}

func (p *progress) epoch(epoch, total int) *epochBar {
	if p == nil {
		return nil
	}
	name := fmt.Sprintf("epoch %d", epoch)
	bar := p.container.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DidentRight}),
			decor.CountersNoUnit("%d/%d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncWidth)),
	)
	return &epochBar{bar: bar}
}

func (b *epochBar) increment() {
	if b == nil {
		return
	}
	b.count++
	b.bar.Increment()
}

// done completes the bar at its current count, which is short of the total
// after an early stop.
func (b *epochBar) done() {
	if b == nil {
		return
	}
	b.bar.SetTotal(b.count, true)
}

func (p *progress) wait() {
	if p == nil {
		return
	}
	p.container.Wait()
}
