package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/TFMV/furyshare/common"
)

type barKey struct {
	peer      common.PeerID
	direction common.TransferDirection
}

// progressObserver draws one terminal progress bar per active transfer
type progressObserver struct {
	common.NopObserver
	out io.Writer

	mu   sync.Mutex
	bars map[barKey]*progressbar.ProgressBar
}

func newProgressObserver(out io.Writer) *progressObserver {
	return &progressObserver{
		out:  out,
		bars: make(map[barKey]*progressbar.ProgressBar),
	}
}

func (p *progressObserver) OnProgress(ev common.ProgressEvent) {
	key := barKey{peer: ev.PeerID, direction: ev.Direction}

	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[key]
	if !ok {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(describe(key)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
		p.bars[key] = bar
	}
	bar.Set(int(ev.Progress * 100))
}

func (p *progressObserver) OnTransfer(ev common.TransferEvent) {
	key := barKey{peer: ev.PeerID, direction: ev.Direction}

	p.mu.Lock()
	bar, ok := p.bars[key]
	delete(p.bars, key)
	p.mu.Unlock()

	if ok {
		if ev.State == common.TransferStateCompleted {
			bar.Finish()
		} else {
			bar.Exit()
		}
	}

	switch {
	case ev.State != common.TransferStateCompleted && ev.Err != nil:
		fmt.Fprintf(p.out, "\n%s %s %s: %v\n", describe(key), ev.Metadata.Filename, ev.State, ev.Err)
	case ev.State != common.TransferStateCompleted:
		fmt.Fprintf(p.out, "\n%s %s %s\n", describe(key), ev.Metadata.Filename, ev.State)
	case ev.Direction == common.DirectionReceiving:
		fmt.Fprintf(p.out, "\nSaved %s via %s\n", ev.Location, ev.Path)
	default:
		fmt.Fprintf(p.out, "\nSent %s to %s via %s\n", ev.Metadata.Filename, ev.PeerID, ev.Path)
	}
}

func (p *progressObserver) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bars)
}

// Close abandons any bars still drawing
func (p *progressObserver) Close() {
	p.mu.Lock()
	bars := p.bars
	p.bars = make(map[barKey]*progressbar.ProgressBar)
	p.mu.Unlock()

	for _, bar := range bars {
		bar.Exit()
	}
}

func describe(key barKey) string {
	if key.direction == common.DirectionReceiving {
		return fmt.Sprintf("receiving from %s", key.peer)
	}
	return fmt.Sprintf("sending to %s", key.peer)
}
