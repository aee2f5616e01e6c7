// Package progress reports download progress for one video, either as one
// indicator per chunk or as a single indicator fed by a polling loop.
package progress

import (
	"sync"
	"time"
)

// Indicator is one rendered progress bar.
type Indicator interface {
	Add(n int64)
	Close()
}

// IndicatorFactory creates indicators. position is the chunk index of a
// stacked indicator, or -1 for a standalone one.
type IndicatorFactory interface {
	New(total int64, position int, description string) Indicator
}

// Aggregator tracks the progress of one transfer.
//
// In multiline mode every chunk owns an indicator that is advanced directly
// by its worker. Otherwise a single indicator is advanced by a goroutine that
// polls the transfer's byte total every interval.
type Aggregator struct {
	factory   IndicatorFactory
	multiline bool
	interval  time.Duration

	chunks []Indicator

	whole   Indicator
	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewAggregator returns an aggregator. A nil factory renders nothing.
func NewAggregator(factory IndicatorFactory, multiline bool, interval time.Duration) *Aggregator {
	if factory == nil {
		factory = Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		factory:   factory,
		multiline: multiline,
		interval:  interval,
	}
}

// Start creates the indicators for a transfer of size bytes split into
// chunkSizes. downloaded must return the current byte total.
func (a *Aggregator) Start(label string, size int64, chunkSizes []int64, downloaded func() int64) {
	if a.multiline {
		a.chunks = make([]Indicator, len(chunkSizes))
		for i, n := range chunkSizes {
			a.chunks[i] = a.factory.New(n, i, label)
		}
		return
	}

	a.whole = a.factory.New(size, -1, label)
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.poll(size, downloaded)
}

// Advance implements downloader.ProgressObserver.
func (a *Aggregator) Advance(chunk int, n int) {
	if a.multiline && chunk >= 0 && chunk < len(a.chunks) {
		a.chunks[chunk].Add(int64(n))
	}
}

// Finish closes the indicators. Stacked indicators are closed innermost
// first so no stale lines remain on a terminal. It waits for the polling
// loop and is safe to call more than once.
func (a *Aggregator) Finish() {
	a.stopped.Do(func() {
		if a.multiline {
			for i := len(a.chunks) - 1; i >= 0; i-- {
				a.chunks[i].Close()
			}
			return
		}
		if a.stop != nil {
			close(a.stop)
			<-a.done
			a.whole.Close()
		}
	})
}

func (a *Aggregator) poll(size int64, downloaded func() int64) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	var reported int64
	for {
		current := downloaded()
		if current >= size {
			a.whole.Add(size - reported)
			return
		}
		if current > reported {
			a.whole.Add(current - reported)
			reported = current
		}

		select {
		case <-a.stop:
			// Pick up the bytes written since the last tick.
			if current := downloaded(); current >= size {
				a.whole.Add(size - reported)
			} else if current > reported {
				a.whole.Add(current - reported)
			}
			return
		case <-ticker.C:
		}
	}
}
