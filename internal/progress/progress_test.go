package progress

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeIndicator struct {
	f        *fakeFactory
	position int
	total    int64

	mu      sync.Mutex
	value   int64
	history []int64
	closed  bool
}

func (i *fakeIndicator) Add(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.value += n
	i.history = append(i.history, i.value)
}

func (i *fakeIndicator) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.f.recordClose(i.position)
}

func (i *fakeIndicator) snapshot() (int64, []int64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value, append([]int64(nil), i.history...), i.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	indicators []*fakeIndicator
	closeOrder []int
}

func (f *fakeFactory) New(total int64, position int, description string) Indicator {
	f.mu.Lock()
	defer f.mu.Unlock()
	ind := &fakeIndicator{f: f, position: position, total: total}
	f.indicators = append(f.indicators, ind)
	return ind
}

func (f *fakeFactory) recordClose(position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeOrder = append(f.closeOrder, position)
}

func TestAggregator_MultilineClosesInReverse(t *testing.T) {
	f := &fakeFactory{}
	agg := NewAggregator(f, true, time.Millisecond)

	agg.Start("sm9", 100, []int64{25, 25, 25, 25}, func() int64 { return 0 })
	if len(f.indicators) != 4 {
		t.Fatalf("created %d indicators, want 4", len(f.indicators))
	}

	for chunk := 0; chunk < 4; chunk++ {
		agg.Advance(chunk, 10)
		agg.Advance(chunk, 15)
	}
	agg.Finish()
	agg.Finish()

	want := []int{3, 2, 1, 0}
	if len(f.closeOrder) != len(want) {
		t.Fatalf("close order = %v, want %v", f.closeOrder, want)
	}
	for i := range want {
		if f.closeOrder[i] != want[i] {
			t.Fatalf("close order = %v, want %v", f.closeOrder, want)
		}
	}
	for i, ind := range f.indicators {
		if v, _, _ := ind.snapshot(); v != 25 {
			t.Errorf("indicator %d value = %d, want 25", i, v)
		}
	}
}

func TestAggregator_AggregateReachesSizeMonotonically(t *testing.T) {
	f := &fakeFactory{}
	agg := NewAggregator(f, false, time.Millisecond)

	const size = 1000
	var counters [4]atomic.Int64
	sum := func() int64 {
		var s int64
		for i := range counters {
			s += counters[i].Load()
		}
		return s
	}

	agg.Start("sm9", size, []int64{250, 250, 250, 250}, sum)
	if len(f.indicators) != 1 {
		t.Fatalf("created %d indicators, want 1", len(f.indicators))
	}
	if f.indicators[0].position != -1 || f.indicators[0].total != size {
		t.Errorf("indicator = position %d total %d, want -1 / %d", f.indicators[0].position, f.indicators[0].total, size)
	}

	var wg sync.WaitGroup
	for i := range counters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				counters[i].Add(10)
				time.Sleep(100 * time.Microsecond)
			}
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, _, _ := f.indicators[0].snapshot(); v == size || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	agg.Finish()

	value, history, closed := f.indicators[0].snapshot()
	if value != size {
		t.Errorf("final value = %d, want %d", value, size)
	}
	if !closed {
		t.Error("indicator should be closed")
	}
	reached := 0
	for i, v := range history {
		if i > 0 && v < history[i-1] {
			t.Fatalf("progress decreased: %v", history)
		}
		if v == size {
			reached++
		}
	}
	if reached != 1 {
		t.Errorf("size reached %d times in %v, want exactly once", reached, history)
	}
}

func TestAggregator_AggregateFinishAfterFailure(t *testing.T) {
	f := &fakeFactory{}
	agg := NewAggregator(f, false, time.Hour)

	var downloaded atomic.Int64
	agg.Start("sm9", 1000, []int64{500, 500}, downloaded.Load)
	downloaded.Store(300)

	done := make(chan struct{})
	go func() {
		agg.Finish()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Finish should not wait for the full size")
	}

	value, _, closed := f.indicators[0].snapshot()
	if value != 300 {
		t.Errorf("value = %d, want 300", value)
	}
	if !closed {
		t.Error("indicator should be closed")
	}
}

func TestAggregator_AdvanceIgnoredInAggregateMode(t *testing.T) {
	f := &fakeFactory{}
	agg := NewAggregator(f, false, time.Hour)
	agg.Start("sm9", 10, []int64{10}, func() int64 { return 0 })

	agg.Advance(0, 5)
	agg.Advance(7, 5)
	agg.Finish()

	if v, _, _ := f.indicators[0].snapshot(); v != 0 {
		t.Errorf("value = %d, want 0", v)
	}
}

func TestAggregator_NilFactory(t *testing.T) {
	agg := NewAggregator(nil, true, 0)
	agg.Start("sm9", 10, []int64{5, 5}, func() int64 { return 0 })
	agg.Advance(0, 5)
	agg.Finish()
}

func TestAggregator_FinishWithoutStart(t *testing.T) {
	NewAggregator(&fakeFactory{}, false, time.Millisecond).Finish()
}

func TestConsole_IndicatorLifecycle(t *testing.T) {
	var buf bytes.Buffer
	factory := NewConsole(&buf)

	stacked := factory.New(100, 2, "sm9")
	stacked.Add(40)
	stacked.Add(60)
	stacked.Close()

	whole := factory.New(100, -1, "sm9")
	whole.Add(10)
	whole.Close()
	whole.Close()
}

func TestConsole_StacksBarsOnSeparateLines(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	var bars []*consoleIndicator
	for pos := 0; pos < 4; pos++ {
		bars = append(bars, c.New(100, pos, "sm9").(*consoleIndicator))
	}
	for i, b := range bars {
		if b.row != i {
			t.Errorf("bar %d on line %d, want %d", i, b.row, i)
		}
	}

	buf.Reset()
	w := &rowWriter{c: c, row: 3}
	if _, err := w.Write([]byte("\rbar")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got, want := buf.String(), "\n\n\n\rbar\x1b[3A\r"; got != want {
		t.Errorf("line 3 output = %q, want %q", got, want)
	}

	buf.Reset()
	(&rowWriter{c: c, row: 0}).Write([]byte("\rtop"))
	if got := buf.String(); got != "\rtop" {
		t.Errorf("line 0 output = %q, want %q", got, "\rtop")
	}

	bars[1].Close()
	bars[1].Close()
	reused := c.New(100, -1, "sm10").(*consoleIndicator)
	if reused.row != 1 {
		t.Errorf("new bar on line %d, want freed line 1", reused.row)
	}
	next := c.New(100, -1, "sm11").(*consoleIndicator)
	if next.row != 4 {
		t.Errorf("new bar on line %d, want 4", next.row)
	}

	for _, b := range []*consoleIndicator{bars[0], bars[2], bars[3], reused, next} {
		b.Close()
	}
	if row := c.acquire(); row != 0 {
		t.Errorf("acquire after closing all = %d, want 0", row)
	}
}
