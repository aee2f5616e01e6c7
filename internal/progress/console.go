package progress

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Discard renders nothing.
var Discard IndicatorFactory = discardFactory{}

type discardFactory struct{}

func (discardFactory) New(int64, int, string) Indicator { return discardIndicator{} }

type discardIndicator struct{}

func (discardIndicator) Add(int64) {}
func (discardIndicator) Close()    {}

// Console renders byte progress bars to a terminal. Every open bar owns a
// line below the cursor, so concurrent bars stack instead of redrawing each
// other. A line is reused once its bar is closed.
type Console struct {
	w io.Writer

	mu   sync.Mutex
	rows []bool
}

// NewConsole returns a factory writing bars to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// New creates a byte-counting bar on the first free line. Chunk bars are
// labeled with their chunk number. Bars are cleared when closed.
func (c *Console) New(total int64, position int, description string) Indicator {
	if position >= 0 {
		description = fmt.Sprintf("%s [%d]", description, position)
	}
	row := c.acquire()
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(&rowWriter{c: c, row: row}),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &consoleIndicator{c: c, bar: bar, row: row}
}

func (c *Console) acquire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, used := range c.rows {
		if !used {
			c.rows[i] = true
			return i
		}
	}
	c.rows = append(c.rows, true)
	return len(c.rows) - 1
}

func (c *Console) release(row int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[row] = false
}

// rowWriter moves down to its line before each write and back to the start
// of the cursor line after it.
type rowWriter struct {
	c   *Console
	row int
}

func (w *rowWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()

	if w.row == 0 {
		return w.c.w.Write(p)
	}
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("\n", w.row))
	buf.Write(p)
	fmt.Fprintf(&buf, "\x1b[%dA\r", w.row)
	if _, err := w.c.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

type consoleIndicator struct {
	c    *Console
	bar  *progressbar.ProgressBar
	row  int
	once sync.Once
}

func (i *consoleIndicator) Add(n int64) {
	_ = i.bar.Add64(n)
}

func (i *consoleIndicator) Close() {
	i.once.Do(func() {
		_ = i.bar.Close()
		i.c.release(i.row)
	})
}
