package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type transferState int

const (
	statePending transferState = iota
	stateRunning
	stateSucceeded
	stateFailed
)

// Transfer is one attempt at downloading a video as Division concurrent
// byte ranges into partial files next to Path.
type Transfer struct {
	Path     string
	URL      string
	Size     int64
	Division int
	Ranges   []Range

	// counters[i] is written only by chunk worker i.
	counters []atomic.Int64

	mu    sync.Mutex
	state transferState
}

// NewTransfer plans the ranges for a download of size bytes from url.
func NewTransfer(path, url string, size int64, division int) (*Transfer, error) {
	ranges, err := Plan(size, division)
	if err != nil {
		return nil, err
	}
	return &Transfer{
		Path:     path,
		URL:      url,
		Size:     size,
		Division: len(ranges),
		Ranges:   ranges,
		counters: make([]atomic.Int64, len(ranges)),
	}, nil
}

// PartPath returns the partial file path for chunk i of path.
func PartPath(path string, i int) string {
	return fmt.Sprintf("%s.%03d", path, i)
}

// Downloaded returns the bytes written so far across all chunks.
func (t *Transfer) Downloaded() int64 {
	var sum int64
	for i := range t.counters {
		sum += t.counters[i].Load()
	}
	return sum
}

// Succeeded reports whether every chunk completed.
func (t *Transfer) Succeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateSucceeded
}

// Run fetches all chunks concurrently and returns once every worker has
// exited. The first failure cancels the remaining workers. A transfer can
// only be run once.
func (t *Transfer) Run(ctx context.Context, d Downloader, obs ProgressObserver) error {
	t.mu.Lock()
	if t.state != statePending {
		t.mu.Unlock()
		return fmt.Errorf("transfer for %s already started", t.Path)
	}
	t.state = stateRunning
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i, rng := range t.Ranges {
		g.Go(func() error {
			if err := t.fetchChunk(gctx, d, i, rng, obs); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = stateFailed
		return err
	}
	t.state = stateSucceeded
	return nil
}

func (t *Transfer) fetchChunk(ctx context.Context, d Downloader, i int, rng Range, obs ProgressObserver) error {
	f, err := os.Create(PartPath(t.Path, i))
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}

	_, err = d.FetchRange(ctx, t.URL, rng, f, func(n int) {
		t.counters[i].Add(int64(n))
		if obs != nil {
			obs.Advance(i, n)
		}
	})
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close part: %w", closeErr)
	}
	return err
}

// Combine concatenates the partial files in chunk order into Path and
// removes them. The output is assembled next to Path and renamed into place
// only once every part is copied and the total matches Size; on any error
// Path is left absent and the partial files stay on disk. It does nothing
// unless the transfer succeeded.
func (t *Transfer) Combine() (int64, error) {
	if !t.Succeeded() {
		return 0, nil
	}

	tmp := t.Path + ".part"
	total, err := t.concat(tmp)
	if err == nil && total != t.Size {
		err = fmt.Errorf("combined %d bytes, want %d", total, t.Size)
	}
	if err == nil {
		err = os.Rename(tmp, t.Path)
	}
	if err != nil {
		os.Remove(tmp)
		return total, err
	}

	for i := 0; i < t.Division; i++ {
		if err := os.Remove(PartPath(t.Path, i)); err != nil && !os.IsNotExist(err) {
			return total, fmt.Errorf("remove part %d: %w", i, err)
		}
	}
	return total, nil
}

func (t *Transfer) concat(name string) (int64, error) {
	out, err := os.Create(name)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	var total int64
	for i := 0; i < t.Division; i++ {
		n, err := appendPart(out, PartPath(t.Path, i))
		total += n
		if err != nil {
			out.Close()
			return total, fmt.Errorf("append part %d: %w", i, err)
		}
	}

	if err := out.Close(); err != nil {
		return total, fmt.Errorf("close output: %w", err)
	}
	return total, nil
}

func appendPart(out io.Writer, name string) (int64, error) {
	part, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer part.Close()
	return io.Copy(out, part)
}
