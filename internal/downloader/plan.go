package downloader

import (
	"fmt"

	"github.com/iconidentify/nicograb/internal/domain"
)

// Range is an inclusive byte range. An empty range has End == Start-1.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Empty reports whether the range holds no bytes.
func (r Range) Empty() bool {
	return r.Len() <= 0
}

// Header renders the range as an HTTP Range header value.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Plan splits [0, fileSize) into division contiguous inclusive ranges.
// Range i spans floor(size*i/division) to floor(size*(i+1)/division)-1.
// A zero size yields a single empty range.
func Plan(fileSize int64, division int) ([]Range, error) {
	if division < 1 {
		return nil, fmt.Errorf("%w: division %d", domain.ErrInvalidPlan, division)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("%w: file size %d", domain.ErrInvalidPlan, fileSize)
	}
	if fileSize == 0 {
		return []Range{{Start: 0, End: -1}}, nil
	}

	n := int64(division)
	ranges := make([]Range, division)
	for i := int64(0); i < n; i++ {
		ranges[i] = Range{
			Start: fileSize * i / n,
			End:   fileSize*(i+1)/n - 1,
		}
	}
	return ranges, nil
}
