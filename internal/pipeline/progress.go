package pipeline

import (
	"sync"

	"imagebatch/internal/models"
)

// progress collects product results that finish in any order and exposes
// only the contiguous prefix, so a poller never sees a gap.
type progress struct {
	mu        sync.Mutex
	results   []models.ProductResult
	done      []bool
	finished  int
	published int
}

func newProgress(n int) *progress {
	return &progress{
		results: make([]models.ProductResult, n),
		done:    make([]bool, n),
	}
}

// record stores result i and calls flush with a copy of the finished prefix.
// Calls to flush are serialized and see a non-decreasing prefix.
func (p *progress) record(i int, result models.ProductResult, flush func(prefix []models.ProductResult, processed int) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.results[i] = result
	p.done[i] = true
	p.finished++

	end := p.published
	for end < len(p.done) && p.done[end] {
		end++
	}

	prefix := models.Request{Results: p.results[:end]}.Clone().Results
	if prefix == nil {
		prefix = []models.ProductResult{}
	}
	if err := flush(prefix, p.finished); err != nil {
		return err
	}
	p.published = end
	return nil
}
