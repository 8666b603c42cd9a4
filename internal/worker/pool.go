package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool runs independent jobs with bounded concurrency.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) Size() int { return cap(p.sem) }

// Each calls fn for every item and waits for all of them. A panicking job is
// recovered and logged; it never takes the others down. Items not yet started
// when ctx is cancelled are skipped.
func Each[T any](ctx context.Context, p *Pool, items []T, fn func(ctx context.Context, item T)) {
	var wg sync.WaitGroup
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(item T) {
			defer func() { <-p.sem }()
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("panic", fmt.Sprint(r)).Msg("worker job panicked")
				}
			}()
			fn(ctx, item)
		}(it)
	}
	wg.Wait()
}
