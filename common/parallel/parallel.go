/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package parallel provides a counting semaphore and a bounded fan-out
// runner. Every task runs to completion and every result is collected; a
// failing task never cancels its siblings.
package parallel

import (
	"context"
	"sync"
)

// Semaphore is a buffered channel based counting semaphore.
type Semaphore struct {
	buf chan struct{}
}

// NewSemaphore creates a Semaphore with the specified number of permits.
func NewSemaphore(permits int) *Semaphore {
	if permits <= 0 {
		panic("permits must be greater than 0")
	}
	return &Semaphore{buf: make(chan struct{}, permits)}
}

// Acquire acquires a permit. It blocks until a permit is available or the
// provided context is completed, in which case the context error is returned.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.buf <- struct{}{}:
		return nil
	}
}

// Release releases a permit.
func (s *Semaphore) Release() {
	select {
	case <-s.buf:
	default:
		panic("semaphore buffer is empty")
	}
}

// Run invokes fn for indexes 0..n-1 with at most limit invocations in
// flight. The returned slice is index-aligned with one error (or nil) per
// invocation. Run only returns once every invocation has finished.
func Run(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) []error {
	results := make([]error, n)
	if n == 0 {
		return results
	}

	sem := NewSemaphore(limit)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				results[i] = err
				return
			}
			defer sem.Release()
			results[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return results
}
