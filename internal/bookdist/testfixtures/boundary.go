package testfixtures

import (
	"context"
	"sync"

	"github.com/G-Research/bookdist/internal/bookdist/model"
)

// Boundary is an in-memory message queue. Books published as unallocated wait until
// ReannounceUnallocated moves them to Published.
type Boundary struct {
	failures
	mutex       sync.Mutex
	published   []model.BookPayload
	unallocated []model.BookPayload
	calls       []string
}

func (b *Boundary) record(op string) error {
	b.calls = append(b.calls, op)
	return b.check(op)
}

func (b *Boundary) PublishBook(_ context.Context, payload model.BookPayload) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.record("PublishBook"); err != nil {
		return model.NewBoundaryError("PublishBook", err)
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *Boundary) PublishUnallocated(_ context.Context, payload model.BookPayload) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.record("PublishUnallocated"); err != nil {
		return model.NewBoundaryError("PublishUnallocated", err)
	}
	b.unallocated = append(b.unallocated, payload)
	return nil
}

func (b *Boundary) ReannounceUnallocated(_ context.Context) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err := b.record("ReannounceUnallocated"); err != nil {
		return 0, model.NewBoundaryError("ReannounceUnallocated", err)
	}
	moved := len(b.unallocated)
	b.published = append(b.published, b.unallocated...)
	b.unallocated = nil
	return moved, nil
}

// Published returns every book sent to the books topic, in order.
func (b *Boundary) Published() []model.BookPayload {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]model.BookPayload(nil), b.published...)
}

func (b *Boundary) Unallocated() []model.BookPayload {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]model.BookPayload(nil), b.unallocated...)
}

func (b *Boundary) Calls() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.calls...)
}
