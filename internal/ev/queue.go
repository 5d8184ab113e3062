// Package ev is the virtual-input event queue: decoded keyboard/mouse/
// touch callbacks are handed in from the input-reader thread and drained
// by whichever goroutine calls Flush, so the thread that decoded the
// wire event never blocks on Surface.Send* delivery.
package ev

import (
	"errors"

	"deedles.dev/xsync/cq"
)

type Queue = cq.BulkQueue[func() error, *Batch]

func NewQueue() *Queue {
	return cq.New(func(v []func() error) *Batch {
		return &Batch{
			events: v,
		}
	})
}

// Batch represents a series of decoded input-delivery closures pulled off
// the queue in one drain.
type Batch struct {
	events []func() error
}

// Flush runs every event in the batch, joining their errors.
func (b *Batch) Flush() error {
	return errors.Join(flush(b)...)
}

func flush(batch *Batch) (errs []error) {
	for _, fn := range batch.events {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	batch.events = nil
	return errs
}
