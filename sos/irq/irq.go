// Package irq is the interrupt dispatch table: drivers register a
// handler against an IRQ number, and the event loop looks the handler up
// when a Notification arrives. Registration is a fixed-size array keyed
// by IRQ number, with explicit out-of-range and not-found diagnostics.
package irq

import (
	"fmt"
	"sync"
)

const maxIRQ = 32

// Handler runs when irq fires. It returns an error only for diagnostic
// logging; the event loop does not fail the whole dispatch on a handler
// error.
type Handler func(irq int) error

// Table is the fixed-size IRQ registration table.
type Table struct {
	mu       sync.Mutex
	handlers [maxIRQ]Handler
}

// New builds an empty IRQ table.
func New() *Table { return &Table{} }

// Add registers handler for irq.
func (t *Table) Add(irqNo int, h Handler) error {
	if irqNo < 0 || irqNo >= maxIRQ {
		return fmt.Errorf("irq: irq (%d) was out of range (0..%d)", irqNo, maxIRQ-1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[irqNo] = h
	return nil
}

// Find returns the handler registered for irq.
func (t *Table) Find(irqNo int) (Handler, error) {
	if irqNo < 0 || irqNo >= maxIRQ {
		return nil, fmt.Errorf("irq: irq (%d) not found", irqNo)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.handlers[irqNo]
	if h == nil {
		return nil, fmt.Errorf("irq: irq (%d) not found", irqNo)
	}
	return h, nil
}

// Dispatch looks up and invokes the handler for irq, if any is
// registered.
func (t *Table) Dispatch(irqNo int) error {
	h, err := t.Find(irqNo)
	if err != nil {
		return err
	}
	return h(irqNo)
}
