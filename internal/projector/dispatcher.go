package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
)

// Effects lists what an applied event touched, for post-commit hooks.
type Effects struct {
	Wallets []string
}

// Handler folds one validated event into the read models inside tx. It must
// be idempotent: applying the same event twice leaves the same state.
type Handler interface {
	Apply(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (Effects, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (Effects, error)

func (f HandlerFunc) Apply(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (Effects, error) {
	return f(ctx, tx, ev, payload)
}

// Dispatcher is the handler table.
type Dispatcher struct {
	handlers map[Key]Handler
}

// NewDispatcher returns an empty table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Key]Handler)}
}

// Handle registers h for an event version.
func (d *Dispatcher) Handle(eventName, version string, h Handler) {
	d.handlers[Key{EventName: eventName, Version: version}] = h
}

// Lookup returns the handler of k.
func (d *Dispatcher) Lookup(k Key) (Handler, bool) {
	h, ok := d.handlers[k]
	return h, ok
}

// Check verifies that every schema has a handler and every handler a schema.
func (d *Dispatcher) Check(reg *Registry) error {
	var missing, orphan []string
	known := make(map[Key]bool)
	for _, k := range reg.Keys() {
		known[k] = true
		if _, ok := d.handlers[k]; !ok {
			missing = append(missing, k.String())
		}
	}
	for k := range d.handlers {
		if !known[k] {
			orphan = append(orphan, k.String())
		}
	}
	sort.Strings(orphan)
	if len(missing) == 0 && len(orphan) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("projector: handler table does not match schemas")
	if len(missing) > 0 {
		fmt.Fprintf(&b, "; no handler for %s", strings.Join(missing, ", "))
	}
	if len(orphan) > 0 {
		fmt.Fprintf(&b, "; no schema for %s", strings.Join(orphan, ", "))
	}
	return errors.New(b.String())
}
