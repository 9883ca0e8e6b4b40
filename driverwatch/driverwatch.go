// Package driverwatch intercepts driver registration. One override over the
// bus-level registration entry point funnels every registration through the
// hub, which filters by driver name before invoking the caller's callback.
package driverwatch

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openkern/kshim"
	"github.com/openkern/kshim/internal/klog"
	"github.com/openkern/kshim/symtab"
)

// Event is the registration phase a callback observes.
type Event int

const (
	// Coming means registration is in progress; the callback may veto or
	// approve it with an Abort action.
	Coming Event = iota
	// Live means the driver is already active.
	Live
)

// Action is a callback's verdict on an event.
type Action int

const (
	// Continue keeps the notification chain going.
	Continue Action = iota
	// Done processes this event and then unwatches the watcher.
	Done
	// AbortOK short-circuits a Coming registration with a synthesized
	// success instead of the real probe.
	AbortOK
	// AbortBusy short-circuits a Coming registration with a busy result.
	AbortBusy
)

// EventMask selects which events a watcher is told about.
type EventMask uint8

const (
	MaskComing EventMask = 1 << iota
	MaskLive
	MaskAll = MaskComing | MaskLive
)

// Driver identifies the driver being registered.
type Driver struct {
	Name string
	Addr uintptr
}

// Callback handles one registration event.
type Callback func(drv Driver, ev Event) Action

var (
	// ErrAlreadyWatched means a watcher for that driver name exists.
	ErrAlreadyWatched = errors.New("driver already watched")
	// ErrNotWatched means the handle is not registered with the hub.
	ErrNotWatched = errors.New("watcher not registered")
)

// Watcher is one registered interest.
type Watcher struct {
	name string
	mask EventMask
	cb   Callback
}

// Name returns the watched driver name.
func (w *Watcher) Name() string { return w.name }

// Hub multiplexes driver-registration events to watchers. The override on
// the registration entry point is shared: installed when the first watcher
// arrives, removed when the last one leaves.
type Hub struct {
	tab   *symtab.Table
	entry string

	mu       sync.Mutex
	watchers map[string]*Watcher
	ov       *kshim.Override

	log zerolog.Logger
}

// New returns a hub that will patch the named registration entry point.
func New(t *symtab.Table, entrySymbol string) *Hub {
	return &Hub{
		tab:      t,
		entry:    entrySymbol,
		watchers: make(map[string]*Watcher),
		log:      klog.Component("driverwatch"),
	}
}

// Watch registers interest in a driver's registration. The first watcher
// installs the shared override; a second watcher on the same name is a hard
// error, not a no-op.
func (h *Hub) Watch(name string, mask EventMask, cb Callback) (*Watcher, error) {
	if name == "" || cb == nil || mask == 0 {
		return nil, errors.New("watch: name, mask and callback are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[name]; ok {
		klog.Bug(h.log.Error()).Str("driver", name).Msg("double watch")
		return nil, ErrAlreadyWatched
	}
	if h.ov == nil {
		repl := reflect.ValueOf(h.intercept).Pointer()
		ov, err := kshim.NewOverride(h.tab, h.entry, repl)
		if err != nil {
			return nil, fmt.Errorf("override %s: %w", h.entry, err)
		}
		if err := ov.Install(); err != nil {
			ov.Destroy()
			return nil, fmt.Errorf("install %s: %w", h.entry, err)
		}
		h.ov = ov
	}
	w := &Watcher{name: name, mask: mask, cb: cb}
	h.watchers[name] = w
	h.log.Debug().Str("driver", name).Msg("watching")
	return w, nil
}

// Unwatch removes a watcher and, if it was the last one, lifts the shared
// override.
func (h *Hub) Unwatch(w *Watcher) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unwatch(w)
}

func (h *Hub) unwatch(w *Watcher) error {
	cur, ok := h.watchers[w.name]
	if !ok || cur != w {
		return ErrNotWatched
	}
	delete(h.watchers, w.name)
	if len(h.watchers) == 0 && h.ov != nil {
		if err := h.ov.Uninstall(); err != nil {
			return err
		}
		if err := h.ov.Destroy(); err != nil {
			return err
		}
		h.ov = nil
	}
	h.log.Debug().Str("driver", w.name).Msg("unwatched")
	return nil
}

// Dispatch routes one registration event through the matching watcher and
// returns its verdict. The registration entry point's interceptor calls
// this for every driver system-wide; non-matching drivers pass straight
// through with Continue. A Done verdict delivers the event and then
// self-unwatches. Abort verdicts are only meaningful while the registration
// is still Coming; for a Live event they are a callback bug and degrade to
// Continue.
func (h *Hub) Dispatch(drv Driver, ev Event) Action {
	h.mu.Lock()
	w, ok := h.watchers[drv.Name]
	h.mu.Unlock()
	if !ok || w.mask&maskFor(ev) == 0 {
		return Continue
	}
	act := w.cb(drv, ev)
	if act == Done {
		h.mu.Lock()
		if err := h.unwatch(w); err != nil {
			h.log.Error().Str("driver", drv.Name).Err(err).Msg("self-unwatch failed")
		}
		h.mu.Unlock()
		return Continue
	}
	if (act == AbortOK || act == AbortBusy) && ev != Coming {
		klog.Bug(h.log.Warn()).Str("driver", drv.Name).Int("action", int(act)).
			Msg("abort verdict for an already-live driver, ignored")
		return Continue
	}
	return act
}

// Watching reports whether the hub currently holds a watcher for name.
func (h *Hub) Watching(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.watchers[name]
	return ok
}

// EntryPatched reports whether the shared override is currently installed.
func (h *Hub) EntryPatched() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ov != nil && h.ov.Installed()
}

// intercept is the replacement body for the registration entry point. Its
// address is what gets encoded into the trampoline.
func (h *Hub) intercept(drv Driver, ev Event) Action {
	return h.Dispatch(drv, ev)
}

func maskFor(ev Event) EventMask {
	if ev == Coming {
		return MaskComing
	}
	return MaskLive
}
