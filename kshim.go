package kshim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openkern/kshim/internal/klog"
)

// Step is one activation unit: a patch or table override applied during
// load and reverted during shutdown. Critical steps abort the whole load on
// failure; optional steps log and continue.
type Step struct {
	Name     string
	Critical bool
	Apply    func() error
	Revert   func() error
}

// Config lists activation steps in apply order.
type Config struct {
	Steps []Step
}

// Validate rejects configs with unusable steps.
func (c *Config) Validate() error {
	if len(c.Steps) == 0 {
		return errors.New("no activation steps")
	}
	for _, s := range c.Steps {
		if s.Name == "" || s.Apply == nil {
			return fmt.Errorf("step %q: missing name or apply", s.Name)
		}
	}
	return nil
}

// Shim tracks the applied steps so shutdown can revert them in strict
// reverse registration order.
type Shim struct {
	mu      sync.Mutex
	applied []Step
	active  bool
}

// Activate applies every step in order. A critical step failing reverts
// everything already applied and refuses to activate: the facility never
// runs in a partially patched state.
func Activate(cfg *Config) (*Shim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := klog.Component("activate")
	s := &Shim{}
	for _, st := range cfg.Steps {
		if err := st.Apply(); err != nil {
			if st.Critical {
				lg.Error().Str("step", st.Name).Err(err).Msg("critical step failed, reverting")
				s.revert()
				return nil, fmt.Errorf("step %s: %w", st.Name, err)
			}
			lg.Warn().Str("step", st.Name).Err(err).Msg("optional step failed, continuing")
			continue
		}
		s.applied = append(s.applied, st)
	}
	s.active = true
	return s, nil
}

// Deactivate reverts the applied steps in reverse order. Revert errors do
// not stop the walk; every remaining step still gets its chance to restore.
func (s *Shim) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	err := s.revert()
	s.active = false
	return err
}

func (s *Shim) revert() error {
	var errs []error
	for i := len(s.applied) - 1; i >= 0; i-- {
		st := s.applied[i]
		if st.Revert == nil {
			continue
		}
		if err := st.Revert(); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", st.Name, err))
		}
	}
	s.applied = nil
	return errors.Join(errs...)
}
