// Package failpoint provides named interruption points inside the
// coordinator state machine. A hang failpoint parks the coordinator until its
// context is cancelled, which is how tests hold a transaction at an exact
// protocol step across a failover.
package failpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/tpcd/api"
)

// Known failpoint names.
const (
	HangBeforeWritingParticipantList = "hangBeforeWritingParticipantList"
	HangAfterWritingParticipantList  = "hangAfterWritingParticipantList"
	HangBeforeWritingDecision        = "hangBeforeWritingDecision"
	HangAfterWritingDecision         = "hangAfterWritingDecision"
	HangBeforeDeletingDocument       = "hangBeforeDeletingDocument"
	FailWritingParticipantList       = "failWritingParticipantList"
)

// Mode selects what an enabled failpoint does when hit.
type Mode int

const (
	Off Mode = iota
	Hang
	Error
)

func (m Mode) String() string {
	switch m {
	case Hang:
		return api.FailpointModeHang
	case Error:
		return api.FailpointModeError
	default:
		return api.FailpointModeOff
	}
}

// ParseMode parses hang, error or off.
func ParseMode(raw string) (Mode, error) {
	switch raw {
	case api.FailpointModeHang:
		return Hang, nil
	case api.FailpointModeError:
		return Error, nil
	case api.FailpointModeOff, "":
		return Off, nil
	}
	return Off, fmt.Errorf("failpoint: unknown mode %q", raw)
}

// ErrInjected is returned (wrapped) by failpoints in Error mode.
var ErrInjected = errors.New("failpoint: injected failure")

// ErrUnknown is returned when enabling a name that does not exist.
var ErrUnknown = errors.New("failpoint: unknown name")

var known = map[string]struct{}{
	HangBeforeWritingParticipantList: {},
	HangAfterWritingParticipantList:  {},
	HangBeforeWritingDecision:        {},
	HangAfterWritingDecision:         {},
	HangBeforeDeletingDocument:       {},
	FailWritingParticipantList:       {},
}

// Names returns every known failpoint name, sorted.
func Names() []string {
	out := make([]string, 0, len(known))
	for name := range known {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Set holds the enabled failpoints of one process. A nil *Set is valid and
// never fires.
type Set struct {
	mu      sync.Mutex
	active  map[string]Mode
	reached map[string]chan struct{}
	hits    map[string]int
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		active:  make(map[string]Mode),
		reached: make(map[string]chan struct{}),
		hits:    make(map[string]int),
	}
}

// Enable switches name to mode. Mode Off disables it.
func (s *Set) Enable(name string, mode Mode) error {
	if _, ok := known[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == Off {
		delete(s.active, name)
		return nil
	}
	s.active[name] = mode
	s.reached[name] = make(chan struct{})
	return nil
}

// Disable turns name off.
func (s *Set) Disable(name string) {
	_ = s.Enable(name, Off)
}

// Active returns the enabled failpoints as name → mode.
func (s *Set) Active() map[string]string {
	out := make(map[string]string)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, mode := range s.active {
		out[name] = mode.String()
	}
	return out
}

// Hits reports how many times name fired while enabled.
func (s *Set) Hits(name string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[name]
}

// Hit evaluates name. Off returns nil immediately. Error returns an error
// wrapping ErrInjected. Hang blocks until ctx ends and returns its cause.
func (s *Set) Hit(ctx context.Context, name string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	mode := s.active[name]
	if mode == Off {
		s.mu.Unlock()
		return nil
	}
	s.hits[name]++
	if ch := s.reached[name]; ch != nil {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	s.mu.Unlock()

	switch mode {
	case Error:
		return fmt.Errorf("%w: %s", ErrInjected, name)
	case Hang:
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return nil
}

// WaitReached blocks until name has fired since it was last enabled.
func (s *Set) WaitReached(ctx context.Context, name string) error {
	if s == nil {
		return fmt.Errorf("failpoint: no set")
	}
	s.mu.Lock()
	ch := s.reached[name]
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("failpoint: %s was never enabled", name)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
