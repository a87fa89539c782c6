// Package link owns the cellular registration and data-bearer lifecycle.
// Reconnection is on-demand: callers pay the cost right before a network
// dependent step, there is no background repair goroutine.
package link

import (
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/ovenwatch/ovenwatch/helpers"
	"github.com/ovenwatch/ovenwatch/log2"
)

type State uint32

const (
	StateUnregistered State = iota // fresh start or network dropped us
	StateRegistered                // on the network, no data bearer yet
	StateBearerUp                  // data-capable, only state where traffic may flow
	StateBearerDown                // registered but bearer was lost
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateBearerUp:
		return "bearer-up"
	case StateBearerDown:
		return "bearer-down"
	}
	return "invalid"
}

// Modem is the capability boundary to the radio. Implementations: real AT
// driver in hardware/sim800, scripted mocks in tests.
type Modem interface {
	// Registered queries network registration. Query errors count as not
	// registered at the caller.
	Registered() (bool, error)

	// OpenBearer makes a single bearer establishment attempt.
	OpenBearer(apn string, timeout time.Duration) error

	// BearerOpen queries current bearer status.
	BearerOpen() (bool, error)
}

const regPollDelay = 2 * time.Second

const (
	DefaultBearerRetryMin = 5 * time.Second
	DefaultBearerRetryMax = 5 * time.Minute
)

// Manager is the only mutator of State.
type Manager struct {
	log        *log2.Log
	modem      Modem
	state      uint32 // atomic State
	lastChange atomic_clock.Clock
	backoff    helpers.Backoff
}

func NewManager(log *log2.Log, modem Modem) *Manager {
	return &Manager{
		log:   log,
		modem: modem,
		backoff: helpers.Backoff{
			Min: DefaultBearerRetryMin,
			Max: DefaultBearerRetryMax,
			K:   2,
		},
	}
}

func (m *Manager) State() State { return State(atomic.LoadUint32(&m.state)) }

// IsUsable is a pure query: true iff the data bearer is up.
func (m *Manager) IsUsable() bool { return m.State() == StateBearerUp }

func (m *Manager) setState(new State) {
	old := State(atomic.SwapUint32(&m.state, uint32(new)))
	if old != new {
		m.log.Infof("link: %s -> %s after=%s", old, new, atomic_clock.Since(&m.lastChange))
		m.lastChange.SetNow()
	}
}

// EnsureRegistered polls registration until success or timeout.
// Timeout is a retryable failure for the current cycle, never fatal.
func (m *Manager) EnsureRegistered(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.modem.Registered()
		if err != nil {
			m.log.Debugf("link: registration query err=%v", err)
		}
		if ok {
			if m.State() == StateUnregistered {
				m.setState(StateRegistered)
			}
			return nil
		}
		m.setState(StateUnregistered)
		if time.Now().After(deadline) {
			return errors.Timeoutf("registration timeout=%s", timeout)
		}
		delay := regPollDelay
		if remain := time.Until(deadline); remain < delay {
			delay = remain
		}
		time.Sleep(delay)
	}
}

// EnsureBearer is idempotent: verified BearerUp is an immediate success.
// A lost bearer is detected here via modem status and demoted to BearerDown
// before a single re-establishment attempt. Attempts are paced by backoff so
// a flapping bearer does not burn the radio every cycle.
func (m *Manager) EnsureBearer(apn string, timeout time.Duration) error {
	if m.State() == StateBearerUp {
		if up, err := m.modem.BearerOpen(); err == nil && up {
			return nil
		}
		m.setState(StateBearerDown)
	}
	if delay := m.backoff.DelayBefore(); delay > 0 {
		return errors.Errorf("bearer attempt postponed for %s", delay)
	}
	err := m.modem.OpenBearer(apn, timeout)
	m.backoff.Update(err == nil)
	if err != nil {
		if m.State() != StateUnregistered {
			m.setState(StateBearerDown)
		}
		return errors.Annotate(err, "bearer open")
	}
	m.setState(StateBearerUp)
	return nil
}
