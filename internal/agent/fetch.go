package agent

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/juju/errors"

	"github.com/ovenwatch/ovenwatch/internal/wire"
)

const startupFetchBudget = 2 * time.Minute

// FetchAll pulls the three operating parameters from the remote service.
// Each fetch is independent: one failing does not block the others, and a
// failed or malformed fetch keeps the previous (or default) value.
// Callers must hold a usable link.
func (a *Agent) FetchAll(st *AgentState) {
	addr := a.cfg.Server.Addr

	if body, ok := a.fetchBody(addr, "/api/ip"); ok {
		// empty string is a soft miss like an absent key: a populated field is
		// never rolled back to empty
		if ip, found, err := wire.JSONString(body, "ip"); err != nil {
			a.log.Errorf("config: ip: %v", err)
		} else if !found || ip == "" {
			a.log.Infof("config: ip empty or missing in response, keeping previous")
		} else {
			st.Remote.BrokerAddr = net.JoinHostPort(ip, strconv.Itoa(a.cfg.Broker.Port))
			a.log.Debugf("config: broker=%s", st.Remote.BrokerAddr)
		}
	}

	if body, ok := a.fetchBody(addr, "/api/settings"); ok {
		if threshold, found, err := wire.JSONFloat(body, "temp_threshold"); err != nil {
			a.log.Errorf("config: temp_threshold: %v", err)
		} else if !found {
			a.log.Infof("config: temp_threshold missing in response, keeping previous")
		} else {
			st.Remote.AlarmThreshold = threshold
			a.log.Debugf("config: threshold=%.1f", threshold)
		}
	}

	if body, ok := a.fetchBody(addr, "/api/phonenumber"); ok {
		if recipient, found, err := wire.JSONString(body, "phonenumber"); err != nil {
			a.log.Errorf("config: phonenumber: %v", err)
		} else if !found || recipient == "" {
			a.log.Infof("config: phonenumber empty or missing in response, keeping previous")
		} else {
			st.Remote.AlarmRecipient = recipient
		}
	}

	a.lastFetch = time.Now()
}

func (a *Agent) fetchBody(addr, path string) ([]byte, bool) {
	status, body, err := a.net.Get(addr, path)
	if err != nil {
		a.log.Errorf("config: GET %s: %v", path, err)
		return nil, false
	}
	if status != 200 {
		a.log.Errorf("config: GET %s status=%d", path, status)
		return nil, false
	}
	return body, true
}

// fetchStartup retries FetchAll with exponential backoff within a bounded
// budget. An incomplete fetch is not fatal: cycles start with defaults and
// publish stays off until a broker address is known. Stop() aborts the retry
// loop, including mid-sleep.
func (a *Agent) fetchStartup(st *AgentState) {
	op := func() error {
		if !a.Alive.IsRunning() {
			return backoff.Permanent(errors.Errorf("stopping"))
		}
		if !a.ensureLink() {
			return errors.Errorf("link not usable")
		}
		a.FetchAll(st)
		if st.Remote.BrokerAddr == "" {
			return errors.Errorf("broker address not fetched")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = startupFetchBudget
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		a.log.Errorf("startup config fetch incomplete, continuing with defaults: %v", err)
	}
}
