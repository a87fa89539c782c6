// Package agent composes one telemetry cycle: ensure link, sample, aggregate,
// publish, evaluate alarm, report faults, sleep. Single thread of control;
// every blocking step carries its own timeout, a failed step degrades the
// cycle instead of aborting it.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ovenwatch/ovenwatch/helpers"
	"github.com/ovenwatch/ovenwatch/internal/fault"
	"github.com/ovenwatch/ovenwatch/internal/link"
	"github.com/ovenwatch/ovenwatch/internal/sensor"
	"github.com/ovenwatch/ovenwatch/internal/state"
	"github.com/ovenwatch/ovenwatch/log2"
)

const (
	DefaultCycleInterval   = 60 * time.Second
	DefaultRegisterTimeout = 90 * time.Second
	DefaultBearerTimeout   = 60 * time.Second

	// Encodes "no aggregate this cycle" inside the fixed payload schema.
	// Far below any temperature the probes can report.
	SentinelTemp = -999.0
)

// Linker is what the cycle needs from the link state machine.
type Linker interface {
	EnsureRegistered(timeout time.Duration) error
	EnsureBearer(apn string, timeout time.Duration) error
	IsUsable() bool
}

var _ Linker = (*link.Manager)(nil)

// NetClient is what the cycle needs from the wire protocol client.
type NetClient interface {
	Get(addr, path string) (int, []byte, error)
	Post(addr, path, contentType string, body []byte) (int, error)
	Publish(addr, password, channel string, payload []byte) error
}

// AgentState is all process-wide mutable state: remote config, alarm latch,
// report throttle. Passed by reference into every cycle; the cycle is the
// single writer.
type AgentState struct {
	Remote   state.RemoteConfig
	Alarm    *fault.Alarm
	Throttle *fault.Throttle
}

type Options struct {
	Log     *log2.Log
	Config  *state.Config
	Link    Linker
	Net     NetClient
	Sensor1 sensor.Thermometer
	Sensor2 sensor.Thermometer
	SMS     fault.SMSer
}

type Agent struct {
	Alive *alive.Alive

	log       *log2.Log
	cfg       *state.Config
	link      Linker
	net       NetClient
	th1, th2  sensor.Thermometer
	col       sensor.Collector
	sms       fault.SMSer
	lastFetch time.Time
}

func New(opt Options) (*Agent, error) {
	strategy, err := sensor.ParseStrategy(opt.Config.Sensor.Strategy)
	if err != nil {
		return nil, errors.Annotate(err, "agent config")
	}
	a := &Agent{
		Alive: alive.NewAlive(),
		log:   opt.Log,
		cfg:   opt.Config,
		link:  opt.Link,
		net:   opt.Net,
		th1:   opt.Sensor1,
		th2:   opt.Sensor2,
		sms:   opt.SMS,
		col: sensor.Collector{
			Window:   opt.Config.Sensor.Window,
			Tick:     helpers.IntMillisecondDefault(opt.Config.Sensor.TickMs, 200*time.Millisecond),
			Strategy: strategy,
		},
	}
	return a, nil
}

func (a *Agent) NewState() *AgentState {
	return &AgentState{
		Remote:   state.NewRemoteConfig(),
		Alarm:    fault.NewAlarm(a.log, a.sms),
		Throttle: fault.NewThrottle(fault.DefaultReportCooldown),
	}
}

// Run blocks until Alive.Stop(). Remote config is fetched once up front;
// cycles continue with defaults if that fails.
func (a *Agent) Run(st *AgentState) {
	a.fetchStartup(st)
	interval := helpers.IntSecondDefault(a.cfg.Agent.CycleSec, DefaultCycleInterval)
	for a.Alive.IsRunning() {
		begin := time.Now()
		a.cycle(st)
		if d := interval - time.Since(begin); d > 0 {
			select {
			case <-time.After(d):
			case <-a.Alive.StopChan():
			}
		}
	}
}

func (a *Agent) cycle(st *AgentState) {
	now := time.Now()
	linkOK := a.ensureLink()

	// channels are sampled even with the link down: aggregation and the
	// alarm do not depend on the network
	agg1 := a.col.Collect(a.th1)
	agg2 := a.col.Collect(a.th2)
	a.log.Infof("cycle: temp1=%s/%s temp2=%s/%s link=%v",
		fmtAgg(agg1), agg1.LastFault.Health(), fmtAgg(agg2), agg2.LastFault.Health(), linkOK)

	if linkOK && st.Remote.BrokerAddr != "" {
		err := a.net.Publish(st.Remote.BrokerAddr, a.cfg.Broker.Password, a.cfg.Broker.Channel, EncodePayload(agg1, agg2))
		if err != nil {
			a.log.Errorf("publish: %v", err)
		}
	}

	st.Alarm.Evaluate(agg1, agg2, st.Remote.AlarmThreshold, st.Remote.AlarmRecipient)
	a.reportFaults(st, agg1, agg2, linkOK, now)

	if refetch := helpers.IntSecondDefault(a.cfg.Agent.RefetchSec, 0); refetch > 0 &&
		linkOK && time.Since(a.lastFetch) >= refetch {
		a.FetchAll(st)
	}
}

func (a *Agent) ensureLink() bool {
	regTimeout := helpers.IntSecondDefault(a.cfg.Modem.RegisterTimeoutSec, DefaultRegisterTimeout)
	if err := a.link.EnsureRegistered(regTimeout); err != nil {
		a.log.Errorf("link: %v", err)
		return false
	}
	bearerTimeout := helpers.IntSecondDefault(a.cfg.Modem.BearerTimeoutSec, DefaultBearerTimeout)
	if err := a.link.EnsureBearer(a.cfg.Modem.Apn, bearerTimeout); err != nil {
		a.log.Errorf("link: %v", err)
		return false
	}
	return true
}

func (a *Agent) reportFaults(st *AgentState, agg1, agg2 sensor.Aggregate, linkOK bool, now time.Time) {
	cats := make([]fault.Category, 0, 2)
	switch {
	case !agg1.Valid && !agg2.Valid:
		cats = append(cats, fault.BothSensorsFailed)
	case !agg1.Valid:
		cats = append(cats, fault.SensorOneFailed)
	case !agg2.Valid:
		cats = append(cats, fault.SensorTwoFailed)
	}
	if !linkOK {
		cats = append(cats, fault.LinkFailed)
	}
	for _, c := range cats {
		if !st.Throttle.ShouldReport(c, now) {
			continue
		}
		body, err := json.Marshal(struct {
			Message string `json:"message"`
		}{Message: c.String()})
		if err != nil {
			panic("code error report marshal: " + err.Error())
		}
		// fire and forget: a failed report is logged locally, never retried
		// within the cycle
		if _, err := a.net.Post(a.cfg.Server.Addr, "/api/error", "application/json", body); err != nil {
			a.log.Errorf("report %s: %v", c, err)
		}
	}
}

// EncodePayload renders the broker message. The schema always carries both
// fields; an absent aggregate becomes SentinelTemp.
func EncodePayload(agg1, agg2 sensor.Aggregate) []byte {
	p := struct {
		AvgTemp1 float64 `json:"avg_temp1"`
		AvgTemp2 float64 `json:"avg_temp2"`
	}{SentinelTemp, SentinelTemp}
	if agg1.Valid {
		p.AvgTemp1 = agg1.Value
	}
	if agg2.Valid {
		p.AvgTemp2 = agg2.Value
	}
	b, err := json.Marshal(&p)
	if err != nil {
		panic("code error payload marshal: " + err.Error())
	}
	return b
}

func fmtAgg(agg sensor.Aggregate) string {
	if !agg.Valid {
		return "absent"
	}
	return fmt.Sprintf("%.2fC", agg.Value)
}
