package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenwatch/ovenwatch/internal/sensor"
	"github.com/ovenwatch/ovenwatch/internal/state"
	"github.com/ovenwatch/ovenwatch/log2"
)

type mockLink struct {
	regErr    error
	bearerErr error
	usable    bool
}

func (m *mockLink) EnsureRegistered(time.Duration) error { return m.regErr }
func (m *mockLink) EnsureBearer(string, time.Duration) error {
	if m.bearerErr == nil {
		m.usable = true
	}
	return m.bearerErr
}
func (m *mockLink) IsUsable() bool { return m.usable }

type mockNet struct {
	bodies     map[string]string // path -> response body
	getErr     map[string]error
	gets       []string
	published  []string
	publishErr error
	reports    []string
}

func (m *mockNet) Get(addr, path string) (int, []byte, error) {
	m.gets = append(m.gets, path)
	if err := m.getErr[path]; err != nil {
		return 0, nil, err
	}
	body, ok := m.bodies[path]
	if !ok {
		return 404, nil, nil
	}
	return 200, []byte(body), nil
}

func (m *mockNet) Post(addr, path, contentType string, body []byte) (int, error) {
	m.reports = append(m.reports, path+" "+string(body))
	return 200, nil
}

func (m *mockNet) Publish(addr, password, channel string, payload []byte) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, string(payload))
	return nil
}

type mockSMS struct {
	fail bool
	sent []string
}

func (m *mockSMS) SendSMS(to, text string) error {
	if m.fail {
		return errors.Errorf("no network")
	}
	m.sent = append(m.sent, text)
	return nil
}

type constTherm float64

func (c constTherm) Read() sensor.Reading {
	return sensor.Reading{Value: float64(c), Valid: true}
}

type deadTherm struct{}

func (deadTherm) Read() sensor.Reading { return sensor.Reading{Fault: sensor.FaultOpen} }

type tenv struct {
	agent *Agent
	st    *AgentState
	link  *mockLink
	net   *mockNet
	sms   *mockSMS
}

func newTestEnv(t testing.TB, th1, th2 sensor.Thermometer) *tenv {
	cfg := &state.Config{}
	cfg.Sensor.Window = 2
	cfg.Sensor.TickMs = 1
	cfg.Server.Addr = "config.example.org:8000"
	cfg.Broker.Port = 6379
	cfg.Broker.Channel = "temps"
	cfg.Broker.Password = "hunter2"

	env := &tenv{
		link: &mockLink{},
		net:  &mockNet{bodies: map[string]string{}, getErr: map[string]error{}},
		sms:  &mockSMS{},
	}
	a, err := New(Options{
		Log:     log2.NewTest(t, log2.LDebug),
		Config:  cfg,
		Link:    env.link,
		Net:     env.net,
		Sensor1: th1,
		Sensor2: th2,
		SMS:     env.sms,
	})
	require.NoError(t, err)
	env.agent = a
	env.st = a.NewState()
	return env
}

func TestCyclePublish(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(35), constTherm(40))
	env.st.Remote.BrokerAddr = "10.0.0.2:6379"
	env.agent.cycle(env.st)

	require.Len(t, env.net.published, 1)
	var p map[string]float64
	require.NoError(t, json.Unmarshal([]byte(env.net.published[0]), &p))
	assert.Equal(t, 35.0, p["avg_temp1"])
	assert.Equal(t, 40.0, p["avg_temp2"])
	assert.Empty(t, env.net.reports)
}

func TestCycleNoBrokerAddrSkipsPublish(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(35), constTherm(40))
	env.agent.cycle(env.st)
	assert.Empty(t, env.net.published)
}

func TestCycleLinkDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(35), constTherm(40))
	env.st.Remote.BrokerAddr = "10.0.0.2:6379"
	env.link.bearerErr = errors.Errorf("no bearer")

	env.agent.cycle(env.st)
	assert.Empty(t, env.net.published)
	require.Len(t, env.net.reports, 1)
	assert.Contains(t, env.net.reports[0], "cellular link failed")

	// throttled on the next cycle
	env.agent.cycle(env.st)
	assert.Len(t, env.net.reports, 1)
}

func TestCycleSensorFaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, deadTherm{}, constTherm(40))
	env.st.Remote.BrokerAddr = "10.0.0.2:6379"
	env.agent.cycle(env.st)

	// sentinel for the dead channel, real value for the other
	require.Len(t, env.net.published, 1)
	var p map[string]float64
	require.NoError(t, json.Unmarshal([]byte(env.net.published[0]), &p))
	assert.Equal(t, SentinelTemp, p["avg_temp1"])
	assert.Equal(t, 40.0, p["avg_temp2"])

	require.Len(t, env.net.reports, 1)
	assert.Contains(t, env.net.reports[0], "sensor1 failed")
}

func TestCycleBothSensorsFailedSingleReport(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, deadTherm{}, deadTherm{})
	env.agent.cycle(env.st)
	require.Len(t, env.net.reports, 1)
	assert.Contains(t, env.net.reports[0], "both sensors failed")
}

func TestCycleAlarm(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(35), constTherm(40))
	env.st.Remote.AlarmRecipient = "+4915100000000"
	env.st.Remote.AlarmThreshold = 30

	env.agent.cycle(env.st)
	require.Len(t, env.sms.sent, 1)
	assert.Contains(t, env.sms.sent[0], "ALARM")
	assert.True(t, env.st.Alarm.Sent())

	// latched across cycles
	env.agent.cycle(env.st)
	assert.Len(t, env.sms.sent, 1)
}

func TestEncodePayloadSentinel(t *testing.T) {
	t.Parallel()

	b := EncodePayload(sensor.Aggregate{}, sensor.Aggregate{Value: 21.5, Valid: true})
	assert.JSONEq(t, `{"avg_temp1": -999, "avg_temp2": 21.5}`, string(b))
}

func TestFetchAll(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.net.bodies["/api/ip"] = `{"ip": "10.0.0.2"}`
	env.net.bodies["/api/settings"] = `{"temp_threshold": 250.0}`
	env.net.bodies["/api/phonenumber"] = `{"phonenumber": "+4915100000000"}`

	env.agent.FetchAll(env.st)
	assert.Equal(t, "10.0.0.2:6379", env.st.Remote.BrokerAddr)
	assert.Equal(t, 250.0, env.st.Remote.AlarmThreshold)
	assert.Equal(t, "+4915100000000", env.st.Remote.AlarmRecipient)
}

func TestFetchAllIndependentFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.net.getErr["/api/ip"] = errors.Errorf("connect refused")
	env.net.bodies["/api/settings"] = `{"temp_threshold": 55.5}`
	env.net.bodies["/api/phonenumber"] = `{}`

	env.agent.FetchAll(env.st)
	// failed fetch keeps previous value
	assert.Equal(t, "", env.st.Remote.BrokerAddr)
	// success applies
	assert.Equal(t, 55.5, env.st.Remote.AlarmThreshold)
	// soft miss keeps previous value
	assert.Equal(t, "", env.st.Remote.AlarmRecipient)
}

func TestFetchAllMalformedKeepsPrevious(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.st.Remote.AlarmThreshold = 80
	env.net.bodies["/api/settings"] = `{"temp_threshold": garbage`

	env.agent.FetchAll(env.st)
	assert.Equal(t, 80.0, env.st.Remote.AlarmThreshold)
}

func TestFetchAllNeverRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.st.Remote.BrokerAddr = "10.0.0.2:6379"
	env.st.Remote.AlarmRecipient = "+4915100000000"
	// remote now answers with errors
	env.net.getErr["/api/ip"] = errors.Errorf("timeout")
	env.net.getErr["/api/phonenumber"] = errors.Errorf("timeout")

	env.agent.FetchAll(env.st)
	assert.Equal(t, "10.0.0.2:6379", env.st.Remote.BrokerAddr)
	assert.Equal(t, "+4915100000000", env.st.Remote.AlarmRecipient)
}

func TestFetchAllEmptyValueKeepsPrevious(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.st.Remote.BrokerAddr = "10.0.0.2:6379"
	env.st.Remote.AlarmRecipient = "+4915100000000"
	// successful fetches carrying empty values must not clear the fields
	env.net.bodies["/api/ip"] = `{"ip": ""}`
	env.net.bodies["/api/phonenumber"] = `{"phonenumber": ""}`

	env.agent.FetchAll(env.st)
	assert.Equal(t, "10.0.0.2:6379", env.st.Remote.BrokerAddr)
	assert.Equal(t, "+4915100000000", env.st.Remote.AlarmRecipient)
}

func TestCycleRefetchInterval(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, constTherm(20), constTherm(20))
	env.agent.cfg.Agent.RefetchSec = 1
	env.net.bodies["/api/ip"] = `{"ip": "10.0.0.9"}`

	// interval not elapsed yet: no fetch this cycle
	env.agent.lastFetch = time.Now()
	env.agent.cycle(env.st)
	assert.Empty(t, env.net.gets)

	// elapsed: the cycle refreshes remote config
	env.agent.lastFetch = time.Now().Add(-2 * time.Second)
	env.agent.cycle(env.st)
	assert.Contains(t, env.net.gets, "/api/ip")
	assert.Equal(t, "10.0.0.9:6379", env.st.Remote.BrokerAddr)
}

func TestFetchStartupStopAborts(t *testing.T) {
	t.Parallel()

	// remote never answers usefully, so the retry loop would run its full
	// budget unless stop cuts it short
	env := newTestEnv(t, constTherm(20), constTherm(20))

	done := make(chan struct{})
	go func() {
		env.agent.fetchStartup(env.st)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	env.agent.Alive.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("startup fetch did not stop")
	}
}
