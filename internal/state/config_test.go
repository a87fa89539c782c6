package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenwatch/ovenwatch/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	fs := NewMockFullReader(map[string]string{
		"device.hcl": `
include "site.hcl" {}
agent { cycle_sec = 60 }
sensor {
  window = 25
  tick_ms = 200
  strategy = "upperhalf"
  spi1 = "/dev/spidev0.0"
  spi2 = "/dev/spidev0.1"
}
modem {
  port = "/dev/ttyAMA0"
  apn = "internet"
}
`,
		"site.hcl": `
server { addr = "ovenwatch.example.org:8000" }
broker {
  port = 6379
  channel = "temps"
  password = "hunter2"
}
`,
	})
	c, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, "device.hcl")
	require.NoError(t, err)
	assert.Equal(t, 60, c.Agent.CycleSec)
	assert.Equal(t, 25, c.Sensor.Window)
	assert.Equal(t, "upperhalf", c.Sensor.Strategy)
	assert.Equal(t, "internet", c.Modem.Apn)
	assert.Equal(t, "ovenwatch.example.org:8000", c.Server.Addr)
	assert.Equal(t, 6379, c.Broker.Port)
	assert.Equal(t, "temps", c.Broker.Channel)
}

func TestReadConfigMissingRequired(t *testing.T) {
	t.Parallel()

	fs := NewMockFullReader(map[string]string{})
	_, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, "nope.hcl")
	assert.Error(t, err)
}

func TestReadConfigOptionalInclude(t *testing.T) {
	t.Parallel()

	fs := NewMockFullReader(map[string]string{
		"device.hcl": `
include "absent.hcl" { optional = true }
agent { cycle_sec = 30 }
`,
	})
	c, err := ReadConfig(log2.NewTest(t, log2.LDebug), fs, "device.hcl")
	require.NoError(t, err)
	assert.Equal(t, 30, c.Agent.CycleSec)
}

func TestRemoteConfigDefaults(t *testing.T) {
	t.Parallel()

	rc := NewRemoteConfig()
	assert.Equal(t, "", rc.BrokerAddr)
	assert.Equal(t, 30.0, rc.AlarmThreshold)
	assert.Equal(t, "", rc.AlarmRecipient)
}
