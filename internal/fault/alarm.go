package fault

import (
	"fmt"

	"github.com/ovenwatch/ovenwatch/internal/sensor"
	"github.com/ovenwatch/ovenwatch/log2"
)

// SMSer is the device-native short-message capability, implemented by the
// modem driver.
type SMSer interface {
	SendSMS(to, text string) error
}

// Alarm is the latched over-temperature notifier. The latch flips only on a
// confirmed send and never resets within the process lifetime; restarting
// the agent is the one way to re-arm it.
type Alarm struct {
	log  *log2.Log
	sms  SMSer
	sent bool
}

func NewAlarm(log *log2.Log, sms SMSer) *Alarm {
	return &Alarm{log: log, sms: sms}
}

func (a *Alarm) Sent() bool { return a.sent }

// Decide applies the alarm rule to one cycle of aggregates:
// both channels valid = both must exceed threshold (one hot channel alone is
// likely a sensor artifact); exactly one valid = that channel decides; none
// valid = no decision. The returned text names the triggering channels.
func Decide(agg1, agg2 sensor.Aggregate, threshold float64) (bool, string) {
	switch {
	case agg1.Valid && agg2.Valid:
		if agg1.Value > threshold && agg2.Value > threshold {
			return true, fmt.Sprintf("ALARM temp1=%.1fC temp2=%.1fC threshold=%.1fC", agg1.Value, agg2.Value, threshold)
		}
	case agg1.Valid:
		if agg1.Value > threshold {
			return true, fmt.Sprintf("ALARM temp1=%.1fC (sensor2 down) threshold=%.1fC", agg1.Value, threshold)
		}
	case agg2.Valid:
		if agg2.Value > threshold {
			return true, fmt.Sprintf("ALARM temp2=%.1fC (sensor1 down) threshold=%.1fC", agg2.Value, threshold)
		}
	}
	return false, ""
}

// Evaluate runs one cycle of alarm logic. No configured recipient means the
// feature is off, not a fault. A failed send leaves the latch unset so a
// later cycle retries.
func (a *Alarm) Evaluate(agg1, agg2 sensor.Aggregate, threshold float64, recipient string) {
	if a.sent || recipient == "" {
		return
	}
	trigger, text := Decide(agg1, agg2, threshold)
	if !trigger {
		return
	}
	if err := a.sms.SendSMS(recipient, text); err != nil {
		a.log.Errorf("alarm: send to=%s failed: %v", recipient, err)
		return
	}
	a.log.Infof("alarm: sent to=%s text=%q", recipient, text)
	a.sent = true
}
