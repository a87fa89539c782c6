// Package sensor: per-channel temperature acquisition and window aggregation.
package sensor

type FaultCode uint8

const (
	FaultNone     FaultCode = iota
	FaultOpen               // thermocouple not connected
	FaultShortGND           // probe wire shorted to ground
	FaultShortVCC           // probe wire shorted to supply
	FaultUnknown            // driver error or garbage on the bus
)

func (f FaultCode) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultOpen:
		return "open"
	case FaultShortGND:
		return "short-gnd"
	case FaultShortVCC:
		return "short-vcc"
	}
	return "unknown"
}

// Health is the operator-facing label for the latest fault code.
// Independent of aggregation outcome: a channel may read healthy while the
// last window still produced zero valid samples and vice versa.
func (f FaultCode) Health() string {
	switch f {
	case FaultNone:
		return "ok"
	case FaultOpen:
		return "open circuit"
	case FaultShortGND:
		return "short to ground"
	case FaultShortVCC:
		return "short to supply"
	}
	return "unknown fault"
}

// Reading is one raw sample from one channel. Valid=false means no numeric
// value was produced; Fault may be set independently of Valid.
type Reading struct {
	Value float64
	Valid bool
	Fault FaultCode
}

// Thermometer is the capability boundary to a physical channel.
// Read blocks for at most one hardware transaction, never errors:
// failures surface as Fault / Valid=false.
type Thermometer interface {
	Read() Reading
}
