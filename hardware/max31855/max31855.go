// Package max31855 reads a MAX31855 thermocouple converter over SPI.
// Frame decoding is pure and separate from the bus transaction so it can be
// tested without hardware.
package max31855

import (
	"encoding/binary"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"

	"github.com/ovenwatch/ovenwatch/internal/sensor"
	"github.com/ovenwatch/ovenwatch/log2"
)

// 32-bit read frame:
// D31..D18 thermocouple temperature, signed, 0.25C/LSB
// D17      reserved, always 0
// D16      fault summary
// D15..D4  internal junction temperature (unused here)
// D3       reserved, always 0
// D2       SCV short to VCC
// D1       SCG short to GND
// D0       OC  open circuit
const (
	bitOC       = 1 << 0
	bitSCG      = 1 << 1
	bitSCV      = 1 << 2
	bitReserved = 1<<3 | 1<<17
	bitFault    = 1 << 16

	lsbCelsius = 0.25
)

// Decode maps one raw frame to a reading. Set reserved bits mean the frame
// is bus garbage, not sensor data.
func Decode(frame uint32) sensor.Reading {
	if frame&bitReserved != 0 {
		return sensor.Reading{Fault: sensor.FaultUnknown}
	}
	if frame&bitFault != 0 {
		r := sensor.Reading{Fault: sensor.FaultUnknown}
		switch {
		case frame&bitOC != 0:
			r.Fault = sensor.FaultOpen
		case frame&bitSCG != 0:
			r.Fault = sensor.FaultShortGND
		case frame&bitSCV != 0:
			r.Fault = sensor.FaultShortVCC
		}
		return r
	}
	raw := int32(frame) >> 18 // arithmetic shift keeps the sign
	return sensor.Reading{Value: float64(raw) * lsbCelsius, Valid: true}
}

const spiSpeed = 4 * physic.MegaHertz

type Device struct {
	log  *log2.Log
	port spi.PortCloser
	conn spi.Conn
}

var _ sensor.Thermometer = (*Device)(nil)

func NewDevice(bus string, log *log2.Log) (*Device, error) {
	port, err := spireg.Open(bus)
	if err != nil {
		return nil, errors.Annotatef(err, "SPI open bus=%s", bus)
	}
	conn, err := port.Connect(spiSpeed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "SPI connect bus=%s", bus)
	}
	return &Device{log: log, port: port, conn: conn}, nil
}

// Read performs one 4-byte transaction. Bus errors surface as FaultUnknown,
// upper layers treat them like any other faulted sample.
func (d *Device) Read() sensor.Reading {
	var rx [4]byte
	if err := d.conn.Tx(make([]byte, 4), rx[:]); err != nil {
		d.log.Errorf("max31855: tx: %v", err)
		return sensor.Reading{Fault: sensor.FaultUnknown}
	}
	return Decode(binary.BigEndian.Uint32(rx[:]))
}

func (d *Device) Close() error {
	return d.port.Close()
}
