// Package sim800 drives a SIM800-class cellular modem with AT commands over
// a byte port. It implements the link.Modem and fault.SMSer capabilities.
// Response parsing is pure (at.go) and tested against scripted ports; the
// serial device itself is opened by the caller.
package sim800

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/ovenwatch/ovenwatch/log2"
)

// Port is an opened serial device. os.File of a tty satisfies this on Linux.
type Port interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
}

const (
	DefaultCommandTimeout = 5 * time.Second
	// bearer attach and SMS delivery take tens of seconds on a weak cell
	smsTimeout = 30 * time.Second

	ctrlZ = "\x1a"
)

type Modem struct {
	log  *log2.Log
	port Port
	r    *bufio.Reader

	// per-command timeout for quick queries, 0 = DefaultCommandTimeout
	CmdTimeout time.Duration
}

func New(log *log2.Log, port Port) *Modem {
	return &Modem{
		log:  log,
		port: port,
		r:    bufio.NewReaderSize(port, 1<<10),
	}
}

func (m *Modem) cmdTimeout() time.Duration {
	if m.CmdTimeout == 0 {
		return DefaultCommandTimeout
	}
	return m.CmdTimeout
}

// Init turns off command echo and selects text SMS mode.
func (m *Modem) Init() error {
	for _, cmd := range []string{"ATE0", "AT+CMGF=1"} {
		if _, err := m.command(cmd, m.cmdTimeout()); err != nil {
			return errors.Annotate(err, "modem init")
		}
	}
	return nil
}

func (m *Modem) Registered() (bool, error) {
	lines, err := m.command("AT+CREG?", m.cmdTimeout())
	if err != nil {
		return false, err
	}
	stat, err := parseCREG(lines)
	if err != nil {
		return false, err
	}
	return stat == cregHome || stat == cregRoaming, nil
}

func (m *Modem) OpenBearer(apn string, timeout time.Duration) error {
	if _, err := m.command(`AT+SAPBR=3,1,"Contype","GPRS"`, m.cmdTimeout()); err != nil {
		return errors.Annotate(err, "bearer contype")
	}
	if _, err := m.command(fmt.Sprintf(`AT+SAPBR=3,1,"APN","%s"`, apn), m.cmdTimeout()); err != nil {
		return errors.Annotate(err, "bearer apn")
	}
	if _, err := m.command("AT+SAPBR=1,1", timeout); err != nil {
		return errors.Annotate(err, "bearer attach")
	}
	up, err := m.BearerOpen()
	if err != nil {
		return errors.Annotate(err, "bearer verify")
	}
	if !up {
		return errors.Errorf("bearer did not come up")
	}
	return nil
}

func (m *Modem) BearerOpen() (bool, error) {
	lines, err := m.command("AT+SAPBR=2,1", m.cmdTimeout())
	if err != nil {
		return false, err
	}
	status, err := parseSAPBR(lines)
	if err != nil {
		return false, err
	}
	return status == sapbrConnected, nil
}

// SendSMS sends one text mode message. Success means the modem confirmed
// submission with +CMGS.
func (m *Modem) SendSMS(to, text string) error {
	if err := m.write(fmt.Sprintf("AT+CMGS=%q\r", to)); err != nil {
		return errors.Annotate(err, "sms start")
	}
	if err := m.waitPrompt(m.cmdTimeout()); err != nil {
		return errors.Annotate(err, "sms prompt")
	}
	if err := m.write(text + ctrlZ); err != nil {
		return errors.Annotate(err, "sms body")
	}
	lines, err := m.readUntilFinal(smsTimeout)
	if err != nil {
		return errors.Annotate(err, "sms confirm")
	}
	if firstPrefixed(lines, "+CMGS:") == "" {
		return errors.Errorf("sms not confirmed lines=%q", lines)
	}
	m.log.Debugf("sim800: sms sent to=%s", to)
	return nil
}

// command writes one AT command and collects response lines until the final
// OK or error token.
func (m *Modem) command(cmd string, timeout time.Duration) ([]string, error) {
	m.log.Debugf("sim800: >%s", cmd)
	if err := m.write(cmd + "\r"); err != nil {
		return nil, errors.Annotatef(err, "modem %s", cmd)
	}
	lines, err := m.readUntilFinal(timeout)
	if err != nil {
		return lines, errors.Annotatef(err, "modem %s", cmd)
	}
	return lines, nil
}

func (m *Modem) write(s string) error {
	b := []byte(s)
	for len(b) > 0 {
		n, err := m.port.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (m *Modem) readUntilFinal(timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		if err := m.port.SetReadDeadline(deadline); err != nil {
			return lines, err
		}
		raw, err := m.r.ReadString('\n')
		if err != nil {
			return lines, err
		}
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			// modems pad responses with blank lines
		case line == "OK":
			return lines, nil
		case isFinalError(line):
			return lines, errors.Errorf("modem error response=%s", line)
		case strings.HasPrefix(line, "AT"):
			// command echo while ATE0 has not taken effect yet
		default:
			m.log.Debugf("sim800: <%s", line)
			lines = append(lines, line)
		}
	}
}

// waitPrompt reads until the "> " SMS body prompt, which has no line ending.
func (m *Modem) waitPrompt(timeout time.Duration) error {
	if err := m.port.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return err
		}
		if b == '>' {
			return nil
		}
	}
}
