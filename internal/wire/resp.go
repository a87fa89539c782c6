package wire

import (
	"strconv"

	"github.com/juju/errors"
)

// Broker publish mode: each command is an array of byte-strings, every
// element length-prefixed. Replies are classified by leading token only:
// '+' status for AUTH, ':' integer (subscriber count, ignored) for PUBLISH.
// Encode and classify are pure, transport-free, tested on byte buffers.

type ReplyKind uint8

const (
	ReplyInvalid ReplyKind = iota
	ReplyStatus            // +OK style
	ReplyError             // -ERR style
	ReplyInteger           // :N style
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyStatus:
		return "status"
	case ReplyError:
		return "error"
	case ReplyInteger:
		return "integer"
	}
	return "invalid"
}

// EncodeCommand renders the multi-bulk form:
// *<n>\r\n then $<len>\r\n<arg>\r\n per argument.
func EncodeCommand(args ...[]byte) []byte {
	size := 16
	for _, a := range args {
		size += len(a) + 16
	}
	b := make([]byte, 0, size)
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(len(args)), 10)
	b = append(b, '\r', '\n')
	for _, a := range args {
		b = append(b, '$')
		b = strconv.AppendInt(b, int64(len(a)), 10)
		b = append(b, '\r', '\n')
		b = append(b, a...)
		b = append(b, '\r', '\n')
	}
	return b
}

// ClassifyReply maps one reply line (without line ending) to its kind.
func ClassifyReply(line string) (ReplyKind, string) {
	if len(line) == 0 {
		return ReplyInvalid, ""
	}
	switch line[0] {
	case '+':
		return ReplyStatus, line[1:]
	case '-':
		return ReplyError, line[1:]
	case ':':
		return ReplyInteger, line[1:]
	}
	return ReplyInvalid, line
}

// Publish authenticates then publishes payload, each as its own round trip.
// Any unexpected, empty or timed out reply abandons the operation for this
// cycle; the connection is closed on every path.
func (c *Client) Publish(addr, password, channel string, payload []byte) error {
	cn, err := c.connect(addr)
	if err != nil {
		return err
	}
	defer cn.Close()

	if err = c.roundTrip(cn, ReplyStatus, "AUTH",
		EncodeCommand([]byte("AUTH"), []byte(password))); err != nil {
		return err
	}
	return c.roundTrip(cn, ReplyInteger, "PUBLISH",
		EncodeCommand([]byte("PUBLISH"), []byte(channel), payload))
}

func (c *Client) roundTrip(cn *conn, expect ReplyKind, name string, cmd []byte) error {
	timeout := defDur(c.ReplyTimeout, DefaultPhaseTimeout)
	if err := cn.write(cmd, timeout); err != nil {
		return errors.Annotate(err, name)
	}
	line, err := cn.readLine(timeout)
	if err != nil {
		return errors.Annotatef(err, "%s reply", name)
	}
	kind, rest := ClassifyReply(line)
	if kind != expect {
		return errors.Errorf("%s reply expected %s got %s %q", name, expect, kind, rest)
	}
	c.Log.Debugf("wire: %s ok reply=%s", name, rest)
	return nil
}
