// Package wire is the minimal stream client speaking both remote protocols:
// - text request/response mode for config fetch and error reporting
// - length-prefixed multi-bulk mode for broker AUTH/PUBLISH
// Every operation opens a fresh connection and closes it on every exit path;
// a stale connection is never reused across calls.
package wire

import (
	"bufio"
	"net"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"github.com/ovenwatch/ovenwatch/helpers"
	"github.com/ovenwatch/ovenwatch/log2"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultPhaseTimeout   = 10 * time.Second
	DefaultReadLimit      = 16 << 10
)

var ErrClosing = errors.New("closing")

type Dialer interface {
	Dial(addr string, timeout time.Duration) (net.Conn, error)
}

type TCPDialer struct{}

func (TCPDialer) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
	}
	return conn, nil
}

type Client struct {
	Log    *log2.Log
	Dialer Dialer

	ConnectTimeout time.Duration
	// text mode per-phase read timeouts
	StatusTimeout time.Duration
	HeaderTimeout time.Duration
	BodyTimeout   time.Duration
	// publish mode reply timeout
	ReplyTimeout time.Duration

	current *conn
}

func (c *Client) connectTimeout() time.Duration {
	return defDur(c.ConnectTimeout, DefaultConnectTimeout)
}

func defDur(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// connect discards any prior connection first: queued partial bytes from an
// aborted exchange must never leak into a new one.
func (c *Client) connect(addr string) (*conn, error) {
	if c.current != nil {
		_ = c.current.Close()
		c.current = nil
	}
	d := c.Dialer
	if d == nil {
		d = TCPDialer{}
	}
	netConn, err := d.Dial(addr, c.connectTimeout())
	if err != nil {
		return nil, errors.Annotatef(err, "connect addr=%s", addr)
	}
	cn := newConn(netConn, c.Log)
	c.current = cn
	return cn, nil
}

// conn wraps a stream with deadline IO and die-once close semantics.
type conn struct {
	net  net.Conn
	r    *bufio.Reader
	log  *log2.Log
	err  helpers.AtomicError
	last atomic_clock.Clock
}

func newConn(netConn net.Conn, log *log2.Log) *conn {
	c := &conn{
		net: netConn,
		r:   bufio.NewReaderSize(netConn, 4<<10),
		log: log,
	}
	c.last.SetNow()
	return c
}

func (c *conn) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *conn) Closed() bool {
	_, set := c.err.Load()
	return set
}

func (c *conn) write(b []byte, timeout time.Duration) error {
	if err, set := c.err.Load(); set {
		return err
	}
	if err := c.net.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return c.die(errors.Annotate(err, "SetWriteDeadline"))
	}
	if err := helpers.WriteAll(c.net, b); err != nil {
		return c.die(errors.Annotate(err, "send"))
	}
	c.last.SetNow()
	return nil
}

// readLine reads one \n terminated line, trailing \r\n stripped.
func (c *conn) readLine(timeout time.Duration) (string, error) {
	if err, set := c.err.Load(); set {
		return "", err
	}
	if err := c.net.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", c.die(errors.Annotate(err, "SetReadDeadline"))
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", c.die(errors.Annotate(err, "readline"))
	}
	c.last.SetNow()
	return strings.TrimRight(line, "\r\n"), nil
}

// readUntilClose drains the stream until remote close, read limit or timeout.
// A timeout yields the bytes collected so far, not an error.
func (c *conn) readUntilClose(timeout time.Duration) ([]byte, error) {
	if err, set := c.err.Load(); set {
		return nil, err
	}
	if err := c.net.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, c.die(errors.Annotate(err, "SetReadDeadline"))
	}
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	for len(buf) < DefaultReadLimit {
		n, err := c.r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if neterr, ok := errors.Cause(err).(net.Error); ok && neterr.Timeout() {
				c.log.Debugf("wire: body read timeout after %d bytes", len(buf))
				break
			}
			break // EOF and hard errors both end the body
		}
	}
	c.last.SetNow()
	return buf, nil
}

func (c *conn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	if e != ErrClosing {
		c.log.Debugf("wire: die remote=%s e=%s", addrString(c.net.RemoteAddr()), estr)
	}
	return e
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
