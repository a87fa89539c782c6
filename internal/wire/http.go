package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Text point-to-point mode. Request: request line, headers, blank line,
// optional body. Response: status line, headers until blank line, body until
// remote close or timeout. Each response phase has its own timeout so no
// phase can block forever; a timed out body yields a partial result.

func (c *Client) Get(addr, path string) (int, []byte, error) {
	cn, err := c.connect(addr)
	if err != nil {
		return 0, nil, err
	}
	defer cn.Close()

	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, hostOf(addr))
	if err = cn.write([]byte(req), c.connectTimeout()); err != nil {
		return 0, nil, errors.Annotatef(err, "GET %s", path)
	}
	return c.readResponse(cn, path)
}

// Post sends body and reads the status line only. Fire-and-forget: remote
// status is reported but callers are free to ignore it.
func (c *Client) Post(addr, path, contentType string, body []byte) (int, error) {
	cn, err := c.connect(addr)
	if err != nil {
		return 0, err
	}
	defer cn.Close()

	req := fmt.Sprintf("POST %s HTTP/1.0\r\nHost: %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		path, hostOf(addr), contentType, len(body))
	if err = cn.write(append([]byte(req), body...), c.connectTimeout()); err != nil {
		return 0, errors.Annotatef(err, "POST %s", path)
	}
	status, err := c.readStatus(cn)
	if err != nil {
		return 0, errors.Annotatef(err, "POST %s", path)
	}
	return status, nil
}

func (c *Client) readResponse(cn *conn, path string) (int, []byte, error) {
	status, err := c.readStatus(cn)
	if err != nil {
		return 0, nil, errors.Annotatef(err, "GET %s", path)
	}
	// headers are read to find the body, values are not interesting
	headerTimeout := defDur(c.HeaderTimeout, DefaultPhaseTimeout)
	for {
		line, err := cn.readLine(headerTimeout)
		if err != nil {
			return status, nil, errors.Annotatef(err, "GET %s headers", path)
		}
		if line == "" {
			break
		}
	}
	body, err := cn.readUntilClose(defDur(c.BodyTimeout, DefaultPhaseTimeout))
	if err != nil {
		return status, nil, errors.Annotatef(err, "GET %s body", path)
	}
	return status, body, nil
}

func (c *Client) readStatus(cn *conn) (int, error) {
	line, err := cn.readLine(defDur(c.StatusTimeout, DefaultPhaseTimeout))
	if err != nil {
		return 0, err
	}
	// "HTTP/1.x <code> <reason>"
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, errors.Errorf("malformed status line=%q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Errorf("malformed status code line=%q", line)
	}
	return status, nil
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Remote config documents are flat JSON objects. Missing expected key is a
// soft miss (ok=false, nil error: caller keeps the previous value with a
// warning), a malformed document is a hard parse failure.

func JSONString(body []byte, key string) (string, bool, error) {
	doc, err := jsonDoc(body)
	if err != nil {
		return "", false, err
	}
	v, found := doc[key]
	if !found {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, errors.Errorf("field %s expected string value=%v", key, v)
	}
	return s, true, nil
}

func JSONFloat(body []byte, key string) (float64, bool, error) {
	doc, err := jsonDoc(body)
	if err != nil {
		return 0, false, err
	}
	v, found := doc[key]
	if !found {
		return 0, false, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false, errors.Errorf("field %s expected number value=%v", key, v)
	}
	return f, true, nil
}

func jsonDoc(body []byte) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Annotatef(err, "parse document=%q", string(body))
	}
	return doc, nil
}
