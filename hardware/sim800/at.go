package sim800

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// +CREG: <n>,<stat>
const (
	cregHome    = 1
	cregRoaming = 5
)

// +SAPBR: <cid>,<status>,<ip>
const sapbrConnected = 1

func parseCREG(lines []string) (int, error) {
	line := firstPrefixed(lines, "+CREG:")
	if line == "" {
		return 0, errors.Errorf("no +CREG in response=%q", lines)
	}
	fields := splitFields(line)
	if len(fields) < 2 {
		return 0, errors.Errorf("malformed CREG=%q", line)
	}
	stat, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errors.Errorf("malformed CREG stat=%q", line)
	}
	return stat, nil
}

func parseSAPBR(lines []string) (int, error) {
	line := firstPrefixed(lines, "+SAPBR:")
	if line == "" {
		return 0, errors.Errorf("no +SAPBR in response=%q", lines)
	}
	fields := splitFields(line)
	if len(fields) < 2 {
		return 0, errors.Errorf("malformed SAPBR=%q", line)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errors.Errorf("malformed SAPBR status=%q", line)
	}
	return status, nil
}

func firstPrefixed(lines []string, prefix string) string {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return l
		}
	}
	return ""
}

// splitFields returns comma separated values after the "+XXX:" tag.
func splitFields(line string) []string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		line = line[i+1:]
	}
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func isFinalError(line string) bool {
	return line == "ERROR" ||
		strings.HasPrefix(line, "+CME ERROR") ||
		strings.HasPrefix(line, "+CMS ERROR")
}
