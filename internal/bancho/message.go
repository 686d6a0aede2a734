package bancho

import (
	"bytes"
	"strings"
)

// Message is one parsed protocol line
type Message struct {
	Prefix   string
	Nick     string
	Command  string
	Params   []string
	Trailing string
}

// Param returns the i-th middle parameter or ""
func (m Message) Param(i int) string {
	if i < len(m.Params) {
		return m.Params[i]
	}
	return ""
}

// ParseMessage splits a line into prefix, command, parameters and trailing text.
// Lines without a command return false.
func ParseMessage(line string) (Message, bool) {
	var m Message
	line = strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return m, false
		}
		m.Prefix = prefix
		m.Nick, _, _ = strings.Cut(prefix, "!")
		line = rest
	}

	if head, trailing, ok := strings.Cut(line, " :"); ok {
		m.Trailing = trailing
		line = head
	} else if strings.HasPrefix(line, ":") {
		m.Trailing = line[1:]
		line = ""
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return m, false
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, true
}

// lineBuffer reassembles lines from arbitrarily split reads
type lineBuffer struct {
	buf []byte
}

// Feed appends data and returns every complete line in order, without the
// line terminator. A trailing partial line is kept for the next call.
func (b *lineBuffer) Feed(data []byte) []string {
	b.buf = append(b.buf, data...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(b.buf[:i]), "\r")
		b.buf = b.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	// Reclaim the consumed prefix once the buffer is drained
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}
	return lines
}
