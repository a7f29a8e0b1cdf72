package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Event is one parsed upstream server-sent event.
type Event struct {
	Name  string
	ID    string
	Retry int
	Data  string
}

// Scanner reads server-sent events from an upstream response body. It
// implements the field rules of the SSE specification: "data" lines
// accumulate joined by newlines, comments (lines starting with ':') are
// skipped, and a blank line dispatches the pending event.
type Scanner struct {
	s   *bufio.Scanner
	err error
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Scanner{s: s}
}

// Next returns the next event, or io.EOF when the upstream closed.
func (sc *Scanner) Next() (*Event, error) {
	if sc.err != nil {
		return nil, sc.err
	}

	var (
		ev      Event
		dataSet bool
		data    strings.Builder
	)
	for sc.s.Scan() {
		line := sc.s.Text()
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if !dataSet && ev.Name == "" && ev.ID == "" && ev.Retry == 0 {
				continue // blank line with nothing pending
			}
			ev.Data = data.String()
			return &ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			if dataSet {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			dataSet = true
		case "event":
			ev.Name = value
		case "id":
			ev.ID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = ms
			}
		}
	}

	if err := sc.s.Err(); err != nil {
		sc.err = err
		// A partial event at EOF-with-error is still worth delivering.
		if dataSet {
			ev.Data = data.String()
			return &ev, nil
		}
		return nil, err
	}
	sc.err = io.EOF
	if dataSet || ev.Name != "" {
		ev.Data = data.String()
		return &ev, nil
	}
	return nil, io.EOF
}
