package record

import (
	"bytes"
	"errors"
)

// DefaultMaxLineLength is the longest line accepted from a client.
const DefaultMaxLineLength = 8192

var (
	// ErrFieldCount is returned when a line does not hold exactly
	// "metric value timestamp".
	ErrFieldCount = errors.New("record: expected 3 fields")
	// ErrControlByte is returned when a line contains a control character.
	ErrControlByte = errors.New("record: control byte in line")
	// ErrMetricName is returned for a metric name that is empty or
	// contains blanks.
	ErrMetricName = errors.New("record: metric name is empty or contains blanks")
)

// Record is one parsed metric line. A Record is never modified after Parse;
// fan-out to several destinations shares the same pointer.
type Record struct {
	Metric    string
	Value     string
	Timestamp string

	// raw is the wire form, newline terminated.
	raw []byte
	// rest is the offset in raw right after the metric name.
	rest int
}

// Parse parses a single line (without its trailing newline) into a Record.
// A trailing carriage return and surrounding blanks are dropped; the inner
// layout between the first and the last field is forwarded unchanged.
func Parse(line []byte) (*Record, error) {
	line = bytes.TrimRight(line, "\r")
	line = trimBlank(line)

	var (
		fields [3][2]int
		n      int
		start  = -1
	)
	for i := 0; i <= len(line); i++ {
		if i < len(line) {
			c := line[i]
			if c != ' ' && c != '\t' {
				if c < 0x20 || c == 0x7f {
					return nil, ErrControlByte
				}
				if start < 0 {
					start = i
				}
				continue
			}
		}
		if start >= 0 {
			if n == len(fields) {
				return nil, ErrFieldCount
			}
			fields[n] = [2]int{start, i}
			n++
			start = -1
		}
	}
	if n != len(fields) {
		return nil, ErrFieldCount
	}

	raw := make([]byte, len(line)+1)
	copy(raw, line)
	raw[len(line)] = '\n'

	return &Record{
		Metric:    string(raw[fields[0][0]:fields[0][1]]),
		Value:     string(raw[fields[1][0]:fields[1][1]]),
		Timestamp: string(raw[fields[2][0]:fields[2][1]]),
		raw:       raw,
		rest:      fields[0][1],
	}, nil
}

// CheckMetric reports whether name can stand as the first field of a line.
func CheckMetric(name string) error {
	if name == "" {
		return ErrMetricName
	}
	for i := 0; i < len(name); i++ {
		switch c := name[i]; {
		case c == ' ' || c == '\t':
			return ErrMetricName
		case c < 0x20 || c == 0x7f:
			return ErrControlByte
		}
	}
	return nil
}

// New builds a Record from its parts, as used for self-generated metrics.
func New(metric, value, timestamp string) *Record {
	raw := make([]byte, 0, len(metric)+len(value)+len(timestamp)+3)
	raw = append(raw, metric...)
	raw = append(raw, ' ')
	raw = append(raw, value...)
	raw = append(raw, ' ')
	raw = append(raw, timestamp...)
	raw = append(raw, '\n')
	return &Record{
		Metric:    metric,
		Value:     value,
		Timestamp: timestamp,
		raw:       raw,
		rest:      len(metric),
	}
}

// Bytes returns the wire form of the record, including the trailing newline.
// The returned slice must not be modified.
func (r *Record) Bytes() []byte {
	return r.raw
}

// Len returns the wire length in bytes.
func (r *Record) Len() int {
	return len(r.raw)
}

// WithMetric returns a copy of r carrying a different metric name. Everything
// after the name is kept byte for byte.
func (r *Record) WithMetric(metric string) *Record {
	if metric == r.Metric {
		return r
	}
	tail := r.raw[r.rest:]
	raw := make([]byte, 0, len(metric)+len(tail))
	raw = append(raw, metric...)
	raw = append(raw, tail...)
	return &Record{
		Metric:    metric,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		raw:       raw,
		rest:      len(metric),
	}
}

// String returns the wire form without the trailing newline.
func (r *Record) String() string {
	return string(r.raw[:len(r.raw)-1])
}

func trimBlank(b []byte) []byte {
	return bytes.Trim(b, " \t")
}
