// Package logfile implements the append-only event logs used as the
// command channel between clients and the server.
//
// One record is one line:
//
//	<unix-epoch-seconds> <EVENT_TYPE> <payload...>\n
//
// Payload text is escaped so that a record never spans more than one line,
// and a serialized record never exceeds MaxRecordSize bytes.
package logfile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxRecordSize is the maximum length of one serialized record, including
// the trailing newline.
const MaxRecordSize = 4096

const truncationMarker = "..."

var (
	// ErrMalformedRecord is returned for lines that do not follow the wire format.
	ErrMalformedRecord = errors.New("malformed log record")
	// ErrRecordTooLarge is returned when the timestamp and event type alone
	// do not fit in MaxRecordSize.
	ErrRecordTooLarge = errors.New("log record too large")
)

// Record is a single parsed line of an event log.
type Record struct {
	SourcePath string
	Timestamp  time.Time
	EventType  string
	Payload    string
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// Escape flattens text so it can be embedded in a single record.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// FormatRecord serializes one record, newline included. Payloads that would
// push the line past MaxRecordSize are cut on a rune boundary and suffixed
// with "...".
func FormatRecord(ts time.Time, eventType, text string) (string, error) {
	if eventType == "" || strings.ContainsAny(eventType, " \t\r\n") {
		return "", fmt.Errorf("%w: invalid event type %q", ErrMalformedRecord, eventType)
	}

	head := strconv.FormatInt(ts.Unix(), 10) + " " + eventType
	if len(head)+1 > MaxRecordSize {
		return "", fmt.Errorf("%w: event type %q", ErrRecordTooLarge, eventType)
	}

	payload := Escape(text)
	if payload == "" {
		return head + "\n", nil
	}
	if len(head)+1+len(payload)+1 <= MaxRecordSize {
		return head + " " + payload + "\n", nil
	}

	room := MaxRecordSize - len(head) - 1 - len(truncationMarker) - 1
	if room < 0 {
		return "", fmt.Errorf("%w: event type %q leaves no room for payload", ErrRecordTooLarge, eventType)
	}
	return head + " " + truncateEscaped(payload, room) + truncationMarker + "\n", nil
}

// truncateEscaped cuts s to at most n bytes without splitting a UTF-8
// sequence or leaving a lone escape introducer at the end.
func truncateEscaped(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]

	slashes := 0
	for i := len(cut) - 1; i >= 0 && cut[i] == '\\'; i-- {
		slashes++
	}
	if slashes%2 == 1 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// ParseRecord parses one line read from source. The line is split on the
// first two runs of whitespace; everything after the second run is the
// (unescaped) payload, which may be empty.
func ParseRecord(source, line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return Record{}, fmt.Errorf("%w: empty line", ErrMalformedRecord)
	}

	tsField, rest, ok := cutSpace(trimmed)
	if !ok || rest == "" {
		return Record{}, fmt.Errorf("%w: missing event type in %q", ErrMalformedRecord, line)
	}
	eventType, payload, _ := cutSpace(rest)

	ts, err := parseTimestamp(tsField)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedRecord, tsField)
	}

	return Record{
		SourcePath: source,
		Timestamp:  ts,
		EventType:  eventType,
		Payload:    Unescape(payload),
	}, nil
}

func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, fmt.Errorf("out of range")
		}
		return time.Unix(secs, 0), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("out of range")
	}
	secs, frac := math.Modf(f)
	return time.Unix(int64(secs), int64(frac*1e9)), nil
}
