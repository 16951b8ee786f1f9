// Package normalize turns loosely typed request records from the ingest
// sources into validated request events.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"sessionguard/internal/model"
)

const maxIDLength = 128

var (
	ErrSessionID = errors.New("malformed session id")
	ErrMethod    = errors.New("unsupported method")
	ErrTimestamp = errors.New("invalid timestamp")
)

var allowedMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"DELETE": {},
	"PATCH":  {},
}

type EventFields struct {
	Timestamp string
	SessionID string
	AccountID string
	Endpoint  string
	Method    string
	Extras    map[string]string
}

func Normalize(fields EventFields, source string) (model.RequestEvent, error) {
	var ts time.Time
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.RequestEvent{}, fmt.Errorf("%w: %v", ErrTimestamp, err)
		}
		ts = parsed.UTC()
	}
	return Request(model.RequestEvent{
		SessionID: fields.SessionID,
		AccountID: fields.AccountID,
		Timestamp: ts,
		Endpoint:  fields.Endpoint,
		Method:    fields.Method,
		Source:    source,
	})
}

// Request validates and canonicalizes a request event. A zero timestamp is
// kept zero; the caller stamps it with the receive time.
func Request(ev model.RequestEvent) (model.RequestEvent, error) {
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if err := ValidateID(ev.SessionID); err != nil {
		return model.RequestEvent{}, err
	}
	ev.AccountID = strings.TrimSpace(ev.AccountID)
	if len(ev.AccountID) > maxIDLength {
		return model.RequestEvent{}, fmt.Errorf("%w: account id too long", ErrSessionID)
	}
	ev.Method = strings.ToUpper(strings.TrimSpace(ev.Method))
	if ev.Method == "" {
		ev.Method = "GET"
	}
	if _, ok := allowedMethods[ev.Method]; !ok {
		return model.RequestEvent{}, fmt.Errorf("%w: %q", ErrMethod, ev.Method)
	}
	ev.Endpoint = strings.TrimSpace(ev.Endpoint)
	if ev.Endpoint == "" {
		ev.Endpoint = "/"
	}
	if !ev.Timestamp.IsZero() && ev.Timestamp.Unix() <= 0 {
		return model.RequestEvent{}, fmt.Errorf("%w: %s", ErrTimestamp, ev.Timestamp.Format(time.RFC3339Nano))
	}
	if !ev.Timestamp.IsZero() {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	return ev, nil
}

func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrSessionID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrSessionID, maxIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: contains %q", ErrSessionID, r)
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z0700",
	"02/Jan/2006:15:04:05 -0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1 && value != "."
}

// parseUnix accepts seconds, fractional seconds or milliseconds.
func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
