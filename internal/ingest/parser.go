package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"sessionguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
	reRequest   = regexp.MustCompile(`\b(GET|POST|PUT|DELETE|PATCH)\s+(/[^\s"]*)`)
)

// Parser reads access log lines in JSON, CSV or key=value form. A CSV
// header line configures the column order for the lines after it.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return ParseJSONBytes([]byte(trim))
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		return p.csv.Parse(trim)
	}
	return parsePlain(trim)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*normalize.EventFields, error) {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	fields.Timestamp = extractTimestamp(line)

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	for k, v := range kv {
		fields.Extras[k] = v
	}
	if fields.Timestamp == "" {
		fields.Timestamp = firstNonEmpty(kv, "timestamp", "time", "ts")
	}
	fields.SessionID = firstNonEmpty(kv, "session_id", "session", "sid")
	fields.AccountID = firstNonEmpty(kv, "account_id", "account", "username", "user")
	fields.Endpoint = firstNonEmpty(kv, "endpoint", "path", "uri")
	fields.Method = firstNonEmpty(kv, "method")
	if fields.Method == "" || fields.Endpoint == "" {
		if m := reRequest.FindStringSubmatch(line); len(m) == 3 {
			if fields.Method == "" {
				fields.Method = m[1]
			}
			if fields.Endpoint == "" {
				fields.Endpoint = m[2]
			}
		}
	}
	return fields, nil
}

func extractTimestamp(line string) string {
	m := reTimestamp.FindStringSubmatch(line)
	if len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse returns nil fields for a header line. Without a header the column
// order is timestamp, session_id, account_id, method, endpoint.
func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = []string{"timestamp", "session_id", "account_id", "method", "endpoint"}
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for i, name := range header {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "time", "ts", "session_id", "session", "account_id", "username", "method", "endpoint", "path":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.EventFields, name string, value string) {
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "ts":
		fields.Timestamp = value
	case "session_id", "session", "sid":
		fields.SessionID = value
	case "account_id", "account", "username", "user":
		fields.AccountID = value
	case "method":
		fields.Method = value
	case "endpoint", "path", "uri":
		fields.Endpoint = value
	default:
		fields.Extras[name] = value
	}
}
