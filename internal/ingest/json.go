package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"sessionguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range obj {
		if val == nil {
			continue
		}
		fields.Extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts", "request_time")
	fields.SessionID = firstNonEmpty(fields.Extras, "session_id", "session", "sid", "sessionid")
	fields.AccountID = firstNonEmpty(fields.Extras, "account_id", "account", "username", "user", "user_id")
	fields.Endpoint = firstNonEmpty(fields.Extras, "endpoint", "path", "url", "uri")
	fields.Method = firstNonEmpty(fields.Extras, "method", "http_method", "verb")
	return fields
}
