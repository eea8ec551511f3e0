// Package tracking receives the server-side resource creation a system under
// test reports with pkg/reporter, over a local HTTP endpoint, an append-only
// JSONL file, or both.
package tracking

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rendis/e2ekit/pkg/reporter"
	"github.com/rendis/e2ekit/pkg/schema"
)

// decodeReport splits a wire object into its session id and resource.
func decodeReport(obj map[string]any) (string, schema.TrackedResource, error) {
	sessionID, _ := obj[reporter.KeySessionID].(string)
	typ, _ := obj[reporter.KeyType].(string)
	id := idString(obj[reporter.KeyID])
	if sessionID == "" || typ == "" || id == "" {
		return "", schema.TrackedResource{}, schema.NewError(schema.ErrCodeValidation, "sessionId, type and id are required")
	}

	res := schema.TrackedResource{Type: typ, ID: id}
	if s, ok := obj[reporter.KeyCreatedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			res.CreatedAt = ts
		}
	}
	for k, v := range obj {
		switch k {
		case reporter.KeySessionID, reporter.KeyType, reporter.KeyID, reporter.KeyCreatedAt:
			continue
		}
		if res.Metadata == nil {
			res.Metadata = make(map[string]any)
		}
		res.Metadata[k] = v
	}
	return sessionID, res, nil
}

// decodeObject decodes JSON keeping numbers as json.Number, so numeric ids
// beyond float64 precision survive intact.
func decodeObject(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	}
	return ""
}
