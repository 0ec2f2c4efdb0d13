// internal/data/parser.go
package data

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"harvestry-telemetry/internal/apperr"
)

// DevicePayload is the normalised body of a device push or batch upload.
type DevicePayload struct {
	SiteID    string         `json:"site_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Readings  []ReadingInput `json:"readings"`
}

const readingItemSchema = `{
        "type": "object",
        "required": ["stream_id", "value"],
        "properties": {
          "stream_id":  {"type": "string"},
          "timestamp":  {"type": ["string", "number"]},
          "message_id": {"type": "string"},
          "metadata":   {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }`

const devicePayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "site_id":    {"type": "string"},
    "message_id": {"type": "string"},
    "timestamp":  {"type": ["string", "number"]},
    "readings": {
      "type": "array",
      "minItems": 1,
      "items": ` + readingItemSchema + `
    },
    "metrics": {"type": "object", "minProperties": 1}
  },
  "anyOf": [{"required": ["readings"]}, {"required": ["metrics"]}]
}`

const batchPayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["readings"],
  "properties": {
    "readings": {
      "type": "array",
      "minItems": 1,
      "items": ` + readingItemSchema + `
    }
  }
}`

var (
	payloadSchema = jsonschema.MustCompileString("device_payload.json", devicePayloadSchema)
	batchSchema   = jsonschema.MustCompileString("batch_payload.json", batchPayloadSchema)
)

// Parse validates raw JSON against the device payload schema and normalises it.
// Two shapes are accepted: an explicit "readings" array, or a flat "metrics" object
// keyed by stream id sharing one payload timestamp. Non-numeric values survive as NaN
// so the pipeline can reject them individually.
func Parse(raw []byte) (*DevicePayload, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperr.Validation("payload is not a JSON object: %v", err)
	}
	if err := payloadSchema.Validate(generic); err != nil {
		return nil, apperr.Validation("payload rejected by schema: %v", err)
	}

	p := &DevicePayload{}
	p.SiteID, _ = generic["site_id"].(string)
	p.MessageID, _ = generic["message_id"].(string)

	var payloadTime *time.Time
	if ts, ok := generic["timestamp"]; ok {
		t, err := toTime(ts)
		if err != nil {
			return nil, apperr.Validation("payload timestamp: %v", err)
		}
		payloadTime = &t
	}

	if items, ok := generic["readings"].([]any); ok {
		rs, err := readingsFrom(items, payloadTime, p.MessageID)
		if err != nil {
			return nil, err
		}
		p.Readings = rs
	}

	if metrics, ok := generic["metrics"].(map[string]any); ok {
		keys := make([]string, 0, len(metrics))
		for k := range metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			in := ReadingInput{StreamID: k, Value: toFloat(metrics[k]), SourceTime: payloadTime}
			if p.MessageID != "" {
				in.MessageID = p.MessageID + "/" + k
			}
			p.Readings = append(p.Readings, in)
		}
	}
	return p, nil
}

// ParseBatch validates a site batch body. Every reading must carry a stream id and a
// value; a missing field fails the whole batch.
func ParseBatch(raw []byte) ([]ReadingInput, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperr.Validation("batch is not a JSON object: %v", err)
	}
	if err := batchSchema.Validate(generic); err != nil {
		return nil, apperr.Validation("batch rejected by schema: %v", err)
	}
	return readingsFrom(generic["readings"].([]any), nil, "")
}

func readingsFrom(items []any, payloadTime *time.Time, payloadMsgID string) ([]ReadingInput, error) {
	out := make([]ReadingInput, 0, len(items))
	for i, item := range items {
		obj := item.(map[string]any)
		in := ReadingInput{SourceTime: payloadTime}
		in.StreamID, _ = obj["stream_id"].(string)
		in.Value = toFloat(obj["value"])
		in.MessageID, _ = obj["message_id"].(string)
		if ts, ok := obj["timestamp"]; ok {
			t, err := toTime(ts)
			if err != nil {
				return nil, apperr.Validation("readings[%d].timestamp: %v", i, err)
			}
			in.SourceTime = &t
		}
		if md, ok := obj["metadata"].(map[string]any); ok {
			in.Metadata = make(map[string]string, len(md))
			for k, v := range md {
				in.Metadata[k], _ = v.(string)
			}
		}
		if in.MessageID == "" && payloadMsgID != "" {
			in.MessageID = payloadMsgID + "/" + in.StreamID
		}
		out = append(out, in)
	}
	return out, nil
}

// toFloat maps anything that is not a number or numeric string to NaN.
func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// toTime accepts RFC3339 strings or unix milliseconds.
func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(x))
		if err != nil {
			return time.Time{}, fmt.Errorf("expected RFC3339, got %q", x)
		}
		return t.UTC(), nil
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
