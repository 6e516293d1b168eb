package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/events"
)

var ErrMalformed = errors.New("malformed event")

var requiredFields = []string{
	"eventId",
	"eventName",
	"eventType",
	"eventVersion",
	"requestId",
	"serviceName",
	"sourceIpAddress",
	"userIdentity",
	"eventTime",
}

// Convert maps one raw ActionTrail event onto a Record. Optional fields are
// set only when present and non-empty in the raw event.
func Convert(raw map[string]any) (*events.Record, error) {
	for _, field := range requiredFields {
		if v, ok := raw[field]; !ok || v == nil {
			return nil, errors.Wrapf(ErrMalformed, "missing %s", field)
		}
	}

	identity, ok := raw["userIdentity"].(map[string]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "userIdentity is not an object")
	}
	identityJSON, err := json.Marshal(identity)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "userIdentity is not encodable")
	}

	eventTime, err := time.Parse(time.RFC3339, str(raw["eventTime"]))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "eventTime %q", str(raw["eventTime"]))
	}

	rec := &events.Record{
		ID:          str(raw["eventId"]),
		Name:        str(raw["eventName"]),
		Type:        str(raw["eventType"]),
		Version:     str(raw["eventVersion"]),
		RequestID:   str(raw["requestId"]),
		ServiceName: str(raw["serviceName"]),
		SourceIP:    str(raw["sourceIpAddress"]),
		Identity:    identityJSON,
		RequestTime: eventTime.UTC(),
		CreatedBy:   events.DefaultCreatedBy,
	}
	if rec.ID == "" {
		return nil, errors.Wrap(ErrMalformed, "empty eventId")
	}

	if v := str(raw["errorCode"]); v != "" {
		rec.ErrCode = v
	}
	if v := str(raw["errorMessage"]); v != "" {
		rec.ErrMsg = v
	}
	if v, ok := raw["requestParameters"]; ok && v != nil {
		if b, err := json.Marshal(v); err == nil && string(b) != "{}" && string(b) != `""` {
			rec.RequestParam = b
		}
	}
	if v := str(raw["userAgent"]); v != "" {
		rec.UserAgent = v
	}
	if v := str(raw["eventSource"]); v != "" {
		rec.Source = v
	}
	if v := str(identity["userName"]); v != "" {
		rec.CreatedBy = v
	}

	return rec, nil
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
