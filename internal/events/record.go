// Package events stores ActionTrail audit events.
package events

import (
	"encoding/json"
	"time"
)

// MaxUserAgentLen bounds Record.UserAgent; longer values are rejected.
const MaxUserAgentLen = 255

// DefaultCreatedBy is recorded when the event identity carries no user name.
const DefaultCreatedBy = "unknown"

// Record is one stored audit event. The remote event id is the primary key.
type Record struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Source       string          `json:"source,omitempty"`
	RequestTime  time.Time       `json:"request_time"`
	Type         string          `json:"type"`
	Version      string          `json:"version"`
	ErrCode      string          `json:"err_code,omitempty"`
	ErrMsg       string          `json:"err_msg,omitempty"`
	RequestID    string          `json:"request_id"`
	RequestParam json.RawMessage `json:"request_param,omitempty"`
	ServiceName  string          `json:"service_name"`
	SourceIP     string          `json:"source_ip"`
	UserAgent    string          `json:"user_agent,omitempty"`
	Identity     json.RawMessage `json:"identity"`
	CreatedBy    string          `json:"created_by"`
}

// Oversized reports whether the user agent exceeds MaxUserAgentLen characters.
func (r *Record) Oversized() bool {
	return len([]rune(r.UserAgent)) > MaxUserAgentLen
}
