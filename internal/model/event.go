package model

import "time"

// InboundEvent is one message as delivered by the source. It is treated as
// immutable once received; the pipeline only reads it.
type InboundEvent struct {
	ID        int64     `json:"id"`
	ScopeID   int64     `json:"scope_id"`
	ScopeName string    `json:"scope_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Media     *Media    `json:"-"`
}

// Content returns the message text, falling back to the media caption.
func (e *InboundEvent) Content() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Caption
}

// MediaKind is a nil-safe shortcut for e.Media.Kind().
func (e *InboundEvent) MediaKind() MediaKind {
	return e.Media.Kind()
}
