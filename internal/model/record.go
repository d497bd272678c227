package model

import (
	"strings"
	"time"
)

// CanonicalRecord is the row upserted into the metadata store. The event id is
// its only identity, so writing the same record twice is harmless.
type CanonicalRecord struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	// Pointer fields map to nullable columns.
	Content   *string   `json:"content"`
	MediaType MediaKind `json:"media_type"`
	MediaURL  *string   `json:"media_url"`
	Width     *int      `json:"width"`
	Height    *int      `json:"height"`
}

// BuildRecord derives the canonical record from an event. mediaURL is empty
// when the attachment is missing or could not be stored; in that case the
// record still carries the media type so readers know something was dropped.
func BuildRecord(ev *InboundEvent, mediaURL, channel string) *CanonicalRecord {
	rec := &CanonicalRecord{
		ID:        ev.ID,
		CreatedAt: ev.Timestamp.UTC(),
		MediaType: ev.MediaKind(),
	}
	if content := StripChannelMention(ev.Content(), channel); content != "" {
		rec.Content = &content
	}
	if mediaURL != "" {
		rec.MediaURL = &mediaURL
	}
	if w, h, ok := ev.Media.Dimensions(); ok {
		rec.Width = &w
		rec.Height = &h
	}
	return rec
}

// StripChannelMention removes a trailing "@channel" signature, which channels
// append to every post, and trims surrounding whitespace.
func StripChannelMention(text, channel string) string {
	text = strings.TrimSpace(text)
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "@")
	if channel == "" {
		return text
	}
	mention := "@" + channel
	if len(text) >= len(mention) && strings.EqualFold(text[len(text)-len(mention):], mention) {
		text = strings.TrimSpace(text[:len(text)-len(mention)])
	}
	return text
}
