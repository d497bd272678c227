package model

import (
	"testing"
	"time"
)

func TestStripChannelMention(t *testing.T) {
	cases := []struct {
		name, text, channel, want string
	}{
		{"trailing mention", "hello world\n\n@Batarikh", "batarikh", "hello world"},
		{"channel with at", "news @batarikh", "@batarikh", "news"},
		{"mention in middle kept", "ask @batarikh about it", "batarikh", "ask @batarikh about it"},
		{"only mention", "@batarikh", "batarikh", ""},
		{"no channel", "  text  ", "", "text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripChannelMention(tc.text, tc.channel); got != tc.want {
				t.Fatalf("StripChannelMention(%q, %q) = %q, want %q", tc.text, tc.channel, got, tc.want)
			}
		})
	}
}

func TestBuildRecord(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	ev := &InboundEvent{ID: 42, ScopeID: 100, Timestamp: ts, Caption: "sunset @chan", Media: NewImage("f1", 2000, 1500, 1024)}
	rec := BuildRecord(ev, "https://media.example/100/42.jpg", "chan")

	if rec.ID != 42 || !rec.CreatedAt.Equal(ts) || rec.CreatedAt.Location() != time.UTC {
		t.Fatalf("unexpected identity fields: %+v", rec)
	}
	if rec.Content == nil || *rec.Content != "sunset" {
		t.Fatalf("expected stripped caption, got %v", rec.Content)
	}
	if rec.MediaType != MediaImage || rec.MediaURL == nil || *rec.MediaURL != "https://media.example/100/42.jpg" {
		t.Fatalf("unexpected media fields: %+v", rec)
	}
	if rec.Width == nil || *rec.Width != 2000 || rec.Height == nil || *rec.Height != 1500 {
		t.Fatalf("expected dimensions 2000x1500")
	}

	text := BuildRecord(&InboundEvent{ID: 7, Timestamp: ts}, "", "chan")
	if text.Content != nil || text.MediaURL != nil || text.Width != nil || text.MediaType != MediaNone {
		t.Fatalf("expected empty nullable fields for bare event: %+v", text)
	}
}

func TestMediaVariants(t *testing.T) {
	if _, _, ok := NewDocument("d", "report.PDF", "application/pdf", 10).Dimensions(); ok {
		t.Fatalf("documents must not carry dimensions")
	}
	if got := NewDocument("d", "report.PDF", "application/pdf", 10).Extension(); got != ".pdf" {
		t.Fatalf("document extension = %q", got)
	}
	if got := NewAudio("a", "", "audio/mpeg", 10).Extension(); got != ".mp3" {
		t.Fatalf("audio extension = %q", got)
	}
	if got := NewImage("i", 1, 1, 1).Extension(); got != ".jpg" {
		t.Fatalf("image extension = %q", got)
	}
	var none *Media
	if none.Kind() != MediaNone || none.Extension() != "" {
		t.Fatalf("nil media must behave as none")
	}
}
