package source

import (
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// Frame types sent by the source over the websocket.
const (
	frameMessage         = "message"
	frameSessionConflict = "session_conflict"
	framePong            = "pong"
)

// closeSessionConflict is the websocket close code the source uses when the
// session was taken over by another client.
const closeSessionConflict = 4409

type frame struct {
	Type    string       `json:"type"`
	Message *wireMessage `json:"message,omitempty"`
}

type wireMessage struct {
	ID           int64      `json:"id"`
	ChatID       int64      `json:"chat_id"`
	ChatUsername string     `json:"chat_username,omitempty"`
	Date         int64      `json:"date"`
	Text         string     `json:"text,omitempty"`
	Caption      string     `json:"caption,omitempty"`
	Photo        *wirePhoto `json:"photo,omitempty"`
	Video        *wireVideo `json:"video,omitempty"`
	Audio        *wireFile  `json:"audio,omitempty"`
	Document     *wireFile  `json:"document,omitempty"`
}

type wirePhoto struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type wireVideo struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type wireFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// toEvent resolves the attachment variant once. When a message carries more
// than one payload the photo wins, then video, audio and document.
func (m *wireMessage) toEvent() *model.InboundEvent {
	ev := &model.InboundEvent{
		ID:        m.ID,
		ScopeID:   m.ChatID,
		ScopeName: m.ChatUsername,
		Timestamp: time.Unix(m.Date, 0).UTC(),
		Text:      m.Text,
		Caption:   m.Caption,
	}
	switch {
	case m.Photo != nil && m.Photo.FileID != "":
		ev.Media = model.NewImage(m.Photo.FileID, m.Photo.Width, m.Photo.Height, m.Photo.FileSize)
	case m.Video != nil && m.Video.FileID != "":
		ev.Media = model.NewVideo(m.Video.FileID, m.Video.Width, m.Video.Height, m.Video.FileSize, m.Video.MimeType)
	case m.Audio != nil && m.Audio.FileID != "":
		ev.Media = model.NewAudio(m.Audio.FileID, m.Audio.FileName, m.Audio.MimeType, m.Audio.FileSize)
	case m.Document != nil && m.Document.FileID != "":
		ev.Media = model.NewDocument(m.Document.FileID, m.Document.FileName, m.Document.MimeType, m.Document.FileSize)
	}
	return ev
}
