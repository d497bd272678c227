// Package model contains the struct definitions shared across packages: the
// inbound event as delivered by the source, the retry unit that wraps it, and
// the canonical record written to the metadata store.
package model

import (
	"mime"
	"path/filepath"
	"strings"
)

// MediaKind names the attachment variant. Declaring it as "type X string"
// keeps the values printable while preventing accidental mixing with other
// strings such as object keys.
type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media describes one attachment. It is resolved once while decoding the
// source frame and only the fields valid for its Kind are populated: width and
// height exist for images and videos, file name and MIME type for documents
// and audio.
type Media struct {
	kind     MediaKind
	fileID   string
	size     int64
	width    int
	height   int
	fileName string
	mimeType string
}

// NewImage builds an image attachment with its pixel dimensions.
func NewImage(fileID string, width, height int, size int64) *Media {
	return &Media{kind: MediaImage, fileID: fileID, width: width, height: height, size: size, mimeType: "image/jpeg"}
}

// NewVideo builds a video attachment; dimensions may be zero when unknown.
func NewVideo(fileID string, width, height int, size int64, mimeType string) *Media {
	return &Media{kind: MediaVideo, fileID: fileID, width: width, height: height, size: size, mimeType: mimeType}
}

// NewAudio builds an audio attachment.
func NewAudio(fileID, fileName, mimeType string, size int64) *Media {
	return &Media{kind: MediaAudio, fileID: fileID, fileName: fileName, mimeType: mimeType, size: size}
}

// NewDocument builds a generic file attachment.
func NewDocument(fileID, fileName, mimeType string, size int64) *Media {
	return &Media{kind: MediaDocument, fileID: fileID, fileName: fileName, mimeType: mimeType, size: size}
}

// Kind reports the variant. A nil *Media is MediaNone.
func (m *Media) Kind() MediaKind {
	if m == nil {
		return MediaNone
	}
	return m.kind
}

// FileID is the source's handle used to download the payload.
func (m *Media) FileID() string { return m.fileID }

// Size is the payload size announced by the source, zero when unknown.
func (m *Media) Size() int64 { return m.size }

// FileName is set for documents and audio only.
func (m *Media) FileName() string { return m.fileName }

// MIMEType is the announced content type, possibly empty.
func (m *Media) MIMEType() string { return m.mimeType }

// Dimensions returns width and height for images and videos that carry them.
func (m *Media) Dimensions() (width, height int, ok bool) {
	if m == nil || (m.kind != MediaImage && m.kind != MediaVideo) {
		return 0, 0, false
	}
	if m.width <= 0 || m.height <= 0 {
		return 0, 0, false
	}
	return m.width, m.height, true
}

var defaultExtensions = map[MediaKind]string{
	MediaImage:    ".jpg",
	MediaVideo:    ".mp4",
	MediaAudio:    ".mp3",
	MediaDocument: ".bin",
}

// Extension returns the file suffix used for the original object key. The file
// name wins, then the MIME type, then a per-kind default.
func (m *Media) Extension() string {
	if m == nil || m.kind == MediaNone {
		return ""
	}
	if m.kind == MediaImage {
		return ".jpg"
	}
	if ext := strings.ToLower(filepath.Ext(m.fileName)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if m.mimeType != "" {
		if exts, err := mime.ExtensionsByType(m.mimeType); err == nil && len(exts) > 0 {
			return preferredExtension(m.mimeType, exts)
		}
	}
	return defaultExtensions[m.kind]
}

// preferredExtension avoids platform-dependent picks such as ".jpe" or ".mpga".
func preferredExtension(mimeType string, exts []string) string {
	switch mimeType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	}
	return exts[0]
}
