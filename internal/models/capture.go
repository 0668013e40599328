package models

import "time"

// Capture represents one stored photo.
type Capture struct {
	ID            int64     `json:"id"`
	Filename      string    `json:"filename"`
	FilePath      string    `json:"filepath"`
	ThumbnailPath string    `json:"thumbnail_path"`
	FileSize      int64     `json:"filesize"`
	Series        int64     `json:"series"`
	FocusCounter  int       `json:"focus_counter"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Capture sources.
const (
	SourceDevice   = "device"
	SourceSnapshot = "snapshot"
)

// CaptureStats contains statistics about stored captures.
type CaptureStats struct {
	TotalCaptures  int   `json:"total_captures"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	Series         int64 `json:"series"`
}
