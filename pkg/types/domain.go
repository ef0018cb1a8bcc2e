package types

import (
	"fmt"
	"time"
)

// ModelDescriptor is the backend's view of the current version of a model.
// The download URL is a short-lived signed URL; it must not be used past
// URLExpiry. Descriptors are immutable once obtained.
type ModelDescriptor struct {
	// Model name as known to the backend.
	// example: pose-detection
	Name string `json:"name" example:"pose-detection"`
	// Signed, time-limited URL for the model binary.
	DownloadURL string `json:"download_url"`
	// Hex-encoded SHA-256 of the model binary.
	ContentHash string `json:"content_hash"`
	// Declared size of the model binary in bytes.
	// example: 1048576
	SizeBytes int64 `json:"size_bytes" example:"1048576"`
	// Time after which DownloadURL is no longer valid.
	URLExpiry time.Time `json:"url_expiry"`
}

// Expired reports whether the descriptor's signed URL has passed its expiry.
// A zero expiry means the backend issued no deadline.
func (d ModelDescriptor) Expired(now time.Time) bool {
	return !d.URLExpiry.IsZero() && now.After(d.URLExpiry)
}

// LocalModelRecord is durable proof that a descriptor's bytes are fully and
// correctly stored on disk. One record exists per (app, model name); a new
// successful download replaces the prior record.
type LocalModelRecord struct {
	// Model name.
	// example: pose-detection
	Name string `json:"name" example:"pose-detection"`
	// Hex-encoded SHA-256 of the stored file.
	ContentHash string `json:"content_hash"`
	// Size of the stored file in bytes.
	// example: 1048576
	SizeBytes int64 `json:"size_bytes" example:"1048576"`
	// Absolute path of the stored file.
	FilePath string `json:"file_path"`
	// When the download completed.
	DownloadedAt time.Time `json:"downloaded_at"`
}

// DownloadConditions constrain when a transfer may run. A fresh value is
// supplied per call; it is not tied to any request.
type DownloadConditions struct {
	// Permit transfers while the current network is cellular.
	AllowCellular bool `json:"allow_cellular"`
}

// DownloadType selects how GetModel trades freshness against network use.
type DownloadType string

const (
	// DownloadLatest always resolves the current descriptor first and
	// downloads when the backend reports a new version.
	DownloadLatest DownloadType = "latest"
	// DownloadLocal returns the local record when one exists and only
	// falls back to DownloadLatest when there is none.
	DownloadLocal DownloadType = "local"
	// DownloadLocalUpdateInBackground returns the local record immediately
	// and refreshes it detached from the caller.
	DownloadLocalUpdateInBackground DownloadType = "local_update_in_background"
)

// ParseDownloadType converts the wire string to a DownloadType.
// An empty string defaults to DownloadLatest.
func ParseDownloadType(s string) (DownloadType, error) {
	switch DownloadType(s) {
	case "":
		return DownloadLatest, nil
	case DownloadLatest, DownloadLocal, DownloadLocalUpdateInBackground:
		return DownloadType(s), nil
	default:
		return "", fmt.Errorf("unknown download type: %q", s)
	}
}
