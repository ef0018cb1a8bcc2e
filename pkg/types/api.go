package types

// ModelsResponse wraps the list of local records returned by GET /v1/models.
type ModelsResponse struct {
	// Locally downloaded models.
	Models []LocalModelRecord `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found
	Error string `json:"error" example:"model not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// DownloadRequest is the body of POST /v1/models/{name}/download.
type DownloadRequest struct {
	// One of "latest", "local", "local_update_in_background".
	// Empty defaults to "latest".
	// example: latest
	DownloadType string `json:"download_type,omitempty" example:"latest"`
	// Permit the transfer on a cellular network.
	// example: false
	AllowCellular bool `json:"allow_cellular,omitempty" example:"false"`
}

// ProgressEvent is one NDJSON line of a download stream. The stream carries
// zero or more "progress" events followed by exactly one "complete" or
// "error" event.
type ProgressEvent struct {
	// One of "progress", "complete", "error".
	// example: progress
	Event string `json:"event" example:"progress"`
	// Fraction of the transfer completed, in [0,1]. Only on "progress".
	// example: 0.42
	Fraction float64 `json:"fraction,omitempty" example:"0.42"`
	// The resulting record. Only on "complete".
	Model *LocalModelRecord `json:"model,omitempty"`
	// Error message. Only on "error".
	Error string `json:"error,omitempty"`
	// HTTP-equivalent status code for the error. Only on "error".
	// example: 502
	Code int `json:"code,omitempty" example:"502"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Number of models with a local record.
	// example: 3
	ModelCount int `json:"model_count" example:"3"`
	// Sum of recorded model sizes in bytes.
	// example: 3145728
	TotalSizeBytes int64 `json:"total_size_bytes" example:"3145728"`
	// Downloads currently in flight (deduplicated per model name).
	// example: 1
	InflightDownloads int `json:"inflight_downloads" example:"1"`
	// Completed downloads since start.
	// example: 12
	DownloadsTotal uint64 `json:"downloads_total" example:"12"`
	// Failed downloads since start.
	// example: 2
	DownloadFailuresTotal uint64 `json:"download_failures_total" example:"2"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
