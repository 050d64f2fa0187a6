package models

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID          string        `json:"id"`
	State       string        `json:"state"`
	Encoder     string        `json:"encoder,omitempty"`
	Hardware    bool          `json:"hardware"`
	Codec       string        `json:"codec"`
	Resolution  string        `json:"resolution"` // e.g., "1280x720"
	ColorFormat string        `json:"colorFormat"`
	FPS         int           `json:"fps"`
	Bitrate     int           `json:"bitrate"`
	Duration    int           `json:"duration,omitempty"` // seconds
	Subscribers int           `json:"subscribers"`
	Config      EncoderConfig `json:"config"`
	Stats       SessionStats  `json:"stats"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// EncoderInfo describes a registered encoder
type EncoderInfo struct {
	Name         string   `json:"name"`
	Codec        string   `json:"codec"`
	Hardware     bool     `json:"hardware"`
	ColorFormats []string `json:"colorFormats"`
}

// BitrateRequest changes the bitrate of a running session
type BitrateRequest struct {
	Bitrate int `json:"bitrate" binding:"required,gt=0"`
}

// FPSRequest changes the input frame-rate cap of a session
type FPSRequest struct {
	FPS int `json:"fps" binding:"required,gt=0"`
}
