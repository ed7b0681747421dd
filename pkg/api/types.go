package api

// LaunchRequest asks the gateway to start an embedded app for the caller
type LaunchRequest struct {
	AppID    string `json:"appId"`
	ViewOnly bool   `json:"viewOnly,omitempty"`
}

// LaunchResponse carries the frame URL the portal should embed
type LaunchResponse struct {
	AppID    string `json:"appId"`
	FrameURL string `json:"frameUrl"`
	State    string `json:"state"`
}

// SessionResponse reports the caller's current session standing
type SessionResponse struct {
	State string `json:"state"`
	AppID string `json:"appId,omitempty"`
}

// UsageResponse represents the caller's quota standing for one app
type UsageResponse struct {
	UserID      string `json:"userId"`
	AppID       string `json:"appId"`
	Status      string `json:"status"` // "active", "expired", "missing"
	Used        int    `json:"used"`
	Limit       int    `json:"limit"`
	CanGenerate bool   `json:"canGenerate"`
	Reason      string `json:"reason"`
}
