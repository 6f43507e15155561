package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthResult is the authority's answer to a successful login.
type AuthResult struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
}

// MutationItem is one element of a push batch.
type MutationItem struct {
	Table   string          `json:"table"`
	Action  string          `json:"action"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MutationResult is the authority's per-item accept/reject answer.
type MutationResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	ServerID *int64 `json:"server_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PullResult bundles the authoritative collections returned for a watermark.
type PullResult struct {
	Watermark   time.Time                    `json:"watermark"`
	Collections map[string][]json.RawMessage `json:"collections"`
}

// AttachmentMeta describes the binary being uploaded alongside its bytes.
type AttachmentMeta struct {
	MediaID    string
	OwnerTable string
	OwnerID    string
	Kind       string
	FileName   string
}

// APIError is a non-transport failure reported by the remote authority.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth an automatic retry.
func (e *APIError) Transient() bool {
	return e.Status >= 500
}

// AuthFailure reports whether the failure should trigger a token refresh.
func (e *APIError) AuthFailure() bool {
	return e.Status == 401
}
