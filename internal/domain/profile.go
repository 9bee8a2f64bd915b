package domain

// Profile is the display identity shown next to a stage request.
// Resolved lazily per user and cached for the session lifetime.
type Profile struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
