package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// GenesisHash is the PreviousHash of the first entry in every chain scope.
const GenesisHash HashValue = "genesis"

// String returns the hash as a plain string.
func (h HashValue) String() string {
	return string(h)
}

// Short returns the first 12 characters for display.
func (h HashValue) Short() string {
	s := string(h)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// ActorRef identifies who performed an action. ID is nil for system or
// legacy actions. The referenced user may be deleted later; the email and
// display name are point-in-time copies so the record stays legible.
type ActorRef struct {
	ID          *string `json:"id,omitempty"`
	Email       string  `json:"email,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
}

// SystemActor returns the actor used for system-initiated work.
func SystemActor() ActorRef {
	return ActorRef{DisplayName: "system"}
}

// UserActor returns an actor reference for a live user.
func UserActor(id, email, displayName string) ActorRef {
	return ActorRef{ID: &id, Email: email, DisplayName: displayName}
}

// IsSystem returns true when no user is attributed.
func (a ActorRef) IsSystem() bool {
	return a.ID == nil
}

// Label returns the best human-readable name for the actor.
func (a ActorRef) Label() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Email != "":
		return a.Email
	case a.ID != nil:
		return *a.ID
	default:
		return "system"
	}
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
