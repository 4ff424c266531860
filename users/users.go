package users

import "strings"

// User is the client-side view of an authenticated account, as returned by
// the login and verify endpoints. Only identity fields travel to the client;
// password material and role internals stay server-side.
type User struct {
	ID        string `json:"id,omitempty"`         // Unique identifier for the user
	Username  string `json:"username,omitempty"`   // Unique username
	Email     string `json:"email,omitempty"`      // User's email address
	FirstName string `json:"first_name,omitempty"` // First name of the user
	LastName  string `json:"last_name,omitempty"`  // Last name of the user
}

// DisplayName returns the most specific human-readable name available.
func (u User) DisplayName() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full != "" {
		return full
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// IsZero reports whether the record carries no identity at all.
func (u User) IsZero() bool {
	return u.ID == "" && u.Username == "" && u.Email == ""
}
