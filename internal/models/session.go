package models

import "time"

// Session is a bearer credential with a bounded lifetime.
type Session struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RefreshAt time.Time
}

// Fresh reports whether the session can be used without refreshing.
func (s Session) Fresh(now time.Time) bool {
	return s.Token != "" && now.Before(s.RefreshAt)
}

// Usable reports whether the session has not hit its hard expiry.
func (s Session) Usable(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}
