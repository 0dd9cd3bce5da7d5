// Package db provides SQLite access to the microchat device book and
// session transcripts.
package db

import "time"

// Device is a board the user has paired with.
type Device struct {
	ID        string
	Name      string
	Nickname  string
	Notes     string
	CreatedAt time.Time
}

// DisplayName returns the nickname when set, otherwise the advertised name.
func (d Device) DisplayName() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	return d.Name
}

// Session is one visit's transcript for a device.
type Session struct {
	ID        int64
	DeviceID  string
	CreatedAt time.Time
	Content   string
}
