package authflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Marker is the completion file the authorization subprocess writes once
// the user finishes consent. expiry_date is milliseconds since epoch.
type Marker struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// MarkerPath returns where the completion marker for a session and
// service is expected.
func MarkerPath(dir, sessionKey, service string) string {
	return filepath.Join(dir, fmt.Sprintf(".%s-%s-tokens.json", sessionKey, service))
}

// ReadMarker loads and validates a completion marker. ok is false for
// every recoverable condition: file absent, empty, unparseable, or
// parseable but holding no token material. The poller keeps going in
// all of those cases.
func ReadMarker(path string) (*Marker, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}

	if m.AccessToken == "" && m.RefreshToken == "" {
		return nil, false
	}

	return &m, true
}

// Expired reports whether the marker's access token has expired. A
// marker without an expiry is treated as unexpired; a refresh token can
// still mint new access tokens.
func (m *Marker) Expired(now time.Time) bool {
	if m.ExpiryDate == 0 {
		return false
	}
	return now.UnixMilli() >= m.ExpiryDate
}

// RemoveMarker deletes a marker file, ignoring a missing file.
func RemoveMarker(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
