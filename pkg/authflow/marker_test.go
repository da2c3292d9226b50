package authflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerPath(t *testing.T) {
	path := MarkerPath("/data/tokens", "session-aaa", "gmail")
	assert.Equal(t, filepath.Join("/data/tokens", ".session-aaa-gmail-tokens.json"), path)
}

func TestReadMarkerRecoverableConditions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker.json")

	// Absent file.
	_, ok := ReadMarker(path)
	assert.False(t, ok)

	// Empty file.
	require.NoError(t, os.WriteFile(path, nil, 0600))
	_, ok = ReadMarker(path)
	assert.False(t, ok)

	// Unparseable content.
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, ok = ReadMarker(path)
	assert.False(t, ok)

	// Parseable but no token material.
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
	_, ok = ReadMarker(path)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{"expiry_date": 123}`), 0600))
	_, ok = ReadMarker(path)
	assert.False(t, ok)
}

func TestReadMarkerValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker.json")

	content := `{"access_token":"at-123","refresh_token":"rt-456","expiry_date":1767225600000}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	m, ok := ReadMarker(path)
	require.True(t, ok)
	assert.Equal(t, "at-123", m.AccessToken)
	assert.Equal(t, "rt-456", m.RefreshToken)
	assert.Equal(t, int64(1767225600000), m.ExpiryDate)
}

func TestReadMarkerRefreshTokenOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"refresh_token":"rt-456"}`), 0600))
	m, ok := ReadMarker(path)
	require.True(t, ok)
	assert.Equal(t, "rt-456", m.RefreshToken)
}

func TestMarkerExpired(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	m := &Marker{AccessToken: "at", ExpiryDate: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, m.Expired(now))

	m.ExpiryDate = now.Add(time.Minute).UnixMilli()
	assert.False(t, m.Expired(now))

	// Missing expiry means not expired.
	m.ExpiryDate = 0
	assert.False(t, m.Expired(now))
}

func TestRemoveMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker.json")

	// Missing file is not an error.
	assert.NoError(t, RemoveMarker(path))

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
	assert.NoError(t, RemoveMarker(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
