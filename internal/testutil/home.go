package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempHome is an isolated home and state directory for one test.
type TempHome struct {
	Dir string
}

// NewTempHome points HOME and the FBMSG_ locations at a fresh temp dir. The
// environment is restored when the test ends.
func NewTempHome(t *testing.T) *TempHome {
	t.Helper()

	dir := t.TempDir()
	th := &TempHome{Dir: dir}

	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("FBMSG_STATE_DIR", th.StateDir())
	t.Setenv("FBMSG_CONFIG_PATH", "")

	if err := os.MkdirAll(th.StateDir(), 0755); err != nil {
		t.Fatalf("Failed to create state dir: %v", err)
	}
	return th
}

// StateDir returns the fbmsg state directory in the temp home.
func (th *TempHome) StateDir() string {
	return filepath.Join(th.Dir, ".fbmsg")
}

// WriteConfig writes fbmsg.json into the state dir.
func (th *TempHome) WriteConfig(t *testing.T, content string) string {
	t.Helper()
	return th.CreateFile(t, filepath.Join(".fbmsg", "fbmsg.json"), content)
}

// WriteAppState writes a cookie file for userID into the state dir.
func (th *TempHome) WriteAppState(t *testing.T, userID string) string {
	t.Helper()
	content := `[{"key":"c_user","value":"` + userID + `","domain":".facebook.com","path":"/"},` +
		`{"key":"xs","value":"secret","domain":".facebook.com","path":"/"}]`
	return th.CreateFile(t, filepath.Join(".fbmsg", "appstate.json"), content)
}

// CreateFile creates a file relative to the temp home.
func (th *TempHome) CreateFile(t *testing.T, relPath, content string) string {
	t.Helper()

	fullPath := filepath.Join(th.Dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	return fullPath
}
