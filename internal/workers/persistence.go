// Package workers implements the on-disk workers.json persistence format
// and the two-directory auth-profile layout spec §6 describes at the
// interface level. Grounded on original_source/src/worker/pool.py's
// load_config/save_config/init_from_config.
package workers

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Record is one entry of workers.json's "workers" array.
type Record struct {
	ID           string `json:"id"`
	Profile      string `json:"profile"`
	Port         int    `json:"port"`
	BrowserDebugPort int `json:"camoufox_port"`
}

// Settings is workers.json's "settings" object.
type Settings struct {
	RecoveryHours float64 `json:"recovery_hours"`
}

// File is the full workers.json document.
type File struct {
	Workers  []Record `json:"workers"`
	Settings Settings `json:"settings"`
}

// Store persists File to path and resolves auth-profile paths against
// the two profile directories spec §6 names: ResolveProfilePath looks in
// "saved/" then "active/", and ActiveProfile picks the single .json file
// under "active/".
type Store struct {
	path     string
	dataDir  string
}

// NewStore builds a Store rooted at dataDir, with workers.json directly
// under it (matching the original's DATA_DIR/workers.json layout).
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "workers.json"), dataDir: dataDir}
}

// Load reads workers.json, defaulting to an empty document if absent or
// unreadable (the original silently falls back rather than failing
// startup).
func (s *Store) Load() File {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return File{Settings: Settings{RecoveryHours: 6}}
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{Settings: Settings{RecoveryHours: 6}}
	}
	return f
}

// Save writes f to workers.json, creating the data directory if needed.
func (s *Store) Save(f File) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// SavedProfilesDir and ActiveProfilesDir are the two auth-profile
// directories spec §6 names.
func (s *Store) SavedProfilesDir() string {
	return filepath.Join(s.dataDir, "auth_profiles", "saved")
}

func (s *Store) ActiveProfilesDir() string {
	return filepath.Join(s.dataDir, "auth_profiles", "active")
}

// ResolveProfilePath finds profile under the saved dir first, falling
// back to the active dir, matching the original's two-directory lookup
// order in init_from_config.
func (s *Store) ResolveProfilePath(profile string) (string, bool) {
	saved := filepath.Join(s.SavedProfilesDir(), profile)
	if _, err := os.Stat(saved); err == nil {
		return saved, true
	}
	active := filepath.Join(s.ActiveProfilesDir(), profile)
	if _, err := os.Stat(active); err == nil {
		return active, true
	}
	return "", false
}

// ActiveProfile returns the single .json file under ActiveProfilesDir, if
// exactly one exists (spec §6: "only the active/ directory is consumed
// at boot (one .json file max)").
func (s *Store) ActiveProfile() (string, bool) {
	entries, err := os.ReadDir(s.ActiveProfilesDir())
	if err != nil {
		return "", false
	}
	found := ""
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			if found != "" {
				return "", false
			}
			found = filepath.Join(s.ActiveProfilesDir(), e.Name())
		}
	}
	return found, found != ""
}
