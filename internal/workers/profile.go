package workers

import (
	"encoding/json"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// Profile is the on-disk shape of one auth-profile JSON file under
// SavedProfilesDir/ActiveProfilesDir: the Studio session cookies plus an
// oauth2.Token-shaped access-token/expiry pair, kept alongside the
// cookies so this profile's envelope matches the rest of the pack's
// credential-persistence shape even though Studio auth itself is
// cookie-based, not OAuth (see DESIGN.md).
type Profile struct {
	Cookies map[string]string `json:"cookies"`
	Token   *oauth2.Token     `json:"token,omitempty"`
	SavedAt time.Time         `json:"saved_at"`
}

// Expired reports whether the profile's token (if any) has expired;
// cookie-only profiles (Token == nil) are never considered expired by
// this check — their validity is determined by the page, not a client-side
// clock.
func (p Profile) Expired() bool {
	if p.Token == nil {
		return false
	}
	return !p.Token.Valid()
}

// LoadProfile reads and parses an auth-profile JSON file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// SaveProfile writes p to path as indented JSON, stamping SavedAt.
func SaveProfile(path string, p Profile) error {
	p.SavedAt = time.Now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
