package workers

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestSaveProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	want := Profile{Cookies: map[string]string{"__Secure-1PSID": "abc123"}}

	if err := SaveProfile(path, want); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if got.Cookies["__Secure-1PSID"] != "abc123" {
		t.Fatalf("Cookies = %v, want __Secure-1PSID=abc123", got.Cookies)
	}
	if got.SavedAt.IsZero() {
		t.Fatalf("SaveProfile did not stamp SavedAt")
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("LoadProfile on a missing file: want error, got nil")
	}
}

func TestProfileExpired(t *testing.T) {
	cookieOnly := Profile{Cookies: map[string]string{"a": "b"}}
	if cookieOnly.Expired() {
		t.Fatalf("cookie-only profile reported Expired")
	}

	expired := Profile{Token: &oauth2.Token{
		AccessToken: "x",
		Expiry:      time.Now().Add(-time.Hour),
	}}
	if !expired.Expired() {
		t.Fatalf("profile with a past-expiry token reported not Expired")
	}

	valid := Profile{Token: &oauth2.Token{
		AccessToken: "x",
		Expiry:      time.Now().Add(time.Hour),
	}}
	if valid.Expired() {
		t.Fatalf("profile with a future-expiry token reported Expired")
	}
}
