package browserlauncher

import "testing"

func TestLinuxBrowsersListsXdgOpenFirst(t *testing.T) {
	if len(linuxBrowsers) == 0 {
		t.Fatal("linuxBrowsers is empty")
	}
	if linuxBrowsers[0] != "xdg-open" {
		t.Fatalf("linuxBrowsers[0] = %q, want xdg-open (the most portable launcher should be tried first)", linuxBrowsers[0])
	}
}

func TestIsAvailableDoesNotPanic(t *testing.T) {
	_ = IsAvailable()
}
