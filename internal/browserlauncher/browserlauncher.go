// Package browserlauncher opens a URL in the operator's default browser
// for the one-time Studio cookie-capture login flow (cmd/worker's
// --studio-web-auth flag): the operator logs in manually once, the
// captured cookies are written to an auth profile, and every subsequent
// worker run reuses that profile headlessly. Ported from the teacher's
// internal/browser/browser.go, unchanged in logic beyond the package
// rename.
package browserlauncher

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens url in the default browser, falling back to
// platform-specific commands if the open-golang library fails.
func OpenURL(url string) error {
	log.Debugf("browserlauncher: opening %s", url)

	if err := open.Run(url); err == nil {
		return nil
	} else {
		log.Debugf("browserlauncher: open-golang failed (%v), trying platform-specific command", err)
	}

	return openPlatformSpecific(url)
}

func openPlatformSpecific(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				cmd = exec.Command(browser, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browserlauncher: no suitable browser found on this Linux system")
		}
	default:
		return fmt.Errorf("browserlauncher: unsupported operating system %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browserlauncher: failed to start browser command: %w", err)
	}
	return nil
}

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// IsAvailable reports whether a way to open a browser was found on this
// platform.
func IsAvailable() bool {
	if err := open.Run("about:blank"); err == nil {
		return true
	}
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				return true
			}
		}
		return false
	default:
		return false
	}
}
