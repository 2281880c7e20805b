package studio

import "fmt"

// DriverOptions carries the CLI-surface knobs (spec §6) a real PageDriver
// implementation would need to attach to the browser: the camoufox/CDP
// remote-debugging port and the auth profile to load cookies from.
type DriverOptions struct {
	RemoteDebugPort int
	AuthProfilePath string
	Headless        bool
	ProxyURL        string
}

// NewDriver is the plug-in point for a concrete PageDriver — a headless
// browser remote-debugging client (chromedp, playwright-go, or the
// vendor's own CDP-equivalent wire protocol). Per spec §1/§4.5 this repo
// specifies C6 only at its contract; no automation library is vendored
// here (see DESIGN.md). An operator wiring a real driver replaces this
// variable at build time (or in a sibling file) before starting cmd/worker.
var NewDriver func(opts DriverOptions) (PageDriver, error) = func(DriverOptions) (PageDriver, error) {
	return nil, fmt.Errorf("studio: no PageDriver implementation is wired; see DESIGN.md's C6 scope note")
}
