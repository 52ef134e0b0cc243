// Package env classifies the runtime environment for BLE provisioning.
// Detection is a pure computation over an explicit probe snapshot so the
// rest of the flow never reads ambient platform state directly.
package env

import "strings"

// Class is the provisioning-capability classification of the environment.
type Class int

const (
	// ClassSupported means BLE provisioning can be attempted here
	// (Chrome/Edge/Opera on desktop or Android).
	ClassSupported Class = iota
	// ClassUnsupportedIOS means iOS, where Web Bluetooth does not exist
	// in any browser.
	ClassUnsupportedIOS
	// ClassUnsupportedBrowser means a browser without the Bluetooth API
	// on an otherwise capable platform.
	ClassUnsupportedBrowser
)

// Probes is the raw feature snapshot Detect classifies. Callers fill it
// from the platform once per page load; Detect itself performs no I/O.
type Probes struct {
	UserAgent             string
	HasBluetoothAPI       bool
	HasNotificationAPI    bool
	StandaloneDisplayMode bool
	NavigatorStandalone   bool
}

// Environment is an immutable snapshot computed once per page load.
type Environment struct {
	IsMobile       bool
	IsIOS          bool
	IsAndroid      bool
	IsDesktop      bool
	IsInstalledApp bool
	BrowserName    string

	SupportsBLE           bool
	SupportsNotifications bool

	Class Class
}

// Detect computes an Environment from the given probes. It is pure and
// side-effect free; it is always safe to call, and its result never gates
// the scanner (the scanner re-checks capability itself).
func Detect(p Probes) Environment {
	ua := strings.ToLower(p.UserAgent)

	e := Environment{
		IsIOS:                 containsAny(ua, "iphone", "ipad", "ipod"),
		IsAndroid:             strings.Contains(ua, "android"),
		BrowserName:           browserName(ua),
		SupportsBLE:           p.HasBluetoothAPI,
		SupportsNotifications: p.HasNotificationAPI,
		IsInstalledApp:        p.StandaloneDisplayMode || p.NavigatorStandalone,
	}
	e.IsMobile = e.IsIOS || e.IsAndroid || strings.Contains(ua, "mobile")
	e.IsDesktop = !e.IsMobile
	e.Class = classify(e)
	return e
}

// Guidance returns the user-facing message for unsupported environments,
// or "" when provisioning is available.
func (e Environment) Guidance() string {
	switch e.Class {
	case ClassUnsupportedIOS:
		return "Bluetooth setup is not available on iOS. Please use a desktop or Android device."
	case ClassUnsupportedBrowser:
		return "This browser does not support Bluetooth setup. Please use Chrome, Edge or Opera on Android or desktop."
	default:
		return ""
	}
}

func classify(e Environment) Class {
	if e.IsIOS {
		return ClassUnsupportedIOS
	}
	if !e.SupportsBLE {
		return ClassUnsupportedBrowser
	}
	return ClassSupported
}

// browserName is a best-effort label for messaging only; order matters
// because Chrome-derived agents also contain "safari".
func browserName(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "samsungbrowser"):
		return "samsung"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	default:
		return "unknown"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
