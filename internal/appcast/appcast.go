// Package appcast parses the Sparkle-style update feed published for the
// sidecar server and models its items and platform enclosures.
package appcast

import (
	"runtime"
	"time"
)

// Enclosure is one platform-specific downloadable artifact.
type Enclosure struct {
	URL       string
	OS        string // "macos", "linux", "windows"
	Arch      string // "arm64", "x86_64"
	Signature string // base64 ed25519 signature over the archive
	Length    int64
}

// MatchesPlatform is a pure equality check against normalized OS family
// and CPU architecture identifiers.
func (e Enclosure) MatchesPlatform(osName, arch string) bool {
	return e.OS == osName && e.Arch == arch
}

// MatchesCurrentPlatform reports whether the enclosure targets the
// running OS and architecture.
func (e Enclosure) MatchesCurrentPlatform() bool {
	return e.MatchesPlatform(CurrentOS(), CurrentArch())
}

// Item is one published server version with its enclosures. Items are
// parsed fresh from each feed fetch and never mutated.
type Item struct {
	Version    Version
	PubDate    time.Time // zero when the feed date was unparsable
	Enclosures []Enclosure
}

// EnclosureFor returns the first enclosure matching the given platform,
// or false when none does. Feed order decides ties.
func (it *Item) EnclosureFor(osName, arch string) (*Enclosure, bool) {
	for i := range it.Enclosures {
		if it.Enclosures[i].MatchesPlatform(osName, arch) {
			return &it.Enclosures[i], true
		}
	}
	return nil, false
}

// EnclosureForCurrentPlatform resolves the enclosure for the running
// OS and architecture.
func (it *Item) EnclosureForCurrentPlatform() (*Enclosure, bool) {
	return it.EnclosureFor(CurrentOS(), CurrentArch())
}

// CurrentOS returns the feed's identifier for the running OS family.
func CurrentOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	case "linux":
		return "linux"
	case "windows":
		return "windows"
	default:
		return ""
	}
}

// CurrentArch returns the feed's identifier for the running CPU
// architecture.
func CurrentArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	case "amd64":
		return "x86_64"
	default:
		return ""
	}
}
