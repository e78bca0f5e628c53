package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the daemon version, resolved once from the embedded build info.
var Version string

// Revision is the short VCS revision, empty for tagged module builds.
var Revision string

func init() {
	Version, Revision = resolveVersion(debug.ReadBuildInfo())
}

func resolveVersion(info *debug.BuildInfo, ok bool) (string, string) {
	if !ok || info == nil {
		return "devel", ""
	}

	// go install of a tag carries a real module version; local builds since
	// Go 1.24 get a pseudo-version, which is less useful than the VCS stamp.
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v, ""
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel", ""
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := "devel-" + revision
	if dirty {
		version += "-dirty"
	}
	return version, revision
}

// FormatVersion strips the "v" prefix of tagged releases.
//   - "v1.12.0" → "1.12.0"
//   - "devel-ad721b3" → "devel-ad721b3"
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// UserAgent identifies the daemon towards the coordination server.
func UserAgent() string {
	return fmt.Sprintf("nightshift/%s (%s/%s)", FormatVersion(Version), runtime.GOOS, runtime.GOARCH)
}

// isPseudoVersion reports whether v ends in a 12 character commit hash,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
