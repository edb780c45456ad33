// Package version reports the build identity of the monitor binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version can be overridden at build time via
// -ldflags "-X github.com/dragon-db/tailscale-monitor/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

func (i Info) String() string {
	s := "tailscale-monitor " + i.Version
	if i.Revision != "" && !strings.Contains(i.Version, i.Revision) {
		s += " (" + i.Revision
		if i.Modified {
			s += ", modified"
		}
		s += ")"
	}
	return fmt.Sprintf("%s %s", s, i.GoVersion)
}

// Get resolves the build identity from the linker override or the
// embedded module and VCS metadata.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	info.Revision, info.Modified = vcsRevision(bi.Settings)

	if Version != "" && Version != defaultVersion {
		return info
	}
	if v := moduleVersion(bi.Main.Version); v != "" {
		info.Version = v
	} else if info.Revision != "" {
		info.Version = "devel+" + info.Revision
		if info.Modified {
			info.Version += "-dirty"
		}
	}
	return info
}

func moduleVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "(devel)" {
		return ""
	}
	return v
}

func vcsRevision(settings []debug.BuildSetting) (string, bool) {
	var (
		revision string
		modified bool
	)
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			revision = strings.TrimSpace(setting.Value)
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return revision, modified
}
