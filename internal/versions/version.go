// Package versions provides build metadata and version compatibility checks.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknown = "unknown"

// Build metadata, overridden with -ldflags "-X ...versions.Version=..."
var (
	Version   = "dev"
	Commit    = unknown
	BuildDate = unknown
)

// Info describes the running binary
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String renders Info on one line
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s %s)", i.Version, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}

// Get returns the build metadata, filling gaps from the embedded VCS info
func Get() Info {
	return resolve(Version, Commit, BuildDate, readVCS)
}

func readVCS() (revision, at string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			at = s.Value
		}
	}
	return revision, at
}

func resolve(version, commit, buildDate string, vcs func() (string, string)) Info {
	if version == "dev" {
		revision, at := vcs()
		if commit == unknown && revision != "" {
			commit = revision
		}
		if buildDate == unknown && at != "" {
			buildDate = at
		}
		if commit != unknown {
			version = fmt.Sprintf("dev-%.8s", commit)
		}
	}

	if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 MST")
	}

	return Info{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
