package maildispatch

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build metadata, injected with -ldflags "-X github.com/lattiq/maildispatch.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Module    string `json:"module,omitempty"`
}

// GetVersionInfo returns the build metadata, filling unset values from the
// embedded VCS information when available.
func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if buildInfo.Main.Path != "" {
		info.Module = buildInfo.Main.Path
		if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
			info.Module += "@" + buildInfo.Main.Version
		}
	}

	dirty := false
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = setting.Value
				if len(info.GitCommit) > 12 {
					info.GitCommit = info.GitCommit[:12]
				}
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = setting.Value
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if dirty && info.GitCommit != "unknown" && !strings.HasSuffix(info.GitCommit, "-dirty") {
		info.GitCommit += "-dirty"
	}

	return info
}

// String returns a one-line description of the build.
func (v VersionInfo) String() string {
	parts := []string{"Version: " + v.Version}
	if v.GitCommit != "" && v.GitCommit != "unknown" {
		parts = append(parts, "Commit: "+v.GitCommit)
	}
	if v.BuildDate != "" && v.BuildDate != "unknown" {
		parts = append(parts, "Built: "+v.BuildDate)
	}
	parts = append(parts, "Go: "+v.GoVersion, "Platform: "+v.Platform)
	return strings.Join(parts, ", ")
}

// UserAgent returns the User-Agent sent to providers.
func (v VersionInfo) UserAgent() string {
	return fmt.Sprintf("maildispatch/%s (%s)", v.Version, v.Platform)
}

// IsDevBuild reports whether the build carries no release version.
func (v VersionInfo) IsDevBuild() bool {
	return v.Version == "dev" ||
		strings.Contains(v.Version, "snapshot") ||
		strings.HasSuffix(v.GitCommit, "-dirty")
}

// PrintVersion writes the build metadata to w.
func PrintVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "maildispatch")
	fmt.Fprintln(w, info.String())
	if info.Module != "" {
		fmt.Fprintf(w, "Module: %s\n", info.Module)
	}
}
