package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the release of the licensed binary.
	Version = "1.0.0"

	// APIVersion versions the HTTP routes and websocket messages together.
	APIVersion = "v1"
)

// Set with -ldflags "-X licensesvc/pkg/contracts.GitCommit=...".
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is served by /api/version.
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	BuildTime  string `json:"build_time"`
	GitCommit  string `json:"git_commit"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// GetVersionInfo returns the build information of the running binary.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:    Version,
		APIVersion: APIVersion,
		BuildTime:  BuildTime,
		GitCommit:  GitCommit,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// GetVersionString returns "licensed vX.Y.Z".
func GetVersionString() string {
	return "licensed v" + Version
}

// GetFullVersionString adds build and platform details to GetVersionString.
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s (api %s, commit %s, built %s, %s, %s)",
		GetVersionString(), info.APIVersion, info.GitCommit, info.BuildTime, info.GoVersion, info.Platform)
}
