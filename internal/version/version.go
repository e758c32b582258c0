package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"

	"github.com/blang/semver/v4"
	json "github.com/json-iterator/go"

	"github.com/cri-o/busconn/pkg/message"
)

// Version is the version of the build.
const Version = "0.1.0-dev"

// Variables injected during build-time
var (
	gitCommit    string // sha1 from git, output of $(git rev-parse HEAD)
	gitTreeState string // state of git tree, either "clean" or "dirty"
	buildDate    string // build date in ISO8601 format, output of $(date -u +'%Y-%m-%dT%H:%M:%SZ')
)

type Info struct {
	Version         string `json:"version,omitempty"`
	ProtocolVersion int    `json:"protocolVersion"`
	GitCommit       string `json:"gitCommit,omitempty"`
	GitTreeState    string `json:"gitTreeState,omitempty"`
	BuildDate       string `json:"buildDate,omitempty"`
	GoVersion       string `json:"goVersion,omitempty"`
	Compiler        string `json:"compiler,omitempty"`
	Platform        string `json:"platform,omitempty"`
}

// Semver returns the version of the binary including the git commit as
// build metadata.
func Semver() (*semver.Version, error) {
	return parseVersionConstant(Version, Get().GitCommit)
}

// parseVersionConstant parses the version constant and appends the git
// commit, if any, as build metadata.
func parseVersionConstant(versionString, gitCommit string) (*semver.Version, error) {
	v, err := semver.Make(versionString)
	if err != nil {
		return nil, err
	}
	if gitCommit != "" {
		gitBuild, err := semver.NewBuildVersion(strings.Trim(gitCommit, "\""))
		// A commit that is no valid build identifier is left out.
		if err == nil {
			v.Build = append(v.Build, gitBuild)
		}
	}
	return &v, nil
}

func Get() *Info {
	info := &Info{
		Version:         Version,
		ProtocolVersion: message.ProtocolVersion,
		GitCommit:       gitCommit,
		GitTreeState:    gitTreeState,
		BuildDate:       buildDate,
		GoVersion:       runtime.Version(),
		Compiler:        runtime.Compiler,
		Platform:        fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fillFromBuildSettings(bi.Settings)
	}
	return info
}

// fillFromBuildSettings takes the vcs settings recorded by the go tool for
// every value not injected through the linker.
func (i *Info) fillFromBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "" {
				i.GitCommit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if i.GitTreeState == "" {
				i.GitTreeState = "clean"
				if s.Value == "true" {
					i.GitTreeState = "dirty"
				}
			}
		}
	}
}

// String returns the string representation of the version info
func (i *Info) String() string {
	b := strings.Builder{}
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	rows := [][2]string{
		{"Version", i.Version},
		{"ProtocolVersion", fmt.Sprint(i.ProtocolVersion)},
		{"GitCommit", i.GitCommit},
		{"GitTreeState", i.GitTreeState},
		{"BuildDate", i.BuildDate},
		{"GoVersion", i.GoVersion},
		{"Compiler", i.Compiler},
		{"Platform", i.Platform},
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		if row[1] != "" {
			lines = append(lines, row[0]+":\t"+row[1])
		}
	}
	fmt.Fprint(w, strings.Join(lines, "\n"))

	w.Flush()
	return b.String()
}

// JSONString returns the JSON representation of the version info
func (i *Info) JSONString() (string, error) {
	b, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
