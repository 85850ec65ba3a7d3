package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	vcs := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-04-01T10:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	tests := []struct {
		name       string
		bi         *debug.BuildInfo
		wantVer    string
		wantCommit string
		wantTime   string
		modified   bool
	}{
		{"no build info", nil, "dev", "unknown", "unknown", false},
		{"devel build with vcs", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: vcs}, "dev", "0123456789ab", "2026-04-01T10:00:00Z", true},
		{"go install of a tag", &debug.BuildInfo{Main: debug.Module{Version: "v0.4.1"}}, "v0.4.1", "unknown", "unknown", false},
		{"short revision ignored", &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}}, "dev", "unknown", "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolve(tt.bi)
			if got.Version != tt.wantVer || got.GitCommit != tt.wantCommit || got.BuildTime != tt.wantTime || got.Modified != tt.modified {
				t.Errorf("resolve = %+v", got)
			}
			if got.GoVersion == "" || got.OS == "" || got.Arch == "" {
				t.Errorf("runtime fields missing: %+v", got)
			}
		})
	}
}

func TestResolve_LdflagsWin(t *testing.T) {
	defer func(v, c string) { Version, GitCommit = v, c }(Version, GitCommit)
	Version, GitCommit = "1.2.0", "feedface"

	got := resolve(&debug.BuildInfo{
		Main:     debug.Module{Version: "v9.9.9"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "0123456789abcdef"}},
	})
	if got.Version != "1.2.0" || got.GitCommit != "feedface" {
		t.Errorf("stamped values overridden: %+v", got)
	}
}

func TestInfo_String(t *testing.T) {
	i := Info{Version: "1.0", GitCommit: "abc", GitBranch: "main", BuildTime: "today"}
	if got := i.String(); got != "Wright 1.0 (abc@main) built today" {
		t.Errorf("String = %q", got)
	}
	i.Modified = true
	if !strings.HasSuffix(i.String(), "+modified") {
		t.Errorf("dirty build not flagged: %q", i.String())
	}
}

func TestRuntimeAndUserAgent(t *testing.T) {
	if Runtime().Uptime == "" {
		t.Error("Runtime has no uptime")
	}
	if Current().Uptime != "" {
		t.Error("Current reports uptime")
	}
	if !strings.HasPrefix(UserAgent(), "wright-agent/") {
		t.Errorf("UserAgent = %q", UserAgent())
	}
	if f := (Info{}).Fields(); len(f) != 7 || f[0][0] != "version" {
		t.Errorf("Fields = %v", f)
	}
}
