package appversion_test

import (
	"runtime"
	"strings"
	"testing"

	appversion "github.com/dantte-lp/quicmig/internal/version"
)

func TestGet(t *testing.T) {
	t.Parallel()

	info := appversion.Get()
	if info.Version != appversion.Version {
		t.Errorf("Version = %q, want %q", info.Version, appversion.Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if info.GitCommit == "" || info.BuildDate == "" {
		t.Errorf("Get() = %+v, want non-empty commit and date", info)
	}
}

func TestFull(t *testing.T) {
	t.Parallel()

	out := appversion.Full("quicmig")

	for _, want := range []string{"quicmig " + appversion.Version, "commit:", "built:", "go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Full() = %q, missing %q", out, want)
		}
	}
}
