package version_test

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/codevoyage/pkg/version"
)

func TestGet(t *testing.T) {
	t.Parallel()

	info := version.Get()

	assert.Equal(t, version.Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestInfo_String(t *testing.T) {
	t.Parallel()

	info := version.Info{Version: "1.2.0", Commit: "0123456789abcdef", GoVersion: "go1.24.5", Platform: "linux/amd64"}
	assert.Equal(t, "codevoyage 1.2.0 (0123456789ab) go1.24.5 linux/amd64", info.String())

	info.Commit = ""
	assert.True(t, strings.Contains(info.String(), "(unknown)"))
}
