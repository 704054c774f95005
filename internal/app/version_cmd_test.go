package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := execute(args, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCmd_Default(t *testing.T) {
	setVersionMetadataForTest(t, "v1.2.3", "abc123", "2026-02-09T12:00:00Z")

	code, stdout, stderr := runCLI(t, "version")
	require.Equal(t, 0, code)
	assert.Equal(t, "v1.2.3", strings.TrimSpace(stdout))
	assert.Empty(t, stderr)
}

func TestVersionCmd_Long(t *testing.T) {
	setVersionMetadataForTest(t, "v1.2.3", "abc123", "2026-02-09T12:00:00Z")

	code, stdout, _ := runCLI(t, "version", "--long")
	require.Equal(t, 0, code)
	assert.Equal(t, "v1.2.3 (commit=abc123, build_date=2026-02-09T12:00:00Z)", strings.TrimSpace(stdout))
}

func TestVersionCmd_JSON(t *testing.T) {
	setVersionMetadataForTest(t, "v1.2.3", "abc123", "2026-02-09T12:00:00Z")

	code, stdout, _ := runCLI(t, "version", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"version":"v1.2.3","commit":"abc123","build_date":"2026-02-09T12:00:00Z"}`, stdout)
}

func TestVersionCmd_BadArgs(t *testing.T) {
	code, stdout, stderr := runCLI(t, "version", "positional")
	assert.Equal(t, 2, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "unknown command")
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "unknown command")
}

func setVersionMetadataForTest(t *testing.T, v, c, d string) {
	t.Helper()
	origVersion, origCommit, origBuildDate := version, commit, buildDate
	version, commit, buildDate = v, c, d
	t.Cleanup(func() {
		version, commit, buildDate = origVersion, origCommit, origBuildDate
	})
}
