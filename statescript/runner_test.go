package statescript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755))
}

func TestDiscoverSortsLexicographically(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ArtifactInstall_Enter_50_b", "#!/bin/sh\n")
	writeScript(t, dir, "ArtifactInstall_Enter_10_a", "#!/bin/sh\n")
	writeScript(t, dir, "ArtifactInstall_Leave_10_a", "#!/bin/sh\n")
	writeScript(t, dir, "not-a-script", "#!/bin/sh\n")

	got, err := Discover(dir, "ArtifactInstall", "Enter")
	require.NoError(t, err)
	require.Equal(t, []string{"ArtifactInstall_Enter_10_a", "ArtifactInstall_Enter_50_b"}, got)
}

func TestDiscoverMissingDirIsEmpty(t *testing.T) {
	got, err := Discover(filepath.Join(t.TempDir(), "missing"), "Download", "Enter")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCheckVersionAcceptsMissingOrMatching(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckVersion(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("3\n"), 0o644))
	require.NoError(t, CheckVersion(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("2\n"), 0o644))
	require.Error(t, CheckVersion(dir))
}

func TestRunAllSucceedsAndOrdersScripts(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "log")
	writeScript(t, dir, "Download_Enter_10_first", "#!/bin/sh\necho first >> "+logPath+"\n")
	writeScript(t, dir, "Download_Enter_20_second", "#!/bin/sh\necho second >> "+logPath+"\n")

	r := NewRunner(dir, Config{})
	require.NoError(t, r.RunAll(context.Background(), "Download", "Enter"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(data))
}

func TestRunAllPropagatesNonRetryFailure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ArtifactInstall_Enter_10_fail", "#!/bin/sh\nexit 1\n")

	r := NewRunner(dir, Config{})
	err := r.RunAll(context.Background(), "ArtifactInstall", "Enter")
	require.Error(t, err)
}

func TestRunAllRetriesOnExit21ThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempts")
	script := "#!/bin/sh\n" +
		"n=0\n" +
		"if [ -f " + marker + " ]; then n=$(cat " + marker + "); fi\n" +
		"n=$((n+1))\n" +
		"echo $n > " + marker + "\n" +
		"if [ $n -lt 3 ]; then exit 21; fi\n" +
		"exit 0\n"
	writeScript(t, dir, "ArtifactCommit_Enter_10_retry", script)

	r := NewRunner(dir, Config{RetryInterval: 10 * time.Millisecond, RetryTimeout: time.Second})
	require.NoError(t, r.RunAll(context.Background(), "ArtifactCommit", "Enter"))

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "3\n", string(data))
}

func TestRunAllExhaustsRetryBudget(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ArtifactCommit_Enter_10_alwaysretry", "#!/bin/sh\nexit 21\n")

	r := NewRunner(dir, Config{RetryInterval: 5 * time.Millisecond, RetryTimeout: 20 * time.Millisecond})
	err := r.RunAll(context.Background(), "ArtifactCommit", "Enter")
	require.Error(t, err)
}

func TestRunAllEnforcesPerScriptTimeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ArtifactInstall_Enter_10_slow", "#!/bin/sh\nsleep 2\n")

	r := NewRunner(dir, Config{Timeout: 20 * time.Millisecond, RetryTimeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	err := r.RunAll(context.Background(), "ArtifactInstall", "Enter")
	require.Error(t, err)
}
