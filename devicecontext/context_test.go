package devicecontext

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Bidon15/otaupdate/store"
)

func TestCheckClearsMatch(t *testing.T) {
	cases := []struct {
		toMatch, clears string
		want            bool
	}{
		{"a.b.c", "a.*", true},
		{"a.b.c", "*.c", true},
		{"a.b.c", "a*c", true},
		{"a.b.c", "a.x", false},
		{"a.b.c", "*", true},
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"rootfs-image.checksum", "rootfs-image.*", true},
		{"rootfs-image.checksum", "other.*", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CheckClearsMatch(c.toMatch, c.clears), "match(%q,%q)", c.toMatch, c.clears)
	}
}

func TestFilterProvidesPreservesNameAndGroup(t *testing.T) {
	current := map[string]string{
		"artifact_name":          "v1",
		"artifact_group":         "g1",
		"rootfs-image.checksum":  "abc",
		"extra.unrelated":        "keep-me",
	}
	out := FilterProvides(map[string]string{"rootfs-image.checksum": "def"}, []string{"rootfs-image.*"}, current)

	require.Equal(t, "v1", out["artifact_name"])
	require.Equal(t, "g1", out["artifact_group"])
	require.Equal(t, "def", out["rootfs-image.checksum"])
	require.Equal(t, "keep-me", out["extra.unrelated"])
}

func TestMatchesArtifactDepends(t *testing.T) {
	provides := map[string]string{"artifact_name": "v1", "region": "eu"}
	depends := map[string][]string{
		"device_type": {"test-device"},
		"region":      {"eu", "us"},
	}
	require.True(t, MatchesArtifactDepends("test-device", provides, depends))
	require.False(t, MatchesArtifactDepends("other-device", provides, depends))

	depends["region"] = []string{"apac"}
	require.False(t, MatchesArtifactDepends("test-device", provides, depends))
}

func TestCommitArtifactDataBothMissingErasesEverythingButNameGroup(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, CommitArtifactData(s, "v1", "", map[string]string{"leftover.key": "stale"}, nil, nil))

	err := CommitArtifactData(s, "v2", "g2", nil, nil, nil)
	require.NoError(t, err)

	var provides map[string]string
	require.NoError(t, s.ReadTransaction(func(tx store.ReadTx) error {
		var err error
		provides, err = LoadProvides(tx)
		return err
	}))
	require.Equal(t, "v2", provides["artifact_name"])
	require.Equal(t, "g2", provides["artifact_group"])
	_, stale := provides["leftover.key"]
	require.False(t, stale)
}

func TestCommitArtifactDataRunsTxnFunc(t *testing.T) {
	s := store.NewMemStore()
	called := false

	err := CommitArtifactData(s, "v2", "", map[string]string{"k": "v"}, nil, func(tx store.WriteTx) error {
		called = true
		return tx.Remove("state")
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestLoadDeviceTypeReadsValueAfterPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device_type")
	require.NoError(t, os.WriteFile(path, []byte("device_type=test-device\n"), 0o600))

	got, err := LoadDeviceType(path)
	require.NoError(t, err)
	require.Equal(t, "test-device", got)
}

func TestLoadDeviceTypeRequiresPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device_type")
	require.NoError(t, os.WriteFile(path, []byte("not-the-right-format\n"), 0o600))

	_, err := LoadDeviceType(path)
	require.Error(t, err)
}
