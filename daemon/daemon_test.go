package daemon

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Bidon15/otaupdate/deployments"
	"github.com/Bidon15/otaupdate/devicecontext"
	"github.com/Bidon15/otaupdate/download"
	"github.com/Bidon15/otaupdate/store"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func TestSaveStateSchemaUpgradeRoundTrip(t *testing.T) {
	s := store.NewMemStore()

	rec := &Record{Version: schemaVersion, InState: StateDownload, DeploymentID: "d1", HasDBSchemaUpdate: true}
	require.NoError(t, SaveState(s, rec))

	// The uncommitted slot holds the record; the committed slot is empty.
	_, err := s.Read(committedKey)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Read(uncommittedKey)
	require.NoError(t, err)

	loaded, err := LoadState(s)
	require.NoError(t, err)
	require.Equal(t, "d1", loaded.DeploymentID)
	require.True(t, loaded.HasDBSchemaUpdate)

	// A subsequent write without the upgrade flag commits for good and
	// clears the uncommitted slot.
	loaded.HasDBSchemaUpdate = false
	require.NoError(t, SaveState(s, loaded))
	_, err = s.Read(uncommittedKey)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Read(committedKey)
	require.NoError(t, err)
}

func TestSaveStateEnforcesLoopCap(t *testing.T) {
	s := store.NewMemStore()
	rec := &Record{Version: schemaVersion, InState: StateDownload}
	for i := 0; i < maxStateDataStoreCount; i++ {
		require.NoError(t, SaveState(s, rec))
	}
	require.Error(t, SaveState(s, rec))
}

func TestForceCheckUpdateCoalesces(t *testing.T) {
	d := New(store.NewMemStore(), nil, nil, Options{}, discardLogger())
	d.ForceCheckUpdate()
	d.ForceCheckUpdate()
	d.ForceCheckUpdate()

	select {
	case <-d.forceCheck:
	default:
		t.Fatal("expected one buffered signal")
	}
	select {
	case <-d.forceCheck:
		t.Fatal("expected signals to be coalesced, got a second one")
	default:
	}
}

func writeTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func buildEmptyPayloadArtifact(t *testing.T, artifactName string) []byte {
	t.Helper()
	headerInfo := []byte(`{"payloads":[{"type":""}],"provides":{"artifact_name":"` + artifactName + `"},"depends":{"device_type":["test-device"]}}`)
	typeInfo := []byte(`{"type":""}`)

	var headerBuf bytes.Buffer
	htw := tar.NewWriter(&headerBuf)
	writeTarEntry(t, htw, "header-info", headerInfo)
	writeTarEntry(t, htw, "headers/0000/type-info", typeInfo)
	require.NoError(t, htw.Close())
	headerTar := headerBuf.Bytes()

	sum := sha256.Sum256(headerTar)
	manifest := []byte(hex.EncodeToString(sum[:]) + "  header.tar\n")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeTarEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	writeTarEntry(t, tw, "manifest", manifest)
	writeTarEntry(t, tw, "header.tar", headerTar)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// TestRunDeploymentInstallsEmptyPayload exercises the S1-shaped happy
// path end to end: poll discovers a deployment, the daemon downloads
// and parses it, and (since it carries no payload) commits
// immediately and clears the record.
func TestRunDeploymentInstallsEmptyPayload(t *testing.T) {
	artifactBytes := buildEmptyPayloadArtifact(t, "v2")

	artifactSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "artifact.mender", time.Time{}, bytes.NewReader(artifactBytes))
	}))
	defer artifactSrv.Close()

	var statusPushes []string
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/devices/v2/deployments/device/deployments/next":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "dep-1",
				"artifact": map[string]any{
					"source": map[string]any{"uri": artifactSrv.URL},
				},
			})
		case r.Method == http.MethodPut:
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			statusPushes = append(statusPushes, body["status"])
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer apiSrv.Close()

	s := store.NewMemStore()
	depClient := deployments.NewClient(apiSrv.URL, nil)
	d := New(s, &devicecontext.Context{DeviceType: "test-device"}, depClient, Options{
		DeviceType:  "test-device",
		DownloadCfg: download.Config{SmallestInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 1},
	}, discardLogger())

	dep, err := d.poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, dep)
	require.Equal(t, "dep-1", dep.ID)

	rec := d.newRecord(dep)
	require.NoError(t, SaveState(s, rec))

	re, err := d.runDeployment(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, re.Result.Has(ResultDownloaded))
	require.True(t, re.Result.Has(ResultInstalled))
	require.True(t, re.Result.Has(ResultCommitted))
	require.True(t, re.Result.Has(ResultCleaned))
	require.Contains(t, statusPushes, "success")

	loaded, err := LoadState(s)
	require.NoError(t, err)
	require.Nil(t, loaded)

	var provides map[string]string
	require.NoError(t, s.ReadTransaction(func(tx store.ReadTx) error {
		p, err := devicecontext.LoadProvides(tx)
		provides = p
		return err
	}))
	require.Equal(t, "v2", provides["artifact_name"])
}
