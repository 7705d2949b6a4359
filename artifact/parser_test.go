package artifact

import (
	"archive/tar"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testFile struct {
	name string
	data []byte
}

func buildHeaderTar(t *testing.T, headerInfo, typeInfo, metaData []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry(t, tw, "header-info", headerInfo)
	writeEntry(t, tw, "headers/0000/type-info", typeInfo)
	if metaData != nil {
		writeEntry(t, tw, "headers/0000/meta-data", metaData)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildDataTar(t *testing.T, files []testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		writeEntry(t, tw, f.name, f.data)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

// buildManifest computes the manifest bytes over header.tar and
// (if non-nil) data/0000.tar.
func buildManifest(t *testing.T, headerTar, dataTar []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeManifestLine(&buf, "header.tar", headerTar)
	if dataTar != nil {
		writeManifestLine(&buf, "data/0000.tar", dataTar)
	}
	return buf.Bytes()
}

func writeManifestLine(buf *bytes.Buffer, name string, content []byte) {
	sum := sha256.Sum256(content)
	buf.WriteString(hex.EncodeToString(sum[:]))
	buf.WriteString("  ")
	buf.WriteString(name)
	buf.WriteString("\n")
}

// buildArtifactWithManifest assembles the outer tar from an explicit
// manifest (letting tests corrupt it independently of the content).
func buildArtifactWithManifest(t *testing.T, manifest, headerTar, dataTar, sig []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	writeEntry(t, tw, "manifest", manifest)
	if sig != nil {
		writeEntry(t, tw, "manifest.sig", sig)
	}
	writeEntry(t, tw, "header.tar", headerTar)
	if dataTar != nil {
		writeEntry(t, tw, "data/0000.tar", dataTar)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildArtifact(t *testing.T, headerTar, dataTar, sig []byte) []byte {
	t.Helper()
	manifest := buildManifest(t, headerTar, dataTar)
	return buildArtifactWithManifest(t, manifest, headerTar, dataTar, sig)
}

func drainHandler(name string, size int64, r io.Reader) error {
	_, err := io.ReadAll(r)
	return err
}

func TestParseHappyPath(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"},"depends":{"device_type":["test-device"]}}`)
	typeInfo := []byte(`{"type":"rootfs-image","artifact_provides":{"rootfs-image.checksum":"abc"},"clears_artifact_provides":["rootfs-image.*"]}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "rootfs.img", data: []byte("fake rootfs bytes")}})

	raw := buildArtifact(t, headerTar, dataTar, nil)

	var gotNames []string
	var gotContent bytes.Buffer
	art, err := Parse(bytes.NewReader(raw), Config{}, func(name string, size int64, r io.Reader) error {
		gotNames = append(gotNames, name)
		_, err := io.Copy(&gotContent, r)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "v2", art.ArtifactName)
	require.Equal(t, []string{"rootfs.img"}, gotNames)
	require.Equal(t, "fake rootfs bytes", gotContent.String())
	require.False(t, art.IsEmptyPayload())
	require.Equal(t, "abc", art.Payload.TypeInfo.ArtifactProvides["rootfs-image.checksum"])
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "rootfs.img", data: []byte("original-content")}})

	manifest := buildManifest(t, headerTar, dataTar)

	corruptedDataTar := buildDataTar(t, []testFile{{name: "rootfs.img", data: []byte("corrupted-content")}})
	raw := buildArtifactWithManifest(t, manifest, headerTar, corruptedDataTar, nil)

	_, err := Parse(bytes.NewReader(raw), Config{}, drainHandler)
	require.Error(t, err)
}

func TestParseEmptyPayloadArtifact(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":""}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":""}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)

	raw := buildArtifact(t, headerTar, nil, nil)

	art, err := Parse(bytes.NewReader(raw), Config{}, nil)
	require.NoError(t, err)
	require.True(t, art.IsEmptyPayload())
}

func TestParseRejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":2}`))
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{}, nil)
	require.Error(t, err)
}

func TestParseRejectsOutOfOrderEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry(t, tw, "manifest", []byte("irrelevant"))
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{}, nil)
	require.Error(t, err)
}

// TestParseRejectsMetaDataBeforeTypeInfo covers the inner headers/NNNN/*
// ordering invariant from §3: meta-data is only legal once its index's
// type-info has already been seen.
func TestParseRejectsMetaDataBeforeTypeInfo(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	metaData := []byte(`{"k":"v"}`)

	var headerBuf bytes.Buffer
	htw := tar.NewWriter(&headerBuf)
	writeEntry(t, htw, "header-info", headerInfo)
	writeEntry(t, htw, "headers/0000/meta-data", metaData)
	writeEntry(t, htw, "headers/0000/type-info", typeInfo)
	require.NoError(t, htw.Close())
	headerTar := headerBuf.Bytes()

	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})
	raw := buildArtifact(t, headerTar, dataTar, nil)

	_, err := Parse(bytes.NewReader(raw), Config{}, drainHandler)
	require.Error(t, err)
}

// TestParseRejectsHeaderMissingTypeInfo covers the other half of the
// same invariant: a header.tar that never ships a type-info entry must
// not be silently treated as the legal empty-payload shape.
func TestParseRejectsHeaderMissingTypeInfo(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)

	var headerBuf bytes.Buffer
	htw := tar.NewWriter(&headerBuf)
	writeEntry(t, htw, "header-info", headerInfo)
	require.NoError(t, htw.Close())
	headerTar := headerBuf.Bytes()

	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})
	raw := buildArtifact(t, headerTar, dataTar, nil)

	_, err := Parse(bytes.NewReader(raw), Config{}, drainHandler)
	require.Error(t, err)
}

func signRSA(t *testing.T, priv *rsa.PrivateKey, message []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func pemEncodePublicKey(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func TestParseRSASignature(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})
	manifest := buildManifest(t, headerTar, dataTar)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sig := signRSA(t, priv, manifest)
	keyPath := pemEncodePublicKey(t, &priv.PublicKey)

	raw := buildArtifactWithManifest(t, manifest, headerTar, dataTar, sig)

	art, err := Parse(bytes.NewReader(raw), Config{VerifyKeys: []string{keyPath}, VerifySignature: VerifyRequired}, drainHandler)
	require.NoError(t, err)
	require.True(t, art.SignatureVerified)
}

func TestParseRejectsSignatureFromWrongKey(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})
	manifest := buildManifest(t, headerTar, dataTar)

	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sig := signRSA(t, signer, manifest)
	keyPath := pemEncodePublicKey(t, &other.PublicKey)

	raw := buildArtifactWithManifest(t, manifest, headerTar, dataTar, sig)

	_, err = Parse(bytes.NewReader(raw), Config{VerifyKeys: []string{keyPath}, VerifySignature: VerifyRequired}, drainHandler)
	require.Error(t, err)
}

func TestParseEd25519Signature(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})
	manifest := buildManifest(t, headerTar, dataTar)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, manifest)
	keyPath := pemEncodePublicKey(t, pub)

	raw := buildArtifactWithManifest(t, manifest, headerTar, dataTar, sig)

	art, err := Parse(bytes.NewReader(raw), Config{VerifyKeys: []string{keyPath}, VerifySignature: VerifyRequired}, drainHandler)
	require.NoError(t, err)
	require.True(t, art.SignatureVerified)
}

func TestParseUnsignedRejectedWhenRequired(t *testing.T) {
	headerInfo := []byte(`{"payloads":[{"type":"rootfs-image"}],"provides":{"artifact_name":"v2"}}`)
	typeInfo := []byte(`{"type":"rootfs-image"}`)
	headerTar := buildHeaderTar(t, headerInfo, typeInfo, nil)
	dataTar := buildDataTar(t, []testFile{{name: "f", data: []byte("x")}})

	raw := buildArtifact(t, headerTar, dataTar, nil)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPath := pemEncodePublicKey(t, &priv.PublicKey)

	_, err = Parse(bytes.NewReader(raw), Config{VerifyKeys: []string{keyPath}, VerifySignature: VerifyRequired}, drainHandler)
	require.Error(t, err)
}

func TestValidateMetaDataRejectsNestedObject(t *testing.T) {
	_, err := ValidateMetaData([]byte(`{"k": {"nested": true}}`))
	require.Error(t, err)
}

func TestValidateMetaDataAcceptsFlatShapes(t *testing.T) {
	doc, err := ValidateMetaData([]byte(`{"a":"s","b":3,"c":["x","y"],"d":[1,2,3]}`))
	require.NoError(t, err)
	require.Equal(t, "s", doc["a"])
}

func TestValidateMetaDataRejectsOversizedInteger(t *testing.T) {
	_, err := ValidateMetaData([]byte(`{"a": 9007199254740993}`))
	require.Error(t, err)
}
