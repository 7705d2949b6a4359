package artifact

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// headersEntryRe matches one headers/NNNN/{type-info,meta-data} entry
// inside the inner header.tar, capturing the zero-padded index and the
// file kind so parseHeaderTar can enforce the ordering invariant in
// §3: type-info then optionally meta-data, per strictly increasing N.
var headersEntryRe = regexp.MustCompile(`^headers/([0-9]{4})/(type-info|meta-data)$`)

// versionDoc is the tiny JSON document the outer tar's "version" entry
// carries.
type versionDoc struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// Parse streams a layered artifact out of r, verifying every file's
// SHA-256 against the manifest as it is consumed and, if configured,
// the manifest's detached signature. Payload file bytes are streamed
// to onPayloadFile as they are read from the archive; none of it is
// buffered whole in memory. onPayloadFile may be nil for header-only
// inspection (show-artifact).
func Parse(r io.Reader, cfg Config, onPayloadFile PayloadFileHandler) (*Artifact, error) {
	tr := tar.NewReader(r)

	if err := expectAndReadVersion(tr); err != nil {
		return nil, err
	}

	manifest, manifestRaw, err := expectAndReadManifest(tr)
	if err != nil {
		return nil, err
	}

	hdr, err := tr.Next()
	if err != nil {
		return nil, parseErr("expected manifest.sig or header.tar, got EOF", err)
	}

	var sig []byte
	if hdr.Name == "manifest.sig" {
		sig, err = readAll(tr)
		if err != nil {
			return nil, parseErr("reading manifest.sig", err)
		}
		hdr, err = tr.Next()
		if err != nil {
			return nil, parseErr("expected header.tar, got EOF", err)
		}
	}

	if err := verifySignaturePolicy(manifestRaw, sig, cfg); err != nil {
		return nil, err
	}

	if !strings.HasPrefix(hdr.Name, "header.tar") {
		return nil, parseErr(fmt.Sprintf("Got unexpected token %s expected header.tar*", hdr.Name), nil)
	}
	headerInfo, payloadHeader, err := parseHeaderTar(tr, hdr, manifest, cfg)
	if err != nil {
		return nil, err
	}

	art := &Artifact{
		Header:            headerInfo,
		Payload:           payloadHeader,
		SignatureVerified: len(sig) > 0 && len(cfg.VerifyKeys) > 0,
	}
	if len(headerInfo.Provides) > 0 {
		art.ArtifactName = headerInfo.Provides["artifact_name"]
		art.ArtifactGroup = headerInfo.Provides["artifact_group"]
	}
	art.Depends = headerInfo.Depends
	art.Provides = headerInfo.Provides

	if art.IsEmptyPayload() {
		return art, nil
	}

	hdr, err = tr.Next()
	if err == io.EOF {
		return nil, parseErr("expected data/0000.tar*, got EOF", nil)
	}
	if err != nil {
		return nil, parseErr("reading data tarball header", err)
	}
	if !strings.HasPrefix(hdr.Name, "data/0000.tar") {
		return nil, parseErr(fmt.Sprintf("Unexpected index order: got %s expected data/0000.tar*", hdr.Name), nil)
	}

	if err := parseDataTar(tr, hdr, manifest, onPayloadFile); err != nil {
		return nil, err
	}

	return art, nil
}

func expectAndReadVersion(tr *tar.Reader) error {
	hdr, err := tr.Next()
	if err != nil {
		return parseErr("expected version, got EOF", err)
	}
	if hdr.Name != "version" {
		return parseErr(fmt.Sprintf("Got unexpected token %s expected version", hdr.Name), nil)
	}
	raw, err := readAll(tr)
	if err != nil {
		return parseErr("reading version", err)
	}
	var v versionDoc
	if err := json.Unmarshal(raw, &v); err != nil {
		return parseErr("parsing version JSON", err)
	}
	if v.Version != SchemaVersion {
		return merror.New(merror.ValidationError, "artifact.Parse",
			fmt.Errorf("unsupported artifact version %d, only %d is accepted", v.Version, SchemaVersion))
	}
	return nil
}

func expectAndReadManifest(tr *tar.Reader) (map[string]string, []byte, error) {
	hdr, err := tr.Next()
	if err != nil {
		return nil, nil, parseErr("expected manifest, got EOF", err)
	}
	if hdr.Name != "manifest" {
		return nil, nil, parseErr(fmt.Sprintf("Got unexpected token %s expected manifest", hdr.Name), nil)
	}
	raw, err := readAll(tr)
	if err != nil {
		return nil, nil, parseErr("reading manifest", err)
	}

	manifest := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return nil, nil, parseErr(fmt.Sprintf("malformed manifest line %q", line), nil)
		}
		manifest[parts[1]] = parts[0]
	}
	return manifest, raw, nil
}

func verifySignaturePolicy(manifestRaw, sig []byte, cfg Config) error {
	if len(sig) > 0 && len(cfg.VerifyKeys) > 0 {
		keys, err := LoadVerifyKeys(cfg.VerifyKeys)
		if err != nil {
			return err
		}
		return VerifyManifestSignature(manifestRaw, sig, keys)
	}
	if len(sig) > 0 {
		// Signature present but nothing configured to check it against:
		// accepted unverified under either policy.
		if cfg.VerifySignature == VerifySkip {
			return nil
		}
	}
	if len(sig) == 0 && len(cfg.VerifyKeys) > 0 {
		if cfg.VerifySignature == VerifyRequired {
			return merror.New(merror.SignatureError, "artifact.Parse",
				fmt.Errorf("verify keys configured but artifact is unsigned"))
		}
	}
	return nil
}

// parseHeaderTar verifies hdr's entry bytes against manifest, then
// decompresses and parses the inner header.tar: header-info, optional
// scripts, and (for supported==1 payload artifacts) headers/0000/*.
func parseHeaderTar(outer *tar.Reader, hdr *tar.Header, manifest map[string]string, cfg Config) (HeaderInfo, *PayloadHeader, error) {
	expectedSum, ok := manifest[hdr.Name]
	if !ok {
		return HeaderInfo{}, nil, parseErr(fmt.Sprintf("%s not listed in manifest", hdr.Name), nil)
	}

	h := sha256.New()
	tee := io.TeeReader(outer, h)

	decompressed, closeFn, err := decompress(hdr.Name, tee)
	if err != nil {
		return HeaderInfo{}, nil, err
	}
	defer closeFn()

	inner := tar.NewReader(decompressed)

	var headerInfo HeaderInfo
	var payload PayloadHeader
	sawHeaderInfo := false

	// lastHeaderIndex tracks the most recently opened headers/NNNN/
	// group (-1 until the first type-info is seen); sawTypeInfo and
	// sawMetaData track what has been seen for that group, enforcing
	// §3's "type-info then optionally meta-data, strictly increasing
	// N" ordering invariant.
	lastHeaderIndex := -1
	sawTypeInfo := false
	sawMetaData := false

	for {
		ihdr, err := inner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return HeaderInfo{}, nil, parseErr("reading inner header.tar", err)
		}

		switch {
		case ihdr.Name == "header-info":
			raw, err := readAll(inner)
			if err != nil {
				return HeaderInfo{}, nil, parseErr("reading header-info", err)
			}
			if err := json.Unmarshal(raw, &headerInfo); err != nil {
				return HeaderInfo{}, nil, parseErr("parsing header-info JSON", err)
			}
			sawHeaderInfo = true

		case strings.HasPrefix(ihdr.Name, "scripts/"):
			if cfg.ArtifactScriptsDir != "" {
				if err := writeScript(cfg.ArtifactScriptsDir, ihdr.Name, inner); err != nil {
					return HeaderInfo{}, nil, err
				}
			} else {
				io.Copy(io.Discard, inner)
			}

		case headersEntryRe.MatchString(ihdr.Name):
			m := headersEntryRe.FindStringSubmatch(ihdr.Name)
			idxStr, kind := m[1], m[2]
			idx, _ := strconv.Atoi(idxStr)

			switch kind {
			case "type-info":
				if idx != lastHeaderIndex+1 {
					return HeaderInfo{}, nil, parseErr(fmt.Sprintf(
						"Unexpected index order: got %s expected headers/%04d/type-info", ihdr.Name, lastHeaderIndex+1), nil)
				}
				raw, err := readAll(inner)
				if err != nil {
					return HeaderInfo{}, nil, parseErr("reading type-info", err)
				}
				if err := json.Unmarshal(raw, &payload.TypeInfo); err != nil {
					return HeaderInfo{}, nil, parseErr("parsing type-info JSON", err)
				}
				lastHeaderIndex = idx
				sawTypeInfo = true
				sawMetaData = false

			case "meta-data":
				if !sawTypeInfo || idx != lastHeaderIndex {
					return HeaderInfo{}, nil, parseErr(fmt.Sprintf(
						"Got unexpected token %s expected headers/%04d/type-info", ihdr.Name, idx), nil)
				}
				if sawMetaData {
					return HeaderInfo{}, nil, parseErr(fmt.Sprintf("duplicate %s", ihdr.Name), nil)
				}
				raw, err := readAll(inner)
				if err != nil {
					return HeaderInfo{}, nil, parseErr("reading meta-data", err)
				}
				meta, err := ValidateMetaData(raw)
				if err != nil {
					return HeaderInfo{}, nil, err
				}
				payload.MetaData = meta
				sawMetaData = true
			}

		case strings.HasPrefix(ihdr.Name, "headers/"):
			return HeaderInfo{}, nil, parseErr(fmt.Sprintf("Got unexpected token %s", ihdr.Name), nil)

		default:
			io.Copy(io.Discard, inner)
		}
	}

	if !sawHeaderInfo {
		return HeaderInfo{}, nil, parseErr("header.tar missing header-info", nil)
	}
	if !sawTypeInfo {
		return HeaderInfo{}, nil, parseErr("header.tar missing headers/0000/type-info", nil)
	}

	io.Copy(io.Discard, tee)
	if gotSum := hex.EncodeToString(h.Sum(nil)); gotSum != expectedSum {
		return HeaderInfo{}, nil, merror.New(merror.ParseError, "artifact.Parse",
			fmt.Errorf("%s checksum mismatch: manifest says %s, got %s", hdr.Name, expectedSum, gotSum))
	}

	return headerInfo, &payload, nil
}

// parseDataTar verifies hdr's entry bytes against manifest, decompresses
// it, and streams each contained file to onPayloadFile.
func parseDataTar(outer *tar.Reader, hdr *tar.Header, manifest map[string]string, onPayloadFile PayloadFileHandler) error {
	expectedSum, ok := manifest[hdr.Name]
	if !ok {
		return parseErr(fmt.Sprintf("%s not listed in manifest", hdr.Name), nil)
	}

	h := sha256.New()
	tee := io.TeeReader(outer, h)

	decompressed, closeFn, err := decompress(hdr.Name, tee)
	if err != nil {
		return err
	}
	defer closeFn()

	inner := tar.NewReader(decompressed)
	for {
		fhdr, err := inner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parseErr("reading inner data tarball", err)
		}
		if fhdr.Typeflag != tar.TypeReg {
			continue
		}
		if onPayloadFile != nil {
			if err := onPayloadFile(fhdr.Name, fhdr.Size, inner); err != nil {
				return err
			}
		} else {
			io.Copy(io.Discard, inner)
		}
	}

	io.Copy(io.Discard, tee)
	if gotSum := hex.EncodeToString(h.Sum(nil)); gotSum != expectedSum {
		return merror.New(merror.ParseError, "artifact.Parse",
			fmt.Errorf("%s checksum mismatch: manifest says %s, got %s", hdr.Name, expectedSum, gotSum))
	}
	return nil
}

func decompress(name string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, parseErr("opening gzip stream for "+name, err)
		}
		return gr, func() { gr.Close() }, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, parseErr("opening zstd stream for "+name, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".xz"):
		return nil, nil, merror.New(merror.ParseError, "artifact.decompress",
			fmt.Errorf("%s: .xz layers are not supported by this build", name))
	default:
		return r, func() {}, nil
	}
}

func writeScript(scriptsDir, name string, r io.Reader) error {
	base := filepath.Base(name)
	if base == "." || base == "/" || strings.Contains(base, "..") {
		return parseErr("invalid script filename "+name, nil)
	}
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return parseErr("creating scripts dir", err)
	}
	f, err := os.OpenFile(filepath.Join(scriptsDir, base), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return parseErr("creating script file", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return parseErr("writing script file", err)
	}
	return nil
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func parseErr(msg string, cause error) error {
	return merror.New(merror.ParseError, "artifact.Parse", joinErr(msg, cause))
}

func joinErr(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, cause)
}
