// Package devicecontext holds the device's identity (type, installed
// artifact provides) and resolves whether an incoming artifact is
// admissible against that identity. Named devicecontext, not context,
// to avoid colliding with the standard library package every other
// file in this module also imports.
package devicecontext

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Bidon15/otaupdate/internal/merror"
	"github.com/Bidon15/otaupdate/store"
)

const (
	keyArtifactName     = "artifact-name"
	keyArtifactGroup    = "artifact-group"
	keyArtifactProvides = "artifact-provides"

	// BrokenArtifactSuffix marks an artifact name as unusable for
	// future depends checks after a failed, unrecoverable rollback.
	BrokenArtifactSuffix = "_INCONSISTENT"
)

// Depends is the set of constraints an artifact's header places on the
// device it is allowed to install onto.
type Depends struct {
	DeviceType []string            `json:"device_type"`
	Other      map[string][]string `json:"-"`
}

// Context holds the device's type and current provides map, loaded
// once at startup and mutated only between deployments.
type Context struct {
	DeviceType string
	Provides   map[string]string
}

// LoadDeviceType reads the `device_type=<value>` line from path and
// returns everything after the prefix on that first line; later lines
// are not read.
func LoadDeviceType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", merror.New(merror.DatabaseValueError, "devicecontext.LoadDeviceType", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", merror.New(merror.DatabaseValueError, "devicecontext.LoadDeviceType",
			fmt.Errorf("%s is empty", path))
	}
	line := scanner.Text()
	const prefix = "device_type="
	if !strings.HasPrefix(line, prefix) {
		return "", merror.New(merror.DatabaseValueError, "devicecontext.LoadDeviceType",
			fmt.Errorf("%s: expected %q prefix, got %q", path, prefix, line))
	}
	return strings.TrimPrefix(line, prefix), nil
}

// LoadProvides reads the three provides-related keys out of tx and
// assembles the provides map, rejecting any non-string value inside
// artifact-provides.
func LoadProvides(tx store.ReadTx) (map[string]string, error) {
	provides := make(map[string]string)

	if name, err := readOptional(tx, keyArtifactName); err != nil {
		return nil, err
	} else if name != "" {
		provides["artifact_name"] = name
	}
	if group, err := readOptional(tx, keyArtifactGroup); err != nil {
		return nil, err
	} else if group != "" {
		provides["artifact_group"] = group
	}

	raw, err := tx.Read(keyArtifactProvides)
	if err != nil {
		if err == store.ErrNotFound {
			return provides, nil
		}
		return nil, merror.New(merror.DatabaseValueError, "devicecontext.LoadProvides", err)
	}

	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, merror.New(merror.DatabaseValueError, "devicecontext.LoadProvides", err)
	}
	for k, v := range extra {
		s, ok := v.(string)
		if !ok {
			return nil, merror.New(merror.DatabaseValueError, "devicecontext.LoadProvides",
				fmt.Errorf("artifact-provides[%s] is not a string", k))
		}
		provides[k] = s
	}
	return provides, nil
}

func readOptional(tx store.ReadTx, key string) (string, error) {
	v, err := tx.Read(key)
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil
		}
		return "", merror.New(merror.DatabaseValueError, "devicecontext.LoadProvides", err)
	}
	return string(v), nil
}

// MatchesArtifactDepends reports whether the device (deviceType,
// provides) satisfies depends, per the rule: device_type must be
// listed, and every other depends key must be present in provides with
// an allowed value.
func MatchesArtifactDepends(deviceType string, provides map[string]string, depends map[string][]string) bool {
	deviceTypes, ok := depends["device_type"]
	if !ok || !contains(deviceTypes, deviceType) {
		return false
	}
	for key, allowed := range depends {
		if key == "device_type" {
			continue
		}
		val, ok := provides[key]
		if !ok || !contains(allowed, val) {
			return false
		}
	}
	return true
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// CheckClearsMatch reports whether toMatch satisfies the wildcard
// pattern clears (clears uses "*" as an arbitrary-run wildcard). A
// non-wildcard prefix/suffix must match the string's boundaries
// exactly; every interior literal segment must occur in order without
// overlapping a previously matched position.
func CheckClearsMatch(toMatch, clears string) bool {
	if clears == "" {
		return toMatch == ""
	}
	if clears == "*" {
		return true
	}

	segments := strings.Split(clears, "*")
	last := len(segments) - 1

	hasWildcard := len(segments) > 1
	if !hasWildcard {
		// No "*" in the pattern at all: exact match required.
		return toMatch == clears
	}

	startsWithWildcard := strings.HasPrefix(clears, "*")
	endsWithWildcard := strings.HasSuffix(clears, "*")

	pos := 0
	if !startsWithWildcard {
		if !strings.HasPrefix(toMatch, segments[0]) {
			return false
		}
		pos = len(segments[0])
	}

	end := len(toMatch)
	if !endsWithWildcard {
		if !strings.HasSuffix(toMatch, segments[last]) {
			return false
		}
		end -= len(segments[last])
	}
	if end < pos {
		return false
	}

	for i := 1; i < last; i++ {
		seg := segments[i]
		if seg == "" {
			continue
		}
		idx := strings.Index(toMatch[pos:end], seg)
		if idx < 0 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}

// FilterProvides erases from toModify every key matching any pattern
// in clearsProvides, then overlays newProvides on top. A nil
// clearsProvides is treated by the caller as ["*"] before calling this
// (see CommitArtifactData), matching the legacy replace-everything
// default.
func FilterProvides(newProvides map[string]string, clearsProvides []string, toModify map[string]string) map[string]string {
	result := make(map[string]string, len(toModify))
	for k, v := range toModify {
		result[k] = v
	}

	for key := range result {
		if key == "artifact_name" || key == "artifact_group" {
			continue
		}
		for _, pattern := range clearsProvides {
			if CheckClearsMatch(key, pattern) {
				delete(result, key)
				break
			}
		}
	}

	for k, v := range newProvides {
		result[k] = v
	}
	return result
}

// CommitArtifactData rewrites the provides map under the rules in
// §3/§4.4: missing clearsProvides defaults to ["*"] (replace
// everything); missing newProvides means filter-only. name and group
// are written to their own keys regardless. txnFunc runs inside the
// same write transaction for atomic secondary effects (e.g. clearing
// the deployment record on final commit).
//
// The existing provides map is read from tx inside the same write
// transaction that installs the new one, so the filter-then-overlay
// never races a concurrent writer and never operates on a stale
// snapshot.
func CommitArtifactData(
	s store.Store,
	name, group string,
	newProvides map[string]string,
	clearsProvides []string,
	txnFunc func(tx store.WriteTx) error,
) error {
	effectiveClears := clearsProvides
	if effectiveClears == nil {
		effectiveClears = []string{"*"}
	}

	return s.WriteTransaction(func(tx store.WriteTx) error {
		current, err := LoadProvides(tx)
		if err != nil {
			return err
		}

		var filtered map[string]string
		switch {
		case newProvides == nil && clearsProvides == nil:
			filtered = map[string]string{}
		case newProvides == nil:
			filtered = FilterProvides(nil, effectiveClears, current)
		case clearsProvides == nil:
			filtered = FilterProvides(newProvides, []string{"*"}, current)
		default:
			filtered = FilterProvides(newProvides, effectiveClears, current)
		}

		providesJSON := make(map[string]string, len(filtered))
		for k, v := range filtered {
			if k == "artifact_name" || k == "artifact_group" {
				continue
			}
			providesJSON[k] = v
		}
		raw, err := json.Marshal(providesJSON)
		if err != nil {
			return merror.New(merror.ProgrammingError, "devicecontext.CommitArtifactData", err)
		}

		if err := tx.Write(keyArtifactName, []byte(name)); err != nil {
			return err
		}
		if err := tx.Write(keyArtifactGroup, []byte(group)); err != nil {
			return err
		}
		if err := tx.Write(keyArtifactProvides, raw); err != nil {
			return err
		}
		if txnFunc != nil {
			return txnFunc(tx)
		}
		return nil
	})
}
