// Package artifact implements the streaming parser for the signed,
// layered-tar update bundle format: an outer tar containing a version
// marker, a manifest, an optional detached signature, a metadata
// tarball, and one payload tarball.
package artifact

import "io"

// SchemaVersion is the only artifact format version this parser
// accepts.
const SchemaVersion = 3

// VerifyPolicy controls what happens when a manifest signature is
// missing but verify keys are configured.
type VerifyPolicy int

const (
	// VerifyRequired rejects an unsigned artifact when keys are configured.
	VerifyRequired VerifyPolicy = iota
	// VerifySkip accepts an unsigned artifact even when keys are configured.
	VerifySkip
)

// Config controls parsing behavior.
type Config struct {
	VerifyKeys             []string
	VerifySignature        VerifyPolicy
	ArtifactScriptsDir     string
	ArtifactScriptsVersion int
}

// HeaderInfo is header.tar's top-level header-info document.
type HeaderInfo struct {
	Payloads []PayloadHeaderInfo `json:"payloads"`
	Provides map[string]string   `json:"provides,omitempty"`
	Depends  map[string][]string `json:"depends,omitempty"`
}

// PayloadHeaderInfo names one payload's module type.
type PayloadHeaderInfo struct {
	Type string `json:"type"`
}

// TypeInfo is one payload's headers/NNNN/type-info document.
type TypeInfo struct {
	Type                  string              `json:"type"`
	ArtifactProvides      map[string]string   `json:"artifact_provides,omitempty"`
	ArtifactDepends       map[string][]string `json:"artifact_depends,omitempty"`
	ClearsArtifactProvides []string           `json:"clears_artifact_provides,omitempty"`
}

// PayloadHeader bundles one payload's parsed header documents.
type PayloadHeader struct {
	Index    int
	TypeInfo TypeInfo
	MetaData map[string]any
}

// PayloadFile is one file streamed out of a payload's data tarball.
type PayloadFile struct {
	Name string
	Size int64
	io.Reader
}

// Artifact is the result of a successful Parse: the overall header
// plus the single payload's metadata. The payload's file contents are
// streamed to the caller's PayloadFileHandler during Parse itself,
// never materialized whole in memory.
type Artifact struct {
	ArtifactName      string
	ArtifactGroup     string
	Depends           map[string][]string
	Provides          map[string]string
	Header            HeaderInfo
	Payload           *PayloadHeader
	SignatureVerified bool
}

// IsEmptyPayload reports whether this artifact carries no payload data
// at all (type == ""), meaning the consumer should commit immediately.
func (a *Artifact) IsEmptyPayload() bool {
	return a.Payload == nil || a.Payload.TypeInfo.Type == ""
}

// PayloadFileHandler streams one file out of the payload's data
// tarball. size is the file's on-disk size as given by the tar header;
// r yields exactly size bytes. Returning an error aborts the parse.
type PayloadFileHandler func(name string, size int64, r io.Reader) error
