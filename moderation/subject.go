package moderation

import (
	"fmt"
	"strings"
)

const (
	SubjectTypeAccount = "account"
	SubjectTypeRecord  = "record"
	SubjectTypeBlob    = "blob"
)

// Subject identifies the target of a moderation action. The (did, recordPath)
// pair is the stable identity key used for status lookups and row locking:
// account subjects have an empty recordPath, record subjects use
// "collection/rkey" from their at-uri, blob subjects use "blob/<cid>".
type Subject interface {
	Did() string
	RecordPath() string
	Type() string
	Cid() *string
	Uri() *string
}

type AccountSubject struct {
	DID string
}

func (s AccountSubject) Did() string        { return s.DID }
func (s AccountSubject) RecordPath() string { return "" }
func (s AccountSubject) Type() string       { return SubjectTypeAccount }
func (s AccountSubject) Cid() *string       { return nil }
func (s AccountSubject) Uri() *string       { return nil }

type RecordSubject struct {
	AtUri     string
	RecordCid string
}

func (s RecordSubject) Did() string {
	did, _, _ := splitAtUri(s.AtUri)
	return did
}

func (s RecordSubject) RecordPath() string {
	_, path, _ := splitAtUri(s.AtUri)
	return path
}

func (s RecordSubject) Type() string { return SubjectTypeRecord }
func (s RecordSubject) Cid() *string { return &s.RecordCid }
func (s RecordSubject) Uri() *string { return &s.AtUri }

type BlobSubject struct {
	DID     string
	BlobCid string
}

func (s BlobSubject) Did() string        { return s.DID }
func (s BlobSubject) RecordPath() string { return "blob/" + s.BlobCid }
func (s BlobSubject) Type() string       { return SubjectTypeBlob }
func (s BlobSubject) Cid() *string       { return &s.BlobCid }
func (s BlobSubject) Uri() *string       { return nil }

// ParseSubject turns an identifier string into a subject: a bare DID is an
// account, an at-uri is a record. Blob subjects are only addressable through
// the typed form since they need both a DID and a CID.
func ParseSubject(ident string, cid string) (Subject, error) {
	if strings.HasPrefix(ident, "did:") {
		if cid != "" {
			return BlobSubject{DID: ident, BlobCid: cid}, nil
		}
		return AccountSubject{DID: ident}, nil
	}
	if strings.HasPrefix(ident, "at://") {
		if _, _, err := splitAtUri(ident); err != nil {
			return nil, err
		}
		return RecordSubject{AtUri: ident, RecordCid: cid}, nil
	}
	return nil, fmt.Errorf("subject is neither a did nor an at-uri: %q", ident)
}

func splitAtUri(uri string) (did string, recordPath string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", fmt.Errorf("invalid at-uri: %q", uri)
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid at-uri: %q", uri)
	}
	return parts[0], parts[1] + "/" + parts[2], nil
}
