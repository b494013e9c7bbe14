// Package docid validates and decomposes document identifiers.
//
// A docId is an opaque string matching [-=_\w~%]+. It may additionally be a
// composite "url id" encoding up to four fields: trunkId, forkId,
// forkUserId and snapshotId. Identifiers differing only in snapshotId refer
// to the same underlying object.
package docid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidDocId is returned whenever a docId (or one of its composite
// fields) fails the allowed character class.
var ErrInvalidDocId = errors.New("invalid docId")

// validChars matches the grammar from spec: [-=_\w~%]+
var validChars = regexp.MustCompile(`^[-=_\w~%]+$`)

// NewDocumentCode is the sentinel trunkId meaning "no existing trunk, this
// fork creates a brand-new document".
const NewDocumentCode = "new"

// DeletedToken is the sentinel docMD5 value worn by tombstoned documents in
// the worker directory.
const DeletedToken = "DELETED"

const forkSeparator = "~"
const userSeparator = "~u"
const snapshotSeparator = "~v"

// Components is the decomposition of a (possibly composite) docId.
type Components struct {
	// TrunkId is the base document id. Always set.
	TrunkId string
	// ForkId is set when this id addresses a fork of TrunkId.
	ForkId string
	// ForkUserId is set when the fork is scoped to a particular user
	// (an anonymous/sample fork created lazily on first open by that user).
	ForkUserId string
	// SnapshotId addresses a historical version of the document. Set only
	// when the caller asked for a specific snapshot.
	SnapshotId string
}

// IsFork reports whether these components address a fork of a trunk.
func (c Components) IsFork() bool { return c.ForkId != "" }

// HasSnapshot reports whether a specific historical version was requested.
func (c Components) HasSnapshot() bool { return c.SnapshotId != "" }

// WithoutSnapshot returns the same components with SnapshotId cleared,
// i.e. the id of the live (non-snapshot) document these components address.
func (c Components) WithoutSnapshot() Components {
	c.SnapshotId = ""
	return c
}

// Validate checks that a raw docId string matches the allowed character
// class. It does not parse composite structure.
func Validate(raw string) error {
	if raw == "" || !validChars.MatchString(raw) {
		return fmt.Errorf("%w: %q", ErrInvalidDocId, raw)
	}
	return nil
}

// Parse decomposes a (possibly composite) docId into its component fields.
// The grammar, most specific first, is:
//
//	<trunkId>~v<snapshotId>
//	<trunkId>~<forkId>~u<forkUserId>~v<snapshotId>
//	<trunkId>~<forkId>~u<forkUserId>
//	<trunkId>~<forkId>~v<snapshotId>
//	<trunkId>~<forkId>
//	<trunkId>
//
// Each extracted field is itself validated against the docId character
// class before Parse succeeds.
func Parse(raw string) (Components, error) {
	if err := Validate(raw); err != nil {
		return Components{}, err
	}

	rest := raw
	var c Components

	if idx := strings.Index(rest, snapshotSeparator); idx >= 0 && !strings.Contains(rest[:idx], forkSeparator) {
		// bare "<trunkId>~v<snapshotId>" with no fork component.
		c.TrunkId = rest[:idx]
		c.SnapshotId = rest[idx+len(snapshotSeparator):]
		return validateFields(c)
	}

	if idx := strings.Index(rest, forkSeparator); idx >= 0 {
		c.TrunkId = rest[:idx]
		rest = rest[idx+len(forkSeparator):]

		if uidx := strings.Index(rest, userSeparator); uidx >= 0 {
			c.ForkId = rest[:uidx]
			rest = rest[uidx+len(userSeparator):]
			if vidx := strings.Index(rest, snapshotSeparator); vidx >= 0 {
				c.ForkUserId = rest[:vidx]
				c.SnapshotId = rest[vidx+len(snapshotSeparator):]
			} else {
				c.ForkUserId = rest
			}
			return validateFields(c)
		}

		if vidx := strings.Index(rest, snapshotSeparator); vidx >= 0 {
			c.ForkId = rest[:vidx]
			c.SnapshotId = rest[vidx+len(snapshotSeparator):]
			return validateFields(c)
		}

		c.ForkId = rest
		return validateFields(c)
	}

	c.TrunkId = rest
	return validateFields(c)
}

func validateFields(c Components) (Components, error) {
	for _, f := range []string{c.TrunkId, c.ForkId, c.ForkUserId, c.SnapshotId} {
		if f == "" {
			continue
		}
		if err := Validate(f); err != nil {
			return Components{}, err
		}
	}
	if c.TrunkId == "" {
		return Components{}, fmt.Errorf("%w: missing trunkId", ErrInvalidDocId)
	}
	return c, nil
}

// Build is the inverse of Parse for canonical inputs: it constructs the
// docId string for a set of components. Build(Parse(s)) == s when every
// separator in s is followed by a non-empty field (Parse("a~v") yields an
// empty SnapshotId, which Build omits, giving "a"). Parse(Build(c)) == c
// when TrunkId is non-empty, no field contains "~", ForkUserId is set only
// together with ForkId, and ForkId does not start with "v" (ForkId "v1"
// builds "a~v1", which Parse reads as SnapshotId "1").
func Build(c Components) string {
	var sb strings.Builder
	sb.WriteString(c.TrunkId)
	if c.ForkId != "" {
		sb.WriteString(forkSeparator)
		sb.WriteString(c.ForkId)
		if c.ForkUserId != "" {
			sb.WriteString(userSeparator)
			sb.WriteString(c.ForkUserId)
		}
	}
	if c.SnapshotId != "" {
		sb.WriteString(snapshotSeparator)
		sb.WriteString(c.SnapshotId)
	}
	return sb.String()
}
