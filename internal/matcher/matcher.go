// Package matcher pairs scanned records with catalog entries using a
// strict digest ladder.
package matcher

import (
	"path/filepath"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/scanner"
)

// Reason names the ladder rung that produced a match.
type Reason string

const (
	ReasonSHA256   Reason = "sha256"
	ReasonSHA1     Reason = "sha1"
	ReasonMD5      Reason = "md5"
	ReasonCRCSize  Reason = "crc32+size"
	ReasonNameSize Reason = "name+size"
)

// Match pairs one record with one catalog ROM.
type Match struct {
	Record scanner.Record
	Ref    dat.Ref
	Reason Reason
}

// Matcher resolves records against a read-only catalog index.
type Matcher struct {
	idx *dat.Index
}

// New builds a Matcher over the given index.
func New(idx *dat.Index) *Matcher {
	return &Matcher{idx: idx}
}

// Match walks the ladder for one record: SHA-256, SHA-1, MD5,
// CRC32+size, then (normalized name, size). The first rung with any
// hit wins; every catalog ROM on that rung is retained. Unhashable
// records can only match by name and size.
func (m *Matcher) Match(rec scanner.Record) []Match {
	d := rec.Digests
	if !rec.Unhashable {
		if refs := m.idx.LookupSHA256(d.SHA256); len(refs) > 0 {
			return m.collect(rec, refs, ReasonSHA256)
		}
		if d.SHA1 != "" {
			if refs := m.idx.LookupSHA1(d.SHA1); len(refs) > 0 {
				return m.collect(rec, refs, ReasonSHA1)
			}
		}
		if d.MD5 != "" {
			if refs := m.idx.LookupMD5(d.MD5); len(refs) > 0 {
				return m.collect(rec, refs, ReasonMD5)
			}
		}
		if d.CRC32 != "" {
			if refs := m.idx.LookupCRCSize(d.CRC32, rec.Size); len(refs) > 0 {
				return m.collect(rec, refs, ReasonCRCSize)
			}
		}
	}
	name := filepath.Base(rec.Path)
	if refs := m.idx.LookupNameSize(name, rec.Size); len(refs) > 0 {
		return m.collect(rec, refs, ReasonNameSize)
	}
	return nil
}

func (m *Matcher) collect(rec scanner.Record, refs []dat.Ref, reason Reason) []Match {
	out := make([]Match, 0, len(refs))
	for _, ref := range refs {
		out = append(out, Match{Record: rec, Ref: ref, Reason: reason})
	}
	return out
}
