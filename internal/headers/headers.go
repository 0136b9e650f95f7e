// Package headers detects known ROM header signatures so that hashing
// can skip them. The descriptor table ships as a versioned YAML data
// file; detection is table-driven, not hard-coded.
package headers

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed headers.yaml
var embeddedTable []byte

// Descriptor describes one known header layout.
type Descriptor struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
	// Magic is the hex-encoded byte pattern expected at Offset. Empty
	// for descriptors matched purely by the size heuristic.
	Magic  string `yaml:"magic"`
	Offset int64  `yaml:"offset"`
	// SizeModulo/SizeRemainder describe copier headers recognizable
	// only by file size (size % modulo == remainder).
	SizeModulo    int64 `yaml:"sizeModulo"`
	SizeRemainder int64 `yaml:"sizeRemainder"`
	// Skip is the header length excluded from the hashable payload.
	Skip int64 `yaml:"skip"`

	magic []byte
}

// Table is an immutable set of descriptors, shareable across workers.
type Table struct {
	Version     int          `yaml:"version"`
	Descriptors []Descriptor `yaml:"descriptors"`

	byExt map[string][]*Descriptor
}

// Load parses the embedded descriptor table.
func Load() (*Table, error) {
	return parse(embeddedTable)
}

// LoadFile parses a descriptor table from disk, overriding the
// embedded one.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading header table: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing header table: %w", err)
	}
	t.byExt = make(map[string][]*Descriptor)
	for i := range t.Descriptors {
		d := &t.Descriptors[i]
		if d.Magic != "" {
			raw, err := hex.DecodeString(d.Magic)
			if err != nil {
				return nil, fmt.Errorf("descriptor %s: bad magic: %w", d.Name, err)
			}
			d.magic = raw
		}
		if d.Skip <= 0 {
			return nil, fmt.Errorf("descriptor %s: skip must be positive", d.Name)
		}
		for _, ext := range d.Extensions {
			key := strings.ToLower(ext)
			t.byExt[key] = append(t.byExt[key], d)
		}
	}
	return &t, nil
}

// MaxProbe returns how many leading bytes Detect needs to see.
func (t *Table) MaxProbe() int {
	max := 0
	for i := range t.Descriptors {
		d := &t.Descriptors[i]
		if n := int(d.Offset) + len(d.magic); n > max {
			max = n
		}
	}
	return max
}

// Detect probes the descriptor table for the given file. prefix holds
// the leading bytes of the file (at least MaxProbe when available) and
// size its total length. Magic matches win over size heuristics; the
// extension hint restricts heuristic-only descriptors to plausible
// files. Returns nil when no header is recognized.
func (t *Table) Detect(name string, prefix []byte, size int64) *Descriptor {
	ext := strings.ToLower(filepath.Ext(name))

	// Magic-byte descriptors first, regardless of extension.
	for i := range t.Descriptors {
		d := &t.Descriptors[i]
		if len(d.magic) == 0 {
			continue
		}
		end := d.Offset + int64(len(d.magic))
		if int64(len(prefix)) < end || size < d.Skip {
			continue
		}
		if bytes.Equal(prefix[d.Offset:end], d.magic) {
			return d
		}
	}

	// Size-heuristic descriptors need the extension hint to agree.
	for _, d := range t.byExt[ext] {
		if len(d.magic) > 0 || d.SizeModulo <= 0 {
			continue
		}
		if size >= d.Skip && size%d.SizeModulo == d.SizeRemainder {
			return d
		}
	}
	return nil
}
