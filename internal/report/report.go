// Package report assembles the run artifacts: the JSON match report,
// fixdat and dir2dat catalogs, and the diagnostics document.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/matcher"
	"github.com/javi11/romforge/internal/scanner"
)

// EntryStatus is the per-catalog-entry outcome.
type EntryStatus string

const (
	StatusMatched EntryStatus = "matched"
	StatusMissing EntryStatus = "missing"
)

// InputStatus is the per-input disposition.
type InputStatus string

const (
	InputMatched   InputStatus = "matched"
	InputUnmatched InputStatus = "unmatched"
	InputFailed    InputStatus = "failed"
)

// Entry is one catalog game's match status.
type Entry struct {
	Catalog string      `json:"catalog"`
	Game    string      `json:"game"`
	Status  EntryStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Source  string      `json:"source,omitempty"`
}

// Input is one scanned record's disposition.
type Input struct {
	Source  string      `json:"source"`
	Status  InputStatus `json:"status"`
	Matches int         `json:"matches,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Summary aggregates counts for the run.
type Summary struct {
	CatalogGames   int `json:"catalog_games"`
	Matched        int `json:"matched"`
	Missing        int `json:"missing"`
	InputsScanned  int `json:"inputs_scanned"`
	InputsMatched  int `json:"inputs_matched"`
	InputsFailed   int `json:"inputs_failed"`
	ActionsPlanned int `json:"actions_planned"`
	ActionsFailed  int `json:"actions_failed"`
}

// Report is the run report artifact.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Summary     Summary   `json:"summary"`
	Entries     []Entry   `json:"entries"`
	Inputs      []Input   `json:"inputs"`
}

// Builder accumulates match results as the pipeline runs. Safe for
// concurrent use.
type Builder struct {
	mu      sync.Mutex
	idx     *dat.Index
	matched map[string]matcher.Match
	inputs  map[string]*Input
	summary Summary
}

// NewBuilder builds a Builder over the catalog index.
func NewBuilder(idx *dat.Index) *Builder {
	return &Builder{
		idx:     idx,
		matched: make(map[string]matcher.Match),
		inputs:  make(map[string]*Input),
	}
}

func gameKey(idx *dat.Index, ref dat.Ref) string {
	return idx.Doc(ref).Name + "\x00" + idx.Game(ref).Name
}

// RecordMatches notes one scanned record and its matches.
func (b *Builder) RecordMatches(rec scanner.Record, matches []matcher.Match) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in := &Input{Source: rec.SourceKey(), Matches: len(matches)}
	if len(matches) == 0 {
		in.Status = InputUnmatched
	} else {
		in.Status = InputMatched
	}
	b.inputs[in.Source] = in
	for _, m := range matches {
		key := gameKey(b.idx, m.Ref)
		if _, seen := b.matched[key]; !seen {
			b.matched[key] = m
		}
	}
}

// RecordFailure notes a record that could not be processed.
func (b *Builder) RecordFailure(source string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[source] = &Input{Source: source, Status: InputFailed, Error: err.Error()}
}

// SetActionCounts records executor results.
func (b *Builder) SetActionCounts(planned, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.ActionsPlanned = planned
	b.summary.ActionsFailed = failed
}

// Build walks the whole catalog so unmatched games report as missing.
func (b *Builder) Build() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	rep := &Report{GeneratedAt: time.Now().UTC(), Summary: b.summary}
	for _, doc := range b.idx.Docs {
		for g := range doc.Games {
			game := &doc.Games[g]
			key := doc.Name + "\x00" + game.Name
			entry := Entry{Catalog: doc.Name, Game: game.Name}
			if m, ok := b.matched[key]; ok {
				entry.Status = StatusMatched
				entry.Reason = string(m.Reason)
				entry.Source = m.Record.SourceKey()
				rep.Summary.Matched++
			} else {
				entry.Status = StatusMissing
				rep.Summary.Missing++
			}
			rep.Summary.CatalogGames++
			rep.Entries = append(rep.Entries, entry)
		}
	}
	sort.Slice(rep.Entries, func(i, j int) bool {
		if rep.Entries[i].Catalog != rep.Entries[j].Catalog {
			return rep.Entries[i].Catalog < rep.Entries[j].Catalog
		}
		return rep.Entries[i].Game < rep.Entries[j].Game
	})

	for _, in := range b.inputs {
		rep.Inputs = append(rep.Inputs, *in)
		rep.Summary.InputsScanned++
		switch in.Status {
		case InputMatched:
			rep.Summary.InputsMatched++
		case InputFailed:
			rep.Summary.InputsFailed++
		}
	}
	sort.Slice(rep.Inputs, func(i, j int) bool { return rep.Inputs[i].Source < rep.Inputs[j].Source })
	return rep
}

// WriteJSON renders the report.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// FixDAT builds a catalog of the games still missing from the run, in
// the same document shape the parser produces so WriteLogiqx and
// WriteJSON can render it.
func (b *Builder) FixDAT(name string) *dat.Document {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := &dat.Document{Name: name, Description: name}
	for _, doc := range b.idx.Docs {
		for g := range doc.Games {
			game := &doc.Games[g]
			if _, ok := b.matched[doc.Name+"\x00"+game.Name]; ok {
				continue
			}
			copied := *game
			copied.ROMs = nil
			for _, romIdx := range game.ROMs {
				rom := doc.ROMs[romIdx]
				rom.GameIndex = len(out.Games)
				copied.ROMs = append(copied.ROMs, len(out.ROMs))
				out.ROMs = append(out.ROMs, rom)
			}
			out.Games = append(out.Games, copied)
		}
	}
	return out
}

// Dir2DAT builds a catalog describing the scanned records themselves.
func Dir2DAT(name string, recs []scanner.Record) *dat.Document {
	out := &dat.Document{Name: name, Description: name}
	sorted := append([]scanner.Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceKey() < sorted[j].SourceKey() })
	for _, rec := range sorted {
		base := rec.Path
		gameName := dat.NormalizeTitle(basename(base))
		if gameName == "" {
			gameName = basename(base)
		}
		rom := dat.ROM{
			Name:      basename(base),
			Size:      rec.Size,
			CRC32:     rec.Digests.CRC32,
			MD5:       rec.Digests.MD5,
			SHA1:      rec.Digests.SHA1,
			SHA256:    rec.Digests.SHA256,
			GameIndex: len(out.Games),
		}
		out.Games = append(out.Games, dat.Game{
			Name: gameName,
			ROMs: []int{len(out.ROMs)},
		})
		out.ROMs = append(out.ROMs, rom)
	}
	return out
}

func basename(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}
