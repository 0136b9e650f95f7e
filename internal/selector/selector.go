// Package selector applies include/exclude filters and the 1G1R
// preference ladder to matched candidates. Selection is a pure
// function of its inputs and is invariant under candidate order.
package selector

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/matcher"
)

// RevisionOrder picks which end of the revision ladder wins.
type RevisionOrder int

const (
	PreferNewest RevisionOrder = iota
	PreferOldest
)

// Filters drop candidates before any preference ranking happens.
type Filters struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
	// BIOSOnly keeps only BIOS entries; DeviceOnly keeps only device
	// entries. Both false keeps everything.
	BIOSOnly   bool
	DeviceOnly bool
	// NoUnlicensed drops (Unl) releases; NoBadDumps drops [b] releases
	// and catalog baddump members.
	NoUnlicensed bool
	NoBadDumps   bool
	// OnlyRetail drops modified releases (betas, protos, hacks).
	OnlyRetail bool
}

// Preferences is the per-run preference vector for 1G1R selection.
type Preferences struct {
	Regions   []string
	Languages []string
	// PreferVerified ranks [!] dumps above clean retail dumps.
	PreferVerified bool
	Revisions      RevisionOrder
	// Single enables 1G1R: one winning candidate per canonical game.
	Single bool
}

// Candidate is one match under consideration.
type Candidate struct {
	Match matcher.Match
}

// Selector filters and selects candidates against one catalog index.
type Selector struct {
	idx     *dat.Index
	filters Filters
	prefs   Preferences
}

// New builds a Selector.
func New(idx *dat.Index, filters Filters, prefs Preferences) *Selector {
	return &Selector{idx: idx, filters: filters, prefs: prefs}
}

// Select filters the candidates and, in single mode, keeps exactly one
// winner per canonical game. The input order never affects the result:
// candidates are canonically sorted before ranking.
func (s *Selector) Select(cands []Candidate) []Candidate {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if s.admit(c) {
			kept = append(kept, c)
		}
	}
	sortCanonical(kept)

	if !s.prefs.Single {
		return kept
	}

	groups := make(map[string][]Candidate)
	var order []string
	for _, c := range kept {
		key := s.groupKey(c)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}
	sort.Strings(order)

	winners := make([]Candidate, 0, len(order))
	for _, key := range order {
		winners = append(winners, s.pick(groups[key]))
	}
	return winners
}

// groupKey identifies the canonical game: all regional and revision
// variants of one title inside one catalog share a key.
func (s *Selector) groupKey(c Candidate) string {
	game := s.idx.Game(c.Match.Ref)
	return strconv.Itoa(c.Match.Ref.Doc) + "\x00" + dat.NormalizeKey(game.Name)
}

func (s *Selector) admit(c Candidate) bool {
	game := s.idx.Game(c.Match.Ref)
	rom := s.idx.ROM(c.Match.Ref)
	f := s.filters

	if f.Include != nil && !f.Include.MatchString(game.Name) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(game.Name) {
		return false
	}
	if f.BIOSOnly && !game.IsBIOS {
		return false
	}
	if f.DeviceOnly && !game.IsDevice {
		return false
	}
	if f.NoUnlicensed && game.Tags.Unlicensed {
		return false
	}
	if f.NoBadDumps && (game.Tags.Quality.Tier == dat.QualityBad || rom.BadDump()) {
		return false
	}
	if f.OnlyRetail {
		switch game.Tags.Quality.Tier {
		case dat.QualityModified, dat.QualityBad:
			return false
		}
	}
	return true
}

// pick runs the preference ladder over one canonical game's
// candidates: region bucket, language bucket, dump quality, revision,
// set number, then normalized name.
func (s *Selector) pick(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if s.better(c, best) {
			best = c
		}
	}
	return best
}

func (s *Selector) better(a, b Candidate) bool {
	ga, gb := s.idx.Game(a.Match.Ref), s.idx.Game(b.Match.Ref)

	ra, rb := regionRank(ga.Tags.Region, s.prefs.Regions), regionRank(gb.Tags.Region, s.prefs.Regions)
	if ra != rb {
		return ra < rb
	}
	la, lb := languageRank(ga.Tags.Languages, s.prefs.Languages), languageRank(gb.Tags.Languages, s.prefs.Languages)
	if la != lb {
		return la < lb
	}
	qa, qb := s.qualityRank(ga.Tags.Quality.Tier), s.qualityRank(gb.Tags.Quality.Tier)
	if qa != qb {
		return qa < qb
	}
	if cmp := s.revisionCompare(ga.Tags.Revision, gb.Tags.Revision); cmp != 0 {
		return cmp < 0
	}
	if cmp := compareSet(ga.Tags.Set, gb.Tags.Set); cmp != 0 {
		return cmp < 0
	}
	na, nb := dat.NormalizeKey(ga.Name), dat.NormalizeKey(gb.Name)
	if na != nb {
		return na < nb
	}
	return sourceKey(a) < sourceKey(b)
}

func (s *Selector) qualityRank(tier dat.QualityTier) int {
	if s.prefs.PreferVerified {
		return int(tier)
	}
	// Default ranking prefers plain retail dumps over [!]-verified
	// ones; everything else keeps its relative order.
	switch tier {
	case dat.QualityClean:
		return 0
	case dat.QualityVerified:
		return 1
	case dat.QualityFixed:
		return 2
	case dat.QualityPending:
		return 3
	case dat.QualityModified:
		return 4
	default:
		return 5
	}
}

func (s *Selector) revisionCompare(a, b dat.Revision) int {
	cmp := a.Compare(b)
	if s.prefs.Revisions == PreferOldest {
		// Revisions with a tag still beat untagged ones; only the
		// order within the same priority class flips.
		if a.Priority == b.Priority {
			return -cmp
		}
	}
	return cmp
}

func regionRank(region string, prefs []string) int {
	for i, p := range prefs {
		if p == region {
			return i
		}
	}
	return len(prefs)
}

func languageRank(langs []string, prefs []string) int {
	for i, p := range prefs {
		for _, l := range langs {
			if l == p {
				return i
			}
		}
	}
	return len(prefs)
}

func compareSet(a, b *dat.SetInfo) int {
	switch {
	case a != nil && b != nil:
		if a.Number != b.Number {
			if a.Number < b.Number {
				return -1
			}
			return 1
		}
		return 0
	case a != nil:
		return -1
	case b != nil:
		return 1
	default:
		return 0
	}
}

func sourceKey(c Candidate) string {
	return c.Match.Record.SourceKey()
}

func sortCanonical(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		return sourceKey(cands[i]) < sourceKey(cands[j])
	})
}
