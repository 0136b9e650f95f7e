package selector

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/matcher"
	"github.com/javi11/romforge/internal/scanner"
)

const selectorDAT = `<datafile>
	<header><name>Test</name></header>
	<game name="Game C (USA)"><rom name="Game C (USA).gb" size="1" crc="aa"/></game>
	<game name="Game C (Europe)"><rom name="Game C (Europe).gb" size="2" crc="bb"/></game>
	<game name="Game C (Japan)"><rom name="Game C (Japan).gb" size="3" crc="cc"/></game>
	<game name="Game C (USA) (Rev 1)"><rom name="Game C (USA) (Rev 1).gb" size="4" crc="dd"/></game>
	<game name="Game D (Europe) (Beta)"><rom name="Game D (Europe) (Beta).gb" size="5" crc="ee"/></game>
	<game name="Game D (Europe)"><rom name="Game D (Europe).gb" size="6" crc="ff"/></game>
	<game name="[BIOS] Console (World)"><rom name="bios.bin" size="7" crc="11"/></game>
</datafile>`

func buildIndex(t *testing.T) *dat.Index {
	t.Helper()
	doc, err := dat.Parse(strings.NewReader(selectorDAT), "test.dat")
	require.NoError(t, err)
	return dat.NewIndex([]*dat.Document{doc})
}

func candidateFor(t *testing.T, idx *dat.Index, gameName string) Candidate {
	t.Helper()
	for d, doc := range idx.Docs {
		for g := range doc.Games {
			if doc.Games[g].Name != gameName {
				continue
			}
			romIdx := doc.Games[g].ROMs[0]
			rom := doc.ROMs[romIdx]
			return Candidate{Match: matcher.Match{
				Record: scanner.Record{Path: "/in/" + rom.Name, Size: rom.Size},
				Ref:    dat.Ref{Doc: d, ROM: romIdx},
				Reason: matcher.ReasonCRCSize,
			}}
		}
	}
	t.Fatalf("no game %q in fixture", gameName)
	return Candidate{}
}

func gameNames(idx *dat.Index, cands []Candidate) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, idx.Game(c.Match.Ref).Name)
	}
	return names
}

func TestSelect_RegionPreference(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{
		Regions: []string{"USA", "EUR", "JPN"},
		Single:  true,
	})

	cands := []Candidate{
		candidateFor(t, idx, "Game C (USA)"),
		candidateFor(t, idx, "Game C (Europe)"),
		candidateFor(t, idx, "Game C (Japan)"),
	}
	got := s.Select(cands)
	require.Len(t, got, 1)
	assert.Equal(t, "Game C (USA)", idx.Game(got[0].Match.Ref).Name)
}

func TestSelect_NewestRevisionWins(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{Regions: []string{"USA"}, Single: true})

	cands := []Candidate{
		candidateFor(t, idx, "Game C (USA)"),
		candidateFor(t, idx, "Game C (USA) (Rev 1)"),
	}
	got := s.Select(cands)
	require.Len(t, got, 1)
	assert.Equal(t, "Game C (USA) (Rev 1)", idx.Game(got[0].Match.Ref).Name)
}

func TestSelect_OldestRevision(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{
		Regions:   []string{"USA"},
		Revisions: PreferOldest,
		Single:    true,
	})

	cands := []Candidate{
		candidateFor(t, idx, "Game C (USA)"),
		candidateFor(t, idx, "Game C (USA) (Rev 1)"),
	}
	got := s.Select(cands)
	require.Len(t, got, 1)
	// A tagged revision still beats the untagged base release; oldest
	// only flips ordering within the same revision class.
	assert.Equal(t, "Game C (USA) (Rev 1)", idx.Game(got[0].Match.Ref).Name)
}

func TestSelect_QualityBeatsBeta(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{Single: true})

	cands := []Candidate{
		candidateFor(t, idx, "Game D (Europe) (Beta)"),
		candidateFor(t, idx, "Game D (Europe)"),
	}
	got := s.Select(cands)
	require.Len(t, got, 1)
	assert.Equal(t, "Game D (Europe)", idx.Game(got[0].Match.Ref).Name)
}

func TestSelect_PermutationInvariant(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{
		Regions: []string{"EUR", "USA"},
		Single:  true,
	})

	base := []Candidate{
		candidateFor(t, idx, "Game C (USA)"),
		candidateFor(t, idx, "Game C (Europe)"),
		candidateFor(t, idx, "Game C (Japan)"),
		candidateFor(t, idx, "Game C (USA) (Rev 1)"),
		candidateFor(t, idx, "Game D (Europe)"),
		candidateFor(t, idx, "Game D (Europe) (Beta)"),
	}
	want := gameNames(idx, s.Select(base))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Candidate(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, want, gameNames(idx, s.Select(shuffled)))
	}
}

func TestSelect_MultiModeKeepsAll(t *testing.T) {
	idx := buildIndex(t)
	s := New(idx, Filters{}, Preferences{})

	cands := []Candidate{
		candidateFor(t, idx, "Game C (Japan)"),
		candidateFor(t, idx, "Game C (USA)"),
	}
	got := s.Select(cands)
	assert.Len(t, got, 2)
}

func TestSelect_Filters(t *testing.T) {
	idx := buildIndex(t)

	t.Run("exclude regex", func(t *testing.T) {
		s := New(idx, Filters{Exclude: regexp.MustCompile(`\(Japan\)`)}, Preferences{})
		got := s.Select([]Candidate{
			candidateFor(t, idx, "Game C (Japan)"),
			candidateFor(t, idx, "Game C (USA)"),
		})
		require.Len(t, got, 1)
		assert.Equal(t, "Game C (USA)", idx.Game(got[0].Match.Ref).Name)
	})

	t.Run("bios only", func(t *testing.T) {
		s := New(idx, Filters{BIOSOnly: true}, Preferences{})
		got := s.Select([]Candidate{
			candidateFor(t, idx, "Game C (USA)"),
			candidateFor(t, idx, "[BIOS] Console (World)"),
		})
		require.Len(t, got, 1)
		assert.Equal(t, "[BIOS] Console (World)", idx.Game(got[0].Match.Ref).Name)
	})

	t.Run("only retail drops beta", func(t *testing.T) {
		s := New(idx, Filters{OnlyRetail: true}, Preferences{})
		got := s.Select([]Candidate{
			candidateFor(t, idx, "Game D (Europe) (Beta)"),
			candidateFor(t, idx, "Game D (Europe)"),
		})
		require.Len(t, got, 1)
		assert.Equal(t, "Game D (Europe)", idx.Game(got[0].Match.Ref).Name)
	})
}
