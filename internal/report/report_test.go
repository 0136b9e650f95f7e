package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/digest"
	"github.com/javi11/romforge/internal/matcher"
	"github.com/javi11/romforge/internal/scanner"
)

const reportDAT = `<datafile>
	<header><name>Test</name></header>
	<game name="Game A (USA)"><rom name="Game A (USA).gb" size="3" crc="aa"/></game>
	<game name="Game B (Europe)"><rom name="Game B (Europe).gb" size="5" crc="bb"/></game>
</datafile>`

func reportIndex(t *testing.T) *dat.Index {
	t.Helper()
	doc, err := dat.Parse(strings.NewReader(reportDAT), "test.dat")
	require.NoError(t, err)
	return dat.NewIndex([]*dat.Document{doc})
}

func matchFor(t *testing.T, idx *dat.Index, gameName, srcPath string) matcher.Match {
	t.Helper()
	for d, doc := range idx.Docs {
		for g := range doc.Games {
			if doc.Games[g].Name == gameName {
				return matcher.Match{
					Record: scanner.Record{Path: srcPath, Size: doc.ROMs[doc.Games[g].ROMs[0]].Size},
					Ref:    dat.Ref{Doc: d, ROM: doc.Games[g].ROMs[0]},
					Reason: matcher.ReasonCRCSize,
				}
			}
		}
	}
	t.Fatalf("no game %q", gameName)
	return matcher.Match{}
}

func TestBuild_EntryAndInputStatuses(t *testing.T) {
	idx := reportIndex(t)
	b := NewBuilder(idx)

	m := matchFor(t, idx, "Game A (USA)", "/in/a.gb")
	b.RecordMatches(m.Record, []matcher.Match{m})
	b.RecordMatches(scanner.Record{Path: "/in/unknown.gb", Size: 99}, nil)
	b.RecordFailure("/in/broken.gb", errors.New("read error"))
	b.SetActionCounts(3, 1)

	rep := b.Build()
	require.Len(t, rep.Entries, 2)
	assert.Equal(t, StatusMatched, rep.Entries[0].Status)
	assert.Equal(t, "crc32+size", rep.Entries[0].Reason)
	assert.Equal(t, StatusMissing, rep.Entries[1].Status)

	require.Len(t, rep.Inputs, 3)
	byStatus := map[InputStatus]int{}
	for _, in := range rep.Inputs {
		byStatus[in.Status]++
	}
	assert.Equal(t, 1, byStatus[InputMatched])
	assert.Equal(t, 1, byStatus[InputUnmatched])
	assert.Equal(t, 1, byStatus[InputFailed])

	assert.Equal(t, 2, rep.Summary.CatalogGames)
	assert.Equal(t, 1, rep.Summary.Matched)
	assert.Equal(t, 1, rep.Summary.Missing)
	assert.Equal(t, 3, rep.Summary.ActionsPlanned)
	assert.Equal(t, 1, rep.Summary.ActionsFailed)
}

func TestReport_WriteJSON(t *testing.T) {
	idx := reportIndex(t)
	rep := NewBuilder(idx).Build()

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))

	var decoded Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Entries, 2)
}

func TestFixDAT_ContainsOnlyMissing(t *testing.T) {
	idx := reportIndex(t)
	b := NewBuilder(idx)
	m := matchFor(t, idx, "Game A (USA)", "/in/a.gb")
	b.RecordMatches(m.Record, []matcher.Match{m})

	fix := b.FixDAT("fixdat")
	require.Len(t, fix.Games, 1)
	assert.Equal(t, "Game B (Europe)", fix.Games[0].Name)
	require.Len(t, fix.ROMs, 1)
	assert.Equal(t, "bb", fix.ROMs[0].CRC32)

	var buf bytes.Buffer
	require.NoError(t, dat.WriteLogiqx(&buf, fix, "1.0"))
	reparsed, err := dat.Parse(bytes.NewReader(buf.Bytes()), "fix.dat")
	require.NoError(t, err)
	assert.Len(t, reparsed.Games, 1)
}

func TestDir2DAT(t *testing.T) {
	recs := []scanner.Record{
		{Path: "/in/Zelda (USA).gb", Size: 3, Digests: digest.Set{CRC32: "aa", SHA256: "cc"}},
		{Path: "/in/Adventure (Europe).gb", Size: 5, Digests: digest.Set{CRC32: "bb", SHA256: "dd"}},
	}
	doc := Dir2DAT("scan", recs)
	require.Len(t, doc.Games, 2)
	assert.Equal(t, "Adventure", doc.Games[0].Name)
	assert.Equal(t, "Adventure (Europe).gb", doc.ROMs[0].Name)
	assert.Equal(t, "Zelda", doc.Games[1].Name)
}

func TestDiag_PhasesAndWarnings(t *testing.T) {
	d := NewDiag(map[string]string{"output": "out"})
	require.NoError(t, d.Phase("scan", func() error { return nil }))
	d.Warn("skipped %s", "archive.7z")

	var buf bytes.Buffer
	require.NoError(t, d.WriteJSON(&buf))

	var decoded Diagnostics
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.NotEmpty(t, decoded.RunID)
	require.Len(t, decoded.Phases, 1)
	assert.Equal(t, "scan", decoded.Phases[0].Name)
	assert.Equal(t, []string{"skipped archive.7z"}, decoded.Warnings)
}
