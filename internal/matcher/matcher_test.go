package matcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/digest"
	"github.com/javi11/romforge/internal/scanner"
)

const testDAT = `<datafile>
	<header><name>Test</name></header>
	<game name="By SHA1 (USA)">
		<rom name="By SHA1 (USA).gb" size="3" sha1="a9993e364706816aba3e25717850c26c9cd0d89d"/>
	</game>
	<game name="By CRC (USA)">
		<rom name="By CRC (USA).gb" size="5" crc="3610a686"/>
	</game>
	<game name="By Name (USA)">
		<rom name="By Name (USA).gb" size="9"/>
	</game>
	<game name="Shared (USA)">
		<rom name="Shared (USA).gb" size="3" sha1="a9993e364706816aba3e25717850c26c9cd0d89d"/>
	</game>
</datafile>`

func testIndex(t *testing.T) *dat.Index {
	t.Helper()
	doc, err := dat.Parse(strings.NewReader(testDAT), "test.dat")
	require.NoError(t, err)
	return dat.NewIndex([]*dat.Document{doc})
}

func TestMatch_SHA1Rung(t *testing.T) {
	m := New(testIndex(t))
	rec := scanner.Record{
		Path: "/roms/dump.gb",
		Size: 3,
		Digests: digest.Set{
			SHA1:   "a9993e364706816aba3e25717850c26c9cd0d89d",
			SHA256: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
	}
	matches := m.Match(rec)
	require.Len(t, matches, 2)
	assert.Equal(t, ReasonSHA1, matches[0].Reason)
	names := []string{
		m.idx.Game(matches[0].Ref).Name,
		m.idx.Game(matches[1].Ref).Name,
	}
	assert.ElementsMatch(t, []string{"By SHA1 (USA)", "Shared (USA)"}, names)
}

func TestMatch_CRCRequiresSize(t *testing.T) {
	m := New(testIndex(t))
	rec := scanner.Record{
		Path:    "/roms/crc.gb",
		Size:    5,
		Digests: digest.Set{CRC32: "3610a686", SHA256: "xx"},
	}
	matches := m.Match(rec)
	require.Len(t, matches, 1)
	assert.Equal(t, ReasonCRCSize, matches[0].Reason)

	rec.Size = 6
	assert.Empty(t, m.Match(rec))
}

func TestMatch_NameSizeFallback(t *testing.T) {
	m := New(testIndex(t))
	rec := scanner.Record{
		Path:    "/roms/By Name (Europe).gb",
		Size:    9,
		Digests: digest.Set{SHA256: "no-such"},
	}
	matches := m.Match(rec)
	require.Len(t, matches, 1)
	assert.Equal(t, ReasonNameSize, matches[0].Reason)
	assert.Equal(t, "By Name (USA)", m.idx.Game(matches[0].Ref).Name)
}

func TestMatch_UnhashableUsesNameOnly(t *testing.T) {
	m := New(testIndex(t))
	rec := scanner.Record{
		Path:       "/roms/By SHA1 (World).gb",
		Size:       3,
		Unhashable: true,
	}
	matches := m.Match(rec)
	require.Len(t, matches, 1)
	assert.Equal(t, ReasonNameSize, matches[0].Reason)
	assert.Equal(t, "By SHA1 (USA)", m.idx.Game(matches[0].Ref).Name)
}

func TestMatch_NoMatch(t *testing.T) {
	m := New(testIndex(t))
	rec := scanner.Record{
		Path:    "/roms/unknown.gb",
		Size:    100,
		Digests: digest.Set{SHA256: "zz"},
	}
	assert.Empty(t, m.Match(rec))
}
