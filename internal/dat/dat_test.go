package dat

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDAT = `<?xml version="1.0"?>
<!DOCTYPE datafile PUBLIC "-//Logiqx//DTD ROM Management Datafile//EN" "http://www.logiqx.com/Dats/datafile.dtd">
<datafile>
	<header>
		<name>Nintendo - Game Boy</name>
		<description>Nintendo - Game Boy (Retool)</description>
		<version>20240101</version>
	</header>
	<game name="Game A (USA)">
		<category>Games</category>
		<description>Game A (USA)</description>
		<rom name="Game A (USA).gb" size="3" crc="352441C2" md5="900150983CD24FB0D6963F7D28E17F72" sha1="A9993E364706816ABA3E25717850C26C9CD0D89D"/>
	</game>
	<game name="Game A (Europe)">
		<description>Game A (Europe)</description>
		<rom name="Game A (Europe).gb" size="5" crc="3610a686"/>
	</game>
	<game name="Game B (Japan) (Rev 1)">
		<description>Game B (Japan) (Rev 1)</description>
		<rom name="Game B (Japan) (Rev 1).gb" size="7" sha1="ffffffffffffffffffffffffffffffffffffffff" status="baddump"/>
	</game>
</datafile>
`

func TestParse_Logiqx(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleDAT), "gb.dat")
	require.NoError(t, err)

	assert.Equal(t, "Nintendo - Game Boy", doc.Name)
	assert.Equal(t, "Nintendo - Game Boy (Retool)", doc.Description)
	require.Len(t, doc.Games, 3)
	require.Len(t, doc.ROMs, 3)

	a := doc.Games[0]
	assert.Equal(t, "Game A (USA)", a.Name)
	assert.Equal(t, "Games", a.Category)
	assert.Equal(t, "USA", a.Tags.Region)

	rom := doc.ROMs[a.ROMs[0]]
	assert.Equal(t, int64(3), rom.Size)
	assert.Equal(t, "352441c2", rom.CRC32)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", rom.MD5)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", rom.SHA1)
	assert.Equal(t, 0, rom.GameIndex)

	assert.True(t, doc.ROMs[doc.Games[2].ROMs[0]].BadDump())
}

func TestParse_RejectsEmptyCatalog(t *testing.T) {
	_, err := Parse(strings.NewReader(`<datafile><header><name>x</name></header></datafile>`), "x.dat")
	assert.Error(t, err)
}

func TestParse_MachineElements(t *testing.T) {
	doc, err := Parse(strings.NewReader(
		`<datafile><machine name="bios1" isbios="yes"><rom name="bios1.rom" size="1" crc="aa"/></machine></datafile>`), "mame.dat")
	require.NoError(t, err)
	require.Len(t, doc.Games, 1)
	assert.True(t, doc.Games[0].IsBIOS)
}

func TestIndex_Lookups(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleDAT), "gb.dat")
	require.NoError(t, err)
	idx := NewIndex([]*Document{doc})

	refs := idx.LookupSHA1("a9993e364706816aba3e25717850c26c9cd0d89d")
	require.Len(t, refs, 1)
	assert.Equal(t, "Game A (USA)", idx.Game(refs[0]).Name)

	refs = idx.LookupCRCSize("3610a686", 5)
	require.Len(t, refs, 1)
	assert.Equal(t, "Game A (Europe)", idx.Game(refs[0]).Name)

	// Wrong size must not match.
	assert.Empty(t, idx.LookupCRCSize("3610a686", 6))

	refs = idx.LookupNameSize("game a.gb", 3)
	require.Len(t, refs, 1)
	assert.Equal(t, "Game A (USA).gb", idx.ROM(refs[0]).Name)

	assert.Equal(t, 3, idx.ROMCount())
}

func TestLoad_SkipsBadCatalogs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.dat"), []byte(sampleDAT), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.dat"), []byte("not xml at all <"), 0o644))

	docs, err := Load(context.Background(), []string{filepath.Join(dir, "*.dat")}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Nintendo - Game Boy", docs[0].Name)
}

func TestLoad_NoCatalogs(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(context.Background(), []string{filepath.Join(dir, "*.dat")}, 1)
	assert.ErrorIs(t, err, ErrNoCatalogs)
}

func TestWriteLogiqx_StableAndParseable(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleDAT), "gb.dat")
	require.NoError(t, err)

	var first, second bytes.Buffer
	require.NoError(t, WriteLogiqx(&first, doc, "1"))
	require.NoError(t, WriteLogiqx(&second, doc, "1"))
	assert.Equal(t, first.String(), second.String())
	assert.Contains(t, first.String(), "<!DOCTYPE datafile")

	reparsed, err := Parse(bytes.NewReader(first.Bytes()), "roundtrip.dat")
	require.NoError(t, err)
	require.Len(t, reparsed.Games, 3)
	// Games are emitted sorted by name.
	assert.Equal(t, "Game A (Europe)", reparsed.Games[0].Name)
	assert.Equal(t, "352441c2", reparsed.ROMs[reparsed.Games[1].ROMs[0]].CRC32)
}

func TestWriteJSON(t *testing.T) {
	doc, err := Parse(strings.NewReader(sampleDAT), "gb.dat")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, doc, "1"))
	assert.Contains(t, buf.String(), `"name": "Nintendo - Game Boy"`)
	assert.Contains(t, buf.String(), `"crc32": "352441c2"`)
}
