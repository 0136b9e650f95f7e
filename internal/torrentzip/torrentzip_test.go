package torrentzip

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberFrom(name, content string) Member {
	return Member{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func testMembers() []Member {
	return []Member{
		memberFrom("Zeta.bin", "zeta payload"),
		memberFrom("alpha.bin", "alpha payload"),
		memberFrom("Beta.bin", strings.Repeat("beta ", 4096)),
	}
}

func TestWriteFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.zip")
	b := filepath.Join(dir, "b.zip")

	require.NoError(t, WriteFile(a, testMembers()))
	require.NoError(t, WriteFile(b, testMembers()))

	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.True(t, bytes.HasPrefix(da, []byte("PK\x03\x04")))
}

func TestWriteFile_SortedAndReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, WriteFile(path, testMembers()))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"alpha.bin", "Beta.bin", "Zeta.bin"}, names)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "alpha payload", string(got))
}

func TestWriteFile_EOCDCommentMatchesCentralDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, WriteFile(path, testMembers()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	eocd := data[len(data)-22-commentSize:]
	require.Equal(t, uint32(sigEOCD), binary.LittleEndian.Uint32(eocd[:4]))
	cdSize := binary.LittleEndian.Uint32(eocd[12:16])
	cdOffset := binary.LittleEndian.Uint32(eocd[16:20])
	comment := string(eocd[22:])

	cd := data[cdOffset : cdOffset+cdSize]
	want := []byte("TORRENTZIPPED-")
	assert.True(t, bytes.HasPrefix([]byte(comment), want))
	assert.Equal(t, comment[len(want):], sprintfCRC(crc32.ChecksumIEEE(cd)))
}

func sprintfCRC(crc uint32) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = hex[crc&0xF]
		crc >>= 4
	}
	return string(out)
}

func TestWriteFile_FixedTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	require.NoError(t, WriteFile(path, testMembers()))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		assert.Equal(t, uint16(dosDate), f.ModifiedDate, f.Name)
		assert.Equal(t, uint16(dosTime), f.ModifiedTime, f.Name)
	}
}

func TestWriteFile_RejectsNonCP437Name(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	err := WriteFile(path, []Member{memberFrom("game☃.bin", "x")})
	require.ErrorIs(t, err, ErrNameNotCP437)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteFile_FailedOpenRemovesTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	err := WriteFile(path, []Member{{
		Name: "broken.bin",
		Size: 1,
		Open: func() (io.ReadCloser, error) { return nil, os.ErrNotExist },
	}})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
