package archive

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		file   string
		want   Format
	}{
		{"zip magic", []byte{0x50, 0x4B, 0x03, 0x04, 0x14, 0x00}, "x.bin", FormatZip},
		{"empty zip magic", []byte{0x50, 0x4B, 0x05, 0x06}, "x.bin", FormatZip},
		{"7z magic", []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, "x.bin", Format7z},
		{"rar magic", []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07}, "x.bin", FormatRAR},
		{"magic wins over extension", []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, "x.zip", Format7z},
		{"extension fallback zip", []byte{0x00, 0x00}, "x.ZIP", FormatZip},
		{"extension fallback rar", nil, "x.rar", FormatRAR},
		{"plain file", []byte{0x4E, 0x45, 0x53, 0x1A}, "x.nes", FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.prefix, tt.file))
		})
	}
}

func writeTestZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestZipAdapter_ListAndOpen(t *testing.T) {
	path := writeTestZip(t, map[string]string{
		"Game (USA).nes":     "payload-a",
		"sub/Game (EUR).nes": "payload-b",
	})
	ctx := context.Background()
	a := newZipAdapter()

	entries, err := a.List(ctx, path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]Entry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, int64(9), byName["Game (USA).nes"].Size)
	assert.Contains(t, byName, "sub/Game (EUR).nes")

	rc, err := a.Open(ctx, path, byName["sub/Game (EUR).nes"])
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload-b", string(body))

	_, err = a.Open(ctx, path, Entry{Name: "missing.nes"})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSniff_Zip(t *testing.T) {
	path := writeTestZip(t, map[string]string{"a.bin": "x"})
	format, err := Sniff(path)
	require.NoError(t, err)
	assert.Equal(t, FormatZip, format)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, f := range []Format{FormatZip, Format7z, FormatRAR} {
		a, ok := r.For(f)
		assert.True(t, ok, f.String())
		assert.NotNil(t, a)
	}
	_, ok := r.For(FormatUnknown)
	assert.False(t, ok)
}

func TestParse7zListing(t *testing.T) {
	out := []byte("Path = Game (USA).nes\n" +
		"Size = 131088\n" +
		"Attributes = A\n" +
		"\n" +
		"Path = docs\n" +
		"Size = 0\n" +
		"Attributes = D\n" +
		"\n" +
		"Path = docs\\readme.txt\n" +
		"Size = 42\n" +
		"Attributes = A\n")

	entries, err := parse7zListing(out)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Name: "Game (USA).nes", Size: 131088}, entries[0])
	assert.Equal(t, Entry{Name: "docs/readme.txt", Size: 42}, entries[1])
}

func TestParse7zListing_BadSize(t *testing.T) {
	_, err := parse7zListing([]byte("Path = a\nSize = not-a-number\n"))
	assert.Error(t, err)
}
