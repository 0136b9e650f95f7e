package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/javi11/rardecode/v2"
)

// rarAdapter reads RAR containers. RAR is input-only; plans never
// produce RAR outputs. Only stored entries can be opened, compressed
// RARs are listed but their contents are unavailable.
type rarAdapter struct{}

func newRARAdapter() *rarAdapter { return &rarAdapter{} }

func (a *rarAdapter) info(ctx context.Context, path string) ([]rardecode.ArchiveFileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	infos, err := rardecode.ListArchiveInfo(base,
		rardecode.FileSystem(os.DirFS(dir)),
		rardecode.SkipCheck,
	)
	if err != nil {
		return nil, fmt.Errorf("reading rar %s: %w", path, err)
	}
	return infos, nil
}

func (a *rarAdapter) List(ctx context.Context, path string) ([]Entry, error) {
	infos, err := a.info(ctx, path)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name: strings.ReplaceAll(fi.Name, "\\", "/"),
			Size: fi.TotalUnpackedSize,
		})
	}
	return entries, nil
}

func (a *rarAdapter) Open(ctx context.Context, path string, entry Entry) (io.ReadCloser, error) {
	infos, err := a.info(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, fi := range infos {
		if strings.ReplaceAll(fi.Name, "\\", "/") != entry.Name {
			continue
		}
		if fi.Compressed {
			method := fi.CompressionMethod
			if method == "" {
				method = "unknown"
			}
			return nil, fmt.Errorf("compressed rar entry %s in %s is not supported (%s compression)", entry.Name, path, method)
		}
		return openStored(filepath.Dir(path), fi)
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entry.Name, path)
}

// openStored stitches an entry together from its packed ranges across
// the volume files. A stored entry's packed bytes are its contents.
func openStored(dir string, fi rardecode.ArchiveFileInfo) (io.ReadCloser, error) {
	sr := &storedReader{}
	var readers []io.Reader
	for _, part := range fi.Parts {
		if part.PackedSize <= 0 {
			continue
		}
		f, err := os.Open(filepath.Join(dir, part.Path))
		if err != nil {
			sr.Close()
			return nil, fmt.Errorf("opening rar volume %s: %w", part.Path, err)
		}
		sr.volumes = append(sr.volumes, f)
		readers = append(readers, io.NewSectionReader(f, part.DataOffset, part.PackedSize))
	}
	sr.r = io.MultiReader(readers...)
	return sr, nil
}

type storedReader struct {
	volumes []*os.File
	r       io.Reader
}

func (s *storedReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *storedReader) Close() error {
	var firstErr error
	for _, f := range s.volumes {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
