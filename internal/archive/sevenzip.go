package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/javi11/sevenzip"
	"github.com/spf13/afero"
)

// sevenZipAdapter lists entries with the native reader, falling back to
// the external binary when native listing fails. Stored, unencrypted
// entries are read straight from the container; every compressed or
// encrypted entry is extracted by the external binary, as the native
// reader is not used for decompression.
type sevenZipAdapter struct {
	fs  afero.Fs
	ext *external7z
	log *slog.Logger
}

func newSevenZipAdapter() *sevenZipAdapter {
	return &sevenZipAdapter{
		fs:  afero.NewOsFs(),
		ext: newExternal7z(),
		log: slog.Default().With("component", "archive-7z"),
	}
}

func (a *sevenZipAdapter) List(ctx context.Context, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := a.nativeList(path)
	if err == nil {
		entries := make([]Entry, 0, len(infos))
		for _, fi := range infos {
			if strings.HasSuffix(fi.Name, "/") {
				continue
			}
			entries = append(entries, Entry{
				Name: strings.ReplaceAll(fi.Name, "\\", "/"),
				Size: int64(fi.Size),
			})
		}
		return entries, nil
	}

	a.log.Debug("native 7z listing failed, trying external binary",
		"path", path, "error", err)
	entries, extErr := a.ext.list(ctx, path)
	if extErr != nil {
		return nil, fmt.Errorf("listing 7z %s: %w", path, err)
	}
	return entries, nil
}

func (a *sevenZipAdapter) Open(ctx context.Context, path string, entry Entry) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Stored (uncompressed) entries can be served straight from the
	// container at their recorded offset.
	if infos, err := a.nativeList(path); err == nil {
		for _, fi := range infos {
			if strings.ReplaceAll(fi.Name, "\\", "/") != entry.Name {
				continue
			}
			if !fi.Compressed && !fi.Encrypted {
				return openRawRange(path, int64(fi.Offset), int64(fi.Size))
			}
			break
		}
	}
	return a.ext.extract(ctx, path, entry.Name)
}

func (a *sevenZipAdapter) nativeList(path string) ([]sevenzip.FileInfo, error) {
	r, err := sevenzip.OpenReader(path, a.fs)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ListFilesWithOffsets()
}

func openRawRange(path string, offset, size int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening 7z container: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking 7z entry: %w", err)
	}
	return &closerChain{
		ReadCloser: io.NopCloser(io.LimitReader(f, size)),
		also:       f,
	}, nil
}
