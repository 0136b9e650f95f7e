package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"
)

type zipAdapter struct{}

func newZipAdapter() *zipAdapter { return &zipAdapter{} }

func (a *zipAdapter) List(ctx context.Context, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening zip %s: %w", path, err)
	}
	defer r.Close()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name: strings.ReplaceAll(f.Name, "\\", "/"),
			Size: int64(f.UncompressedSize64),
		})
	}
	return entries, nil
}

func (a *zipAdapter) Open(ctx context.Context, path string, entry Entry) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening zip %s: %w", path, err)
	}
	for _, f := range r.File {
		if strings.ReplaceAll(f.Name, "\\", "/") != entry.Name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("opening zip entry %s: %w", entry.Name, err)
		}
		return &closerChain{ReadCloser: rc, also: r}, nil
	}
	r.Close()
	return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entry.Name, path)
}

// closerChain closes the archive reader together with the entry stream.
type closerChain struct {
	io.ReadCloser
	also io.Closer
}

func (c *closerChain) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.also.Close(); err == nil {
		err = cerr
	}
	return err
}
