// Package scanner walks input roots, dispatches archives to the
// container adapters and emits hashed records on a bounded channel.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/romforge/internal/archive"
	"github.com/javi11/romforge/internal/cache"
	"github.com/javi11/romforge/internal/digest"
	"github.com/javi11/romforge/internal/headers"
)

// Record is one hashed input payload. Records are immutable once
// emitted; a record identifies itself by the SHA-256 of its hashable
// payload.
type Record struct {
	// Path is the absolute source path of the file, or the entry name
	// when the record comes from inside an archive.
	Path string
	// ArchivePath is the enclosing container path, empty for plain
	// files.
	ArchivePath string
	// Size is the hashable payload size, after any header skip.
	Size    int64
	Digests digest.Set
	// Header is the detected header descriptor, nil when the file has
	// none.
	Header *headers.Descriptor
	// HeaderBytes retains the skipped leading bytes so extraction can
	// reproduce the original file.
	HeaderBytes []byte
	ModTime     time.Time
	// Unhashable marks records whose payload could not be read; they
	// can still match by name and size.
	Unhashable bool
}

// SourceKey returns the unique source identity of the record.
func (r Record) SourceKey() string {
	if r.ArchivePath == "" {
		return r.Path
	}
	return r.ArchivePath + "::" + r.Path
}

// Stats counts scanner activity for the run summary.
type Stats struct {
	Files           atomic.Int64
	ArchiveEntries  atomic.Int64
	SkippedArchives atomic.Int64
	Errors          atomic.Int64
}

// Options configures a Scanner.
type Options struct {
	Roots       []string
	Algos       digest.Algos
	ScanThreads int
	HashThreads int
	// Headers is the descriptor table probed per file; nil disables
	// header detection.
	Headers *headers.Table
	// Cache short-circuits digest work for plain files already hashed
	// in a previous run. Nil runs without a cache.
	Cache    *cache.Store
	Registry *archive.Registry
}

// Scanner produces Records from the configured roots.
type Scanner struct {
	opts    Options
	stats   Stats
	log     *slog.Logger
	visited map[fileID]struct{}
	mu      sync.Mutex
}

type fileID struct {
	dev uint64
	ino uint64
}

// New builds a Scanner. Thread counts below one are raised to one.
func New(opts Options) *Scanner {
	if opts.ScanThreads < 1 {
		opts.ScanThreads = 1
	}
	if opts.HashThreads < 1 {
		opts.HashThreads = 1
	}
	if opts.Registry == nil {
		opts.Registry = archive.NewRegistry()
	}
	if opts.Algos == 0 {
		opts.Algos = digest.All
	}
	// SHA-256 keys the cache, so it is always computed.
	opts.Algos |= digest.Algos(digest.SHA256)
	return &Scanner{
		opts:    opts,
		log:     slog.Default().With("component", "scanner"),
		visited: make(map[fileID]struct{}),
	}
}

// Stats exposes the running counters.
func (s *Scanner) Stats() *Stats { return &s.stats }

// Scan walks the roots and returns a bounded channel of Records. The
// channel is closed when scanning completes or ctx is cancelled.
// In-flight hashes run to completion on cancellation so the cache
// never sees partial rows.
func (s *Scanner) Scan(ctx context.Context) <-chan Record {
	out := make(chan Record, 2*s.opts.HashThreads)

	go func() {
		defer close(out)

		workers := s.opts.ScanThreads
		if s.opts.HashThreads > workers {
			workers = s.opts.HashThreads
		}
		p := pool.New().WithMaxGoroutines(workers)

		for _, root := range s.opts.Roots {
			for _, path := range s.expandRoot(root) {
				s.walk(ctx, p, path, out)
			}
		}
		p.Wait()
	}()
	return out
}

func (s *Scanner) expandRoot(root string) []string {
	if strings.ContainsAny(root, "*?[") {
		matches, err := filepath.Glob(root)
		if err != nil || len(matches) == 0 {
			s.warn("glob matched nothing", "pattern", root, "error", err)
			return nil
		}
		return matches
	}
	return []string{root}
}

func (s *Scanner) walk(ctx context.Context, p *pool.Pool, path string, out chan<- Record) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		s.warn("stat failed", "path", path, "error", err)
		return
	}
	if !info.IsDir() {
		s.submitFile(ctx, p, path, info, out)
		return
	}
	if !s.markVisited(info) {
		s.log.Debug("skipping already visited directory", "path", path)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		s.warn("reading directory failed", "path", path, "error", err)
		return
	}
	for _, e := range entries {
		s.walk(ctx, p, filepath.Join(path, e.Name()), out)
	}
}

// markVisited records the directory's (device, inode) pair; symlink
// cycles resolve to an already seen pair and are skipped.
func (s *Scanner) markVisited(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	id := fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.visited[id]; seen {
		return false
	}
	s.visited[id] = struct{}{}
	return true
}

func (s *Scanner) submitFile(ctx context.Context, p *pool.Pool, path string, info os.FileInfo, out chan<- Record) {
	p.Go(func() {
		if ctx.Err() != nil {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		format, err := archive.Sniff(abs)
		if err != nil {
			s.warn("probing file failed", "path", abs, "error", err)
			return
		}
		if adapter, ok := s.opts.Registry.For(format); ok {
			s.scanArchive(ctx, adapter, abs, info, out)
			return
		}
		s.scanPlainFile(ctx, abs, info, out)
	})
}

func (s *Scanner) scanPlainFile(ctx context.Context, path string, info os.FileInfo, out chan<- Record) {
	rec := Record{Path: path, ModTime: info.ModTime()}

	f, err := os.Open(path)
	if err != nil {
		s.warn("opening file failed", "path", path, "error", err)
		s.emitUnhashable(ctx, rec, info.Size(), out)
		return
	}
	defer f.Close()

	prefix, hdr := s.probeHeader(path, f, info.Size())
	if hdr != nil {
		rec.Header = hdr
		rec.HeaderBytes = append([]byte(nil), prefix[:min(hdr.Skip, int64(len(prefix)))]...)
	}

	if row := s.cachedRow(ctx, path, f, prefix, hdr, info.Size()); row != nil {
		rec.Size = row.Size
		rec.Digests = digest.Set{CRC32: row.CRC32, MD5: row.MD5, SHA1: row.SHA1, SHA256: row.SHA256}
		s.stats.Files.Add(1)
		s.emit(ctx, rec, out)
		return
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.warn("rewinding file failed", "path", path, "error", err)
		s.emitUnhashable(ctx, rec, info.Size(), out)
		return
	}
	set, n, err := hashStream(f, s.opts.Algos, hdr)
	if err != nil {
		s.warn("hashing failed", "path", path, "error", err)
		s.emitUnhashable(ctx, rec, info.Size(), out)
		return
	}
	rec.Size = n
	rec.Digests = set
	s.stats.Files.Add(1)
	s.storeRow(ctx, rec, "file")
	s.emit(ctx, rec, out)
}

// cachedRow computes SHA-256 only and consults the cache; a hit with a
// matching payload size supplies the remaining digests without a
// second full multi-hash pass.
func (s *Scanner) cachedRow(ctx context.Context, path string, f *os.File, prefix []byte, hdr *headers.Descriptor, fileSize int64) *cache.Row {
	if s.opts.Cache == nil {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	set, n, err := hashStream(f, digest.Algos(digest.SHA256), hdr)
	if err != nil {
		return nil
	}
	row, err := s.opts.Cache.GetChecksums(ctx, set.SHA256)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.log.Debug("cache lookup failed", "path", path, "error", err)
		}
		return nil
	}
	if row.Size != n {
		return nil
	}
	if !s.rowCovers(row) {
		return nil
	}
	return row
}

func (s *Scanner) rowCovers(row *cache.Row) bool {
	want := s.opts.Algos
	if want.Has(digest.CRC32) && row.CRC32 == "" {
		return false
	}
	if want.Has(digest.MD5) && row.MD5 == "" {
		return false
	}
	if want.Has(digest.SHA1) && row.SHA1 == "" {
		return false
	}
	return true
}

func (s *Scanner) scanArchive(ctx context.Context, adapter archive.Adapter, path string, info os.FileInfo, out chan<- Record) {
	entries, err := adapter.List(ctx, path)
	if err != nil {
		s.stats.SkippedArchives.Add(1)
		s.warn("skipping unreadable archive", "path", path, "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		s.scanArchiveEntry(ctx, adapter, path, entry, info.ModTime(), out)
	}
}

func (s *Scanner) scanArchiveEntry(ctx context.Context, adapter archive.Adapter, path string, entry archive.Entry, modTime time.Time, out chan<- Record) {
	rec := Record{Path: entry.Name, ArchivePath: path, ModTime: modTime}

	rc, err := adapter.Open(ctx, path, entry)
	if err != nil {
		s.warn("opening archive entry failed", "archive", path, "entry", entry.Name, "error", err)
		s.emitUnhashable(ctx, rec, entry.Size, out)
		return
	}
	defer rc.Close()

	prefix, hdr, rest, err := s.probeHeaderStream(entry.Name, rc, entry.Size)
	if err != nil {
		s.warn("reading archive entry failed", "archive", path, "entry", entry.Name, "error", err)
		s.emitUnhashable(ctx, rec, entry.Size, out)
		return
	}
	if hdr != nil {
		rec.Header = hdr
		rec.HeaderBytes = append([]byte(nil), prefix[:min(hdr.Skip, int64(len(prefix)))]...)
	}

	set, n, err := hashStream(rest, s.opts.Algos, hdr)
	if err != nil {
		s.warn("hashing archive entry failed", "archive", path, "entry", entry.Name, "error", err)
		s.emitUnhashable(ctx, rec, entry.Size, out)
		return
	}
	rec.Size = n
	rec.Digests = set
	s.stats.ArchiveEntries.Add(1)
	s.storeRow(ctx, rec, "archive")
	s.emit(ctx, rec, out)
}

// probeHeader reads the descriptor probe window from the start of f.
func (s *Scanner) probeHeader(name string, f *os.File, size int64) ([]byte, *headers.Descriptor) {
	if s.opts.Headers == nil {
		return nil, nil
	}
	prefix := make([]byte, s.opts.Headers.MaxProbe())
	n, err := io.ReadFull(f, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil
	}
	prefix = prefix[:n]
	return prefix, s.opts.Headers.Detect(name, prefix, size)
}

// probeHeaderStream is the non-seekable variant: the consumed prefix
// is stitched back onto the remaining stream.
func (s *Scanner) probeHeaderStream(name string, r io.Reader, size int64) ([]byte, *headers.Descriptor, io.Reader, error) {
	if s.opts.Headers == nil {
		return nil, nil, r, nil
	}
	prefix := make([]byte, s.opts.Headers.MaxProbe())
	n, err := io.ReadFull(r, prefix)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, nil, err
	}
	prefix = prefix[:n]
	hdr := s.opts.Headers.Detect(name, prefix, size)
	return prefix, hdr, io.MultiReader(bytes.NewReader(prefix), r), nil
}

func (s *Scanner) storeRow(ctx context.Context, rec Record, source string) {
	if s.opts.Cache == nil || rec.Digests.SHA256 == "" {
		return
	}
	err := s.opts.Cache.PutChecksums(ctx, cache.Row{
		SHA256: rec.Digests.SHA256,
		Source: source,
		Size:   rec.Size,
		CRC32:  rec.Digests.CRC32,
		MD5:    rec.Digests.MD5,
		SHA1:   rec.Digests.SHA1,
	})
	if err != nil {
		s.log.Debug("cache store failed", "path", rec.Path, "error", err)
	}
}

func (s *Scanner) emitUnhashable(ctx context.Context, rec Record, size int64, out chan<- Record) {
	rec.Unhashable = true
	rec.Size = size
	s.stats.Errors.Add(1)
	s.emit(ctx, rec, out)
}

func (s *Scanner) emit(ctx context.Context, rec Record, out chan<- Record) {
	select {
	case out <- rec:
	case <-ctx.Done():
	}
}

func (s *Scanner) warn(msg string, args ...any) {
	s.stats.Errors.Add(1)
	s.log.Warn(msg, args...)
}

func hashStream(r io.Reader, algos digest.Algos, hdr *headers.Descriptor) (digest.Set, int64, error) {
	var skip int64
	if hdr != nil {
		skip = hdr.Skip
	}
	var d digest.Digester
	set, n, err := d.Sum(r, algos, skip)
	if err != nil {
		return digest.Set{}, 0, fmt.Errorf("digesting stream: %w", err)
	}
	return set, n, nil
}
