// Package executor runs plan actions against the filesystem. Errors
// accumulate per action and never abort the run; cancellation stops
// new actions between boundaries.
package executor

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/javi11/romforge/internal/archive"
	"github.com/javi11/romforge/internal/digest"
	"github.com/javi11/romforge/internal/patch"
	"github.com/javi11/romforge/internal/planner"
	"github.com/javi11/romforge/internal/progress"
	"github.com/javi11/romforge/internal/scanner"
	"github.com/javi11/romforge/internal/torrentzip"
)

// ErrVerifyFailed reports a test action whose target does not match
// the expected digest.
var ErrVerifyFailed = errors.New("verification failed")

// ActionError pairs a failed action with its cause.
type ActionError struct {
	Action planner.Action
	Err    error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action.Kind, e.Action.Destination, e.Err)
}

// Result summarizes an execution.
type Result struct {
	Executed int
	Failed   []ActionError
}

// Options configures an Executor.
type Options struct {
	FS       afero.Fs
	Registry *archive.Registry
	Bus      *progress.Bus
	// PreserveHeaders re-emits stripped header bytes on extract so the
	// output reproduces the original file.
	PreserveHeaders bool
	// EmitReport and EmitCatalog produce the run artifacts; the
	// executor only schedules them.
	EmitReport  func(path, format string) error
	EmitCatalog func(path, kind, format string) error
	// OutputRoot bounds clean deletions.
	OutputRoot string
}

// Executor runs actions sequentially.
type Executor struct {
	opts Options
	log  *slog.Logger
}

// New builds an Executor.
func New(opts Options) *Executor {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Registry == nil {
		opts.Registry = archive.NewRegistry()
	}
	return &Executor{opts: opts, log: slog.Default().With("component", "executor")}
}

// Execute runs every action in plan order. Per-action failures are
// collected; only context cancellation stops the loop early.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) Result {
	var res Result
	for _, act := range plan.Actions {
		if ctx.Err() != nil {
			break
		}
		if err := e.run(ctx, act); err != nil {
			e.log.Warn("action failed", "kind", act.Kind, "destination", act.Destination, "error", err)
			res.Failed = append(res.Failed, ActionError{Action: act, Err: err})
			continue
		}
		res.Executed++
	}
	return res
}

func (e *Executor) run(ctx context.Context, act planner.Action) error {
	switch act.Kind {
	case planner.KindCopy:
		return e.copyAction(ctx, act, false)
	case planner.KindMove:
		return e.moveAction(ctx, act)
	case planner.KindLink:
		return e.linkAction(ctx, act)
	case planner.KindExtract:
		return e.extractAction(ctx, act)
	case planner.KindZipInto:
		return e.zipAction(ctx, act)
	case planner.KindPatch:
		return e.patchAction(ctx, act)
	case planner.KindTest:
		return e.testAction(act)
	case planner.KindPlaylist:
		return e.playlistAction(act)
	case planner.KindReport:
		if e.opts.EmitReport == nil {
			return nil
		}
		return e.opts.EmitReport(act.Destination, act.Format)
	case planner.KindCatalog:
		if e.opts.EmitCatalog == nil {
			return nil
		}
		return e.opts.EmitCatalog(act.Destination, act.CatalogKind, act.Format)
	case planner.KindClean:
		return e.cleanAction(act)
	}
	return fmt.Errorf("unknown action kind %q", act.Kind)
}

// openSource opens a record's bytes. With stripHeader the detected
// header is skipped so the payload alone streams out.
func (e *Executor) openSource(ctx context.Context, rec scanner.Record, stripHeader bool) (io.ReadCloser, error) {
	var rc io.ReadCloser
	if rec.ArchivePath != "" {
		format, err := archive.Sniff(rec.ArchivePath)
		if err != nil {
			return nil, err
		}
		adapter, ok := e.opts.Registry.For(format)
		if !ok {
			return nil, fmt.Errorf("no adapter for %s", rec.ArchivePath)
		}
		rc, err = adapter.Open(ctx, rec.ArchivePath, archive.Entry{Name: rec.Path, Size: rec.Size})
		if err != nil {
			return nil, err
		}
	} else {
		f, err := e.opts.FS.Open(rec.Path)
		if err != nil {
			return nil, err
		}
		rc = f
	}
	if stripHeader && rec.Header != nil {
		if _, err := io.CopyN(io.Discard, rc, rec.Header.Skip); err != nil {
			rc.Close()
			return nil, fmt.Errorf("skipping header: %w", err)
		}
	}
	return rc, nil
}

func (e *Executor) writeTo(ctx context.Context, act planner.Action, stripHeader bool) error {
	src, err := e.openSource(ctx, act.Record, stripHeader)
	if err != nil {
		return err
	}
	defer src.Close()
	return e.writeStream(act, src)
}

// writeStream writes via a temp file in the destination directory,
// renamed into place on success.
func (e *Executor) writeStream(act planner.Action, src io.Reader) error {
	dir := filepath.Dir(act.Destination)
	if err := e.opts.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(e.opts.FS, dir, ".romforge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		e.opts.FS.Remove(tmpName)
		return err
	}
	if err := e.opts.FS.Rename(tmpName, act.Destination); err != nil {
		e.opts.FS.Remove(tmpName)
		return err
	}
	e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseWrite, BytesDone: written, Total: written})
	return nil
}

func (e *Executor) copyAction(ctx context.Context, act planner.Action, stripHeader bool) error {
	return e.writeTo(ctx, act, stripHeader)
}

func (e *Executor) moveAction(ctx context.Context, act planner.Action) error {
	if err := e.writeTo(ctx, act, false); err != nil {
		return err
	}
	// Archive-sourced moves leave the archive untouched.
	if act.Record.ArchivePath != "" {
		return nil
	}
	return e.opts.FS.Remove(act.Record.Path)
}

func (e *Executor) linkAction(ctx context.Context, act planner.Action) error {
	if act.Record.ArchivePath != "" {
		return fmt.Errorf("cannot link into archive entry %s", act.Record.SourceKey())
	}
	if err := e.opts.FS.MkdirAll(filepath.Dir(act.Destination), 0o755); err != nil {
		return err
	}
	switch act.LinkMode {
	case planner.LinkSym:
		return e.symlink(ctx, act)
	case planner.LinkReflink:
		if err := reflink(act.Record.Path, act.Destination); err == nil {
			e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseWrite, Message: "reflinked"})
			return nil
		}
		// Clone unsupported on this filesystem; fall back to a copy.
		return e.writeTo(ctx, act, false)
	default:
		if err := os.Link(act.Record.Path, act.Destination); err != nil {
			return err
		}
		e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseWrite, Message: "hardlinked"})
		return nil
	}
}

func (e *Executor) symlink(ctx context.Context, act planner.Action) error {
	target, err := filepath.Abs(act.Record.Path)
	if err != nil {
		return err
	}
	if linker, ok := e.opts.FS.(afero.Linker); ok {
		if err := linker.SymlinkIfPossible(target, act.Destination); err == nil {
			e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseWrite, Message: "symlinked"})
			return nil
		}
	}
	return e.writeTo(ctx, act, false)
}

func (e *Executor) extractAction(ctx context.Context, act planner.Action) error {
	strip := act.Record.Header != nil && !e.opts.PreserveHeaders
	return e.writeTo(ctx, act, strip)
}

func (e *Executor) zipAction(ctx context.Context, act planner.Action) error {
	members := make([]torrentzip.Member, 0, len(act.Members))
	for _, m := range act.Members {
		rec := m.Record
		members = append(members, torrentzip.Member{
			Name: m.Name,
			Size: rec.Size,
			Open: func() (io.ReadCloser, error) {
				return e.openSource(ctx, rec, false)
			},
		})
	}
	if err := e.opts.FS.MkdirAll(filepath.Dir(act.Destination), 0o755); err != nil {
		return err
	}
	if err := torrentzip.WriteFile(act.Destination, members); err != nil {
		return err
	}
	e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseWrite, Message: fmt.Sprintf("%d members", len(members))})
	return nil
}

func (e *Executor) patchAction(ctx context.Context, act planner.Action) error {
	src, err := e.openSource(ctx, act.Record, false)
	if err != nil {
		return err
	}
	source, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return err
	}
	patchData, err := afero.ReadFile(e.opts.FS, act.PatchPath)
	if err != nil {
		return err
	}
	patched, err := patch.Apply(source, patchData)
	if err != nil {
		return err
	}
	return e.writeStream(act, bytes.NewReader(patched))
}

// testAction re-reads the destination and checks it against the
// planned digest. Zip targets verify each member's stored CRC.
func (e *Executor) testAction(act planner.Action) error {
	if strings.EqualFold(filepath.Ext(act.Destination), ".zip") {
		return verifyZip(act.Destination)
	}
	f, err := e.opts.FS.Open(act.Destination)
	if err != nil {
		return err
	}
	defer f.Close()
	if act.Digest == "" {
		return nil
	}
	set, _, err := digest.New().Sum(f, digest.Algos(digest.SHA256), 0)
	if err != nil {
		return err
	}
	if set.SHA256 != act.Digest {
		return fmt.Errorf("%w: sha256 %s != %s", ErrVerifyFailed, set.SHA256, act.Digest)
	}
	return nil
}

func verifyZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVerifyFailed, f.Name, err)
		}
		// Reading to EOF validates the stored CRC.
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVerifyFailed, f.Name, err)
		}
	}
	return nil
}

func (e *Executor) playlistAction(act planner.Action) error {
	dir := filepath.Dir(act.Destination)
	if err := e.opts.FS.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	for _, entry := range act.Entries {
		rel, err := filepath.Rel(dir, entry)
		if err != nil {
			rel = entry
		}
		sb.WriteString(filepath.ToSlash(rel))
		sb.WriteByte('\n')
	}
	return afero.WriteFile(e.opts.FS, act.Destination, []byte(sb.String()), 0o644)
}

func (e *Executor) cleanAction(act planner.Action) error {
	if e.opts.OutputRoot != "" {
		root := filepath.Clean(e.opts.OutputRoot)
		target := filepath.Clean(act.Destination)
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("refusing to delete %s outside output root", act.Destination)
		}
	}
	if err := e.opts.FS.Remove(act.Destination); err != nil {
		return err
	}
	e.publish(progress.Event{Path: act.Destination, Phase: progress.PhaseCleanup, Message: "deleted"})
	if e.opts.OutputRoot != "" {
		e.pruneEmptyDirs(filepath.Dir(act.Destination))
	}
	return nil
}

// pruneEmptyDirs removes now-empty parents of a deleted path, walking
// upward until it reaches the output root or a directory that still
// has contents.
func (e *Executor) pruneEmptyDirs(dir string) {
	root := filepath.Clean(e.opts.OutputRoot)
	for dir = filepath.Clean(dir); dir != root; dir = filepath.Dir(dir) {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		entries, err := afero.ReadDir(e.opts.FS, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := e.opts.FS.Remove(dir); err != nil {
			return
		}
	}
}

func (e *Executor) publish(ev progress.Event) {
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(ev)
	}
}
