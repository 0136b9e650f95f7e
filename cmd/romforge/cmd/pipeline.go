package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/javi11/romforge/internal/archive"
	"github.com/javi11/romforge/internal/cache"
	"github.com/javi11/romforge/internal/config"
	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/enrich"
	"github.com/javi11/romforge/internal/executor"
	"github.com/javi11/romforge/internal/headers"
	"github.com/javi11/romforge/internal/matcher"
	"github.com/javi11/romforge/internal/planner"
	"github.com/javi11/romforge/internal/progress"
	"github.com/javi11/romforge/internal/report"
	"github.com/javi11/romforge/internal/scanner"
	"github.com/javi11/romforge/internal/selector"
	"github.com/javi11/romforge/internal/tokens"
)

const (
	hasheousBase = "https://hasheous.org/api/v1/Lookup/ByHash"
	igdbBase     = "https://api.igdb.com/v4/games"
)

var errActionsFailed = errors.New("one or more actions failed")

func setupLogging(cfg *config.Config) {
	level := slog.LevelWarn
	switch {
	case cfg.Verbosity >= 2:
		level = slog.LevelDebug
	case cfg.Verbosity == 1:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func run(ctx context.Context, cfg *config.Config) error {
	log := slog.Default().With("component", "cli")

	commands, err := planner.ParseCommands(cfg.Commands)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	diag := report.NewDiag(diagConfig(cfg))

	var store *cache.Store
	if cfg.CacheDB != "" {
		store, err = cache.Open(ctx, cfg.CacheDB)
		if err != nil {
			if cfg.CacheOnly {
				return fmt.Errorf("%w: cache-only needs a working cache: %v", config.ErrConfig, err)
			}
			log.Warn("cache disabled", "path", cfg.CacheDB, "error", err)
			diag.Warn("cache disabled: %v", err)
			store = nil
		} else {
			defer store.Close()
		}
	} else if cfg.CacheOnly {
		return fmt.Errorf("%w: cache-only needs --cache-db", config.ErrConfig)
	}

	var docs []*dat.Document
	if len(cfg.Catalogs) > 0 {
		if err := diag.Phase("catalogs", func() error {
			var loadErr error
			docs, loadErr = dat.Load(ctx, cfg.Catalogs, cfg.ScanThreads)
			return loadErr
		}); err != nil {
			return err
		}
	} else if needsCatalogs(commands) {
		return dat.ErrNoCatalogs
	}
	idx := dat.NewIndex(docs)

	headerTable, err := headers.Load()
	if err != nil {
		log.Warn("header detection disabled", "error", err)
		diag.Warn("header detection disabled: %v", err)
		headerTable = nil
	}

	ptable, err := tokens.DefaultPlatformTable()
	if err != nil {
		return err
	}
	resolver, err := tokens.NewResolver(ptable)
	if err != nil {
		return err
	}

	registry := archive.NewRegistry()

	var sink progress.Sink
	if !cfg.Quiet {
		sink = progress.NewWriterSink(os.Stderr)
	}
	bus := progress.NewBus(sink)
	defer bus.Close()

	var records []scanner.Record
	err = diag.Phase("scan", func() error {
		sc := scanner.New(scanner.Options{
			Roots:       cfg.Inputs,
			Algos:       cfg.Algos,
			ScanThreads: cfg.ScanThreads,
			HashThreads: cfg.HashThreads,
			Headers:     headerTable,
			Cache:       store,
			Registry:    registry,
		})
		for rec := range sc.Scan(ctx) {
			records = append(records, rec)
			bus.Publish(progress.Event{Path: rec.SourceKey(), Phase: progress.PhaseScan})
		}
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	log.Info("scan complete", "records", len(records))

	builder := report.NewBuilder(idx)
	var cands []selector.Candidate
	var unmatched []scanner.Record
	diag.Phase("match", func() error {
		m := matcher.New(idx)
		for _, rec := range records {
			matches := m.Match(rec)
			builder.RecordMatches(rec, matches)
			if len(matches) == 0 {
				unmatched = append(unmatched, rec)
				continue
			}
			for _, match := range matches {
				cands = append(cands, selector.Candidate{Match: match})
			}
		}
		return nil
	})

	if cfg.EnableHasheous || nameLookupOn(cfg) {
		err = diag.Phase("enrich", func() error {
			return enrichUnmatched(ctx, cfg, store, ptable, unmatched, bus, diag)
		})
		if err != nil {
			return err
		}
	}

	var selected []selector.Candidate
	diag.Phase("select", func() error {
		sel := selector.New(idx, selector.Filters{
			Include:      cfg.IncludeRE,
			Exclude:      cfg.ExcludeRE,
			BIOSOnly:     cfg.BIOSOnly,
			DeviceOnly:   cfg.DeviceOnly,
			NoUnlicensed: cfg.NoUnlicensed,
			NoBadDumps:   cfg.NoBadDumps,
			OnlyRetail:   cfg.OnlyRetail,
		}, selector.Preferences{
			Regions:        cfg.Regions,
			Languages:      cfg.Languages,
			PreferVerified: cfg.PreferVerified,
			Revisions:      revisionOrder(cfg.Revisions),
			Single:         cfg.Single,
		})
		selected = sel.Select(cands)
		return nil
	})

	patches, err := discoverPatches(cfg)
	if err != nil {
		return err
	}

	var plan *planner.Plan
	err = diag.Phase("plan", func() error {
		pb := planner.NewBuilder(idx, planner.Options{
			OutputRoot:     cfg.Output,
			Commands:       commands,
			LinkMode:       planner.LinkMode(cfg.LinkMode),
			Resolver:       resolver,
			Table:          ptable,
			Patches:        patches,
			ReportPath:     cfg.ReportPath,
			CatalogPath:    cfg.CatalogPath,
			DirLetter:      cfg.DirLetter,
			CleanProtected: cfg.CleanProtected,
		})
		plan, err = pb.Build(selected)
		return err
	})
	if err != nil {
		return err
	}
	for _, w := range plan.Warnings {
		log.Warn(w)
		diag.Warn("%s", w)
	}
	for _, c := range plan.Conflicts {
		log.Warn("destination collision", "destination", c.Destination, "winner", c.Winner, "loser", c.Loser)
	}

	if cfg.PrintPlan {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			return fmt.Errorf("encoding plan: %w", err)
		}
		return writeDiag(cfg, diag)
	}

	if root := staticOutputRoot(cfg.Output); root != "" {
		if err := ensureWritable(root); err != nil {
			return fmt.Errorf("%w: output root %s: %v", config.ErrConfig, root, err)
		}
	}
	for _, check := range []struct{ path, kind string }{
		{cfg.ReportPath, "report"},
		{cfg.CatalogPath, "catalog"},
		{cfg.DiagPath, "diagnostics"},
	} {
		if check.path == "" {
			continue
		}
		if err := ensureWritable(filepath.Dir(check.path)); err != nil {
			return fmt.Errorf("%w: %s path %s: %v", config.ErrConfig, check.kind, check.path, err)
		}
	}

	reportEmitted := false
	var res executor.Result
	err = diag.Phase("execute", func() error {
		exec := executor.New(executor.Options{
			Registry:   registry,
			Bus:        bus,
			OutputRoot: staticOutputRoot(cfg.Output),
			EmitReport: func(path, format string) error {
				reportEmitted = true
				return writeReport(builder, path)
			},
			EmitCatalog: func(path, kind, format string) error {
				return writeCatalog(builder, records, path, kind, format)
			},
		})
		res = exec.Execute(ctx, plan)
		return nil
	})
	if err != nil {
		return err
	}

	for _, f := range res.Failed {
		log.Error("action failed", "kind", f.Action.Kind, "destination", f.Action.Destination, "error", f.Err)
	}
	builder.SetActionCounts(len(plan.Actions), len(res.Failed))
	if reportEmitted {
		// Rewrite with the final action counts.
		if err := writeReport(builder, cfg.ReportPath); err != nil {
			return err
		}
	}

	if err := writeDiag(cfg, diag); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return errActionsFailed
	}
	return nil
}

func enrichUnmatched(ctx context.Context, cfg *config.Config, store *cache.Store, ptable *tokens.PlatformTable, unmatched []scanner.Record, bus *progress.Bus, diag *report.Diag) error {
	log := slog.Default().With("component", "cli")

	opts := enrich.Options{
		ClientID:  cfg.IGDBClientID,
		Token:     cfg.IGDBToken,
		CacheOnly: cfg.CacheOnly,
		Cache:     store,
	}
	if cfg.EnableHasheous {
		opts.ChecksumBase = hasheousBase
	}
	if nameLookupOn(cfg) {
		opts.NameBase = igdbBase
	}
	enr := enrich.New(opts)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range unmatched {
		g.Go(func() error {
			bus.Publish(progress.Event{Path: rec.SourceKey(), Phase: progress.PhaseEnrich})

			meta, err := enr.ByChecksum(ctx, rec.Digests)
			if err == nil && nameLookupOn(cfg) && meta == nil {
				platform := ptable.Infer("", rec.Path)
				meta, err = enr.ByName(ctx, rec.Digests.SHA256, filepath.Base(rec.Path), platform)
			}
			switch {
			case err == nil:
				if meta != nil && meta.Title != "" {
					log.Info("enriched", "source", rec.SourceKey(), "title", meta.Title)
				}
			case cfg.IGDBMode == config.IGDBAlways:
				return fmt.Errorf("enriching %s: %w", rec.SourceKey(), err)
			case errors.Is(err, enrich.ErrCacheMiss):
				log.Warn(enrich.ErrCacheMiss.Error(), "source", rec.SourceKey())
				diag.Warn("%s: %s", rec.SourceKey(), enrich.ErrCacheMiss)
			default:
				log.Warn("enrichment failed", "source", rec.SourceKey(), "error", err)
				diag.Warn("enrichment failed for %s: %v", rec.SourceKey(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func nameLookupOn(cfg *config.Config) bool {
	return cfg.IGDBMode == config.IGDBBestEffort || cfg.IGDBMode == config.IGDBAlways
}

func needsCatalogs(commands []planner.Command) bool {
	for _, c := range commands {
		if c != planner.CommandDir2DAT {
			return true
		}
	}
	return false
}

func revisionOrder(name string) selector.RevisionOrder {
	if name == "oldest" {
		return selector.PreferOldest
	}
	return selector.PreferNewest
}

// discoverPatches expands the patch globs into a map keyed by the
// patch file's normalized stem, minus anything the exclude globs hit.
func discoverPatches(cfg *config.Config) (map[string]string, error) {
	if len(cfg.Patches) == 0 {
		return nil, nil
	}
	var paths []string
	for _, pattern := range cfg.Patches {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: patch pattern %q: %v", config.ErrConfig, pattern, err)
		}
		if matches == nil {
			info, err := os.Stat(pattern)
			if err != nil || info.IsDir() {
				continue
			}
			matches = []string{pattern}
		}
		paths = append(paths, matches...)
	}

	out := make(map[string]string)
	for _, p := range paths {
		if excludedPatch(cfg.PatchExclude, p) {
			continue
		}
		base := filepath.Base(p)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		out[dat.NormalizeKey(stem)] = p
	}
	return out, nil
}

func excludedPatch(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// staticOutputRoot is the template prefix before the first token,
// trimmed to a whole path segment. Clean deletions are bounded to it.
func staticOutputRoot(template string) string {
	cut := strings.IndexByte(template, '{')
	if cut < 0 {
		return template
	}
	prefix := template[:cut]
	if i := strings.LastIndexAny(prefix, `/\`); i >= 0 {
		return prefix[:i]
	}
	return ""
}

// ensureWritable creates dir when missing and proves a file can be
// created inside it before any actions run.
func ensureWritable(dir string) error {
	if dir == "" || dir == "." {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".romforge-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func writeReport(b *report.Builder, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	defer f.Close()
	if err := b.Build().WriteJSON(f); err != nil {
		return err
	}
	return f.Close()
}

func writeCatalog(b *report.Builder, records []scanner.Record, path, kind, format string) error {
	var doc *dat.Document
	switch kind {
	case "dir2dat":
		doc = report.Dir2DAT("romforge", records)
	case "fixdat":
		doc = b.FixDAT("fixdat")
	default:
		return fmt.Errorf("unknown catalog kind %q", kind)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating catalog: %w", err)
	}
	defer f.Close()
	if format == "json" {
		err = dat.WriteJSON(f, doc, version)
	} else {
		err = dat.WriteLogiqx(f, doc, version)
	}
	if err != nil {
		return err
	}
	return f.Close()
}

func writeDiag(cfg *config.Config, diag *report.Diag) error {
	if cfg.DiagPath == "" {
		return nil
	}
	f, err := os.Create(cfg.DiagPath)
	if err != nil {
		return fmt.Errorf("creating diagnostics: %w", err)
	}
	defer f.Close()
	if err := diag.WriteJSON(f); err != nil {
		return err
	}
	return f.Close()
}

// diagConfig is the config snapshot embedded in diagnostics, with
// credentials removed.
func diagConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"inputs":    cfg.Inputs,
		"catalogs":  cfg.Catalogs,
		"output":    cfg.Output,
		"commands":  cfg.Commands,
		"link_mode": cfg.LinkMode,
		"single":    cfg.Single,
		"regions":   cfg.Regions,
		"languages": cfg.Languages,
	}
}
