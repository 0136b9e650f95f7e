// Package cmd wires the command line surface to the pipeline.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javi11/romforge/internal/config"
	"github.com/javi11/romforge/internal/dat"
)

var (
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "romforge [commands...]",
	Short: "Organize ROM collections against DAT catalogs",
	Long: `romforge scans input files, matches them against DAT catalogs,
and executes the given commands (copy, move, link, extract, zip,
playlist, test, dir2dat, fixdat, clean, report) into the output tree.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	def := config.Defaults()
	flags := rootCmd.Flags()

	flags.StringVar(&configFile, "config", "", "YAML config file")

	flags.StringSliceP("input", "i", nil, "input path or glob (repeatable)")
	flags.StringSliceP("dat", "d", nil, "catalog path or glob (repeatable)")
	flags.StringP("output", "o", "", "output path template")
	flags.String("link-mode", def.LinkMode, "link mode: hard, symbolic, reflink")

	flags.String("include", "", "only process entries matching this pattern")
	flags.String("exclude", "", "drop entries matching this pattern")
	flags.Bool("bios-only", false, "keep only BIOS entries")
	flags.Bool("device-only", false, "keep only device entries")
	flags.Bool("no-unlicensed", false, "drop unlicensed releases")
	flags.Bool("no-bad-dumps", false, "drop bad dumps")
	flags.Bool("only-retail", false, "drop betas, protos, and hacks")

	flags.StringSlice("regions", nil, "preferred regions, strongest first")
	flags.StringSlice("languages", nil, "preferred languages, strongest first")
	flags.Bool("prefer-verified", false, "rank verified dumps first")
	flags.String("revisions", def.Revisions, "revision preference: newest, oldest")
	flags.Bool("single", false, "keep one game per canonical title")

	flags.Int("hash-threads", def.HashThreads, "concurrent hashers")
	flags.Int("scan-threads", def.ScanThreads, "concurrent directory walkers")
	flags.String("checksum-min", def.ChecksumMin, "weakest checksum to compute")
	flags.String("checksum-max", def.ChecksumMax, "strongest checksum to compute")

	flags.String("cache-db", "", "checksum cache database path")
	flags.Bool("cache-only", false, "never touch the network; serve lookups from cache")

	flags.Bool("enable-hasheous", false, "look up unmatched files by checksum")
	flags.String("igdb-client-id", "", "name lookup client id")
	flags.String("igdb-token", "", "name lookup token")
	flags.String("igdb-mode", string(def.IGDBMode), "name lookup mode: best-effort, always, off")

	flags.StringSlice("patch", nil, "patch file or glob (repeatable)")
	flags.StringSlice("patch-exclude", nil, "patch glob to skip (repeatable)")

	flags.Bool("dir-letter", false, "group outputs under a first-letter directory")
	flags.StringSlice("clean-protected", nil, "path prefix clean must never delete (repeatable)")

	flags.String("report-path", def.ReportPath, "report destination")
	flags.String("catalog-path", def.CatalogPath, "dir2dat/fixdat destination")
	flags.String("diag", "", "write run diagnostics to this path")
	flags.Bool("print-plan", false, "print the plan as JSON and exit without executing")

	flags.CountP("verbose", "v", "increase log verbosity")
	flags.BoolP("quiet", "q", false, "suppress progress output")
	flags.String("log-file", "", "append logs to this file with rotation")

	for key, flag := range map[string]string{
		"inputs":          "input",
		"catalogs":        "dat",
		"output":          "output",
		"link_mode":       "link-mode",
		"include":         "include",
		"exclude":         "exclude",
		"bios_only":       "bios-only",
		"device_only":     "device-only",
		"no_unlicensed":   "no-unlicensed",
		"no_bad_dumps":    "no-bad-dumps",
		"only_retail":     "only-retail",
		"regions":         "regions",
		"languages":       "languages",
		"prefer_verified": "prefer-verified",
		"revisions":       "revisions",
		"single":          "single",
		"hash_threads":    "hash-threads",
		"scan_threads":    "scan-threads",
		"checksum_min":    "checksum-min",
		"checksum_max":    "checksum-max",
		"cache_db":        "cache-db",
		"cache_only":      "cache-only",
		"enable_hasheous": "enable-hasheous",
		"igdb_client_id":  "igdb-client-id",
		"igdb_token":      "igdb-token",
		"igdb_mode":       "igdb-mode",
		"patches":         "patch",
		"patch_exclude":   "patch-exclude",
		"dir_letter":      "dir-letter",
		"clean_protected": "clean-protected",
		"report_path":     "report-path",
		"catalog_path":    "catalog-path",
		"diag_path":       "diag",
		"print_plan":      "print-plan",
		"verbosity":       "verbose",
		"quiet":           "quiet",
		"log_file":        "log-file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// Execute runs the root command and maps errors to exit codes:
// 0 success, 1 action or runtime failure, 2 configuration error,
// 3 no usable catalogs.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "romforge:", err)
	switch {
	case errors.Is(err, config.ErrConfig):
		return 2
	case errors.Is(err, dat.ErrNoCatalogs):
		return 3
	default:
		return 1
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.Commands = args
	}
	if cfg.IGDBClientID == "" || cfg.IGDBToken == "" {
		creds, err := config.LoadCredentials()
		if err == nil {
			if cfg.IGDBClientID == "" {
				cfg.IGDBClientID = creds.ClientID
			}
			if cfg.IGDBToken == "" {
				cfg.IGDBToken = creds.Token
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)
	return run(cmd.Context(), cfg)
}
