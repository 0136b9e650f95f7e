// Package config carries the run configuration: CLI flags merged over
// an optional YAML file, validated once before the pipeline starts.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/javi11/romforge/internal/digest"
)

// ErrConfig marks configuration errors; the CLI maps it to exit
// code 2.
var ErrConfig = errors.New("configuration error")

// IGDBMode controls when the name-lookup service is queried.
type IGDBMode string

const (
	IGDBBestEffort IGDBMode = "best-effort"
	IGDBAlways     IGDBMode = "always"
	IGDBOff        IGDBMode = "off"
)

// Config is the validated run configuration.
type Config struct {
	Inputs   []string `mapstructure:"inputs"`
	Catalogs []string `mapstructure:"catalogs"`
	Output   string   `mapstructure:"output"`
	Commands []string `mapstructure:"commands"`

	LinkMode string `mapstructure:"link_mode"`

	Include      string `mapstructure:"include"`
	Exclude      string `mapstructure:"exclude"`
	BIOSOnly     bool   `mapstructure:"bios_only"`
	DeviceOnly   bool   `mapstructure:"device_only"`
	NoUnlicensed bool   `mapstructure:"no_unlicensed"`
	NoBadDumps   bool   `mapstructure:"no_bad_dumps"`
	OnlyRetail   bool   `mapstructure:"only_retail"`

	Regions        []string `mapstructure:"regions"`
	Languages      []string `mapstructure:"languages"`
	PreferVerified bool     `mapstructure:"prefer_verified"`
	Revisions      string   `mapstructure:"revisions"`
	Single         bool     `mapstructure:"single"`

	HashThreads int    `mapstructure:"hash_threads"`
	ScanThreads int    `mapstructure:"scan_threads"`
	ChecksumMin string `mapstructure:"checksum_min"`
	ChecksumMax string `mapstructure:"checksum_max"`

	CacheDB   string `mapstructure:"cache_db"`
	CacheOnly bool   `mapstructure:"cache_only"`

	EnableHasheous bool     `mapstructure:"enable_hasheous"`
	IGDBClientID   string   `mapstructure:"igdb_client_id"`
	IGDBToken      string   `mapstructure:"igdb_token"`
	IGDBMode       IGDBMode `mapstructure:"igdb_mode"`

	Patches      []string `mapstructure:"patches"`
	PatchExclude []string `mapstructure:"patch_exclude"`

	DirLetter      bool     `mapstructure:"dir_letter"`
	CleanProtected []string `mapstructure:"clean_protected"`

	ReportPath  string `mapstructure:"report_path"`
	CatalogPath string `mapstructure:"catalog_path"`
	DiagPath    string `mapstructure:"diag_path"`
	PrintPlan   bool   `mapstructure:"print_plan"`

	Verbosity int    `mapstructure:"verbosity"`
	Quiet     bool   `mapstructure:"quiet"`
	LogFile   string `mapstructure:"log_file"`

	// Compiled during validation.
	IncludeRE *regexp.Regexp `mapstructure:"-"`
	ExcludeRE *regexp.Regexp `mapstructure:"-"`
	Algos     digest.Algos   `mapstructure:"-"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		LinkMode:    "hard",
		Revisions:   "newest",
		HashThreads: runtime.NumCPU(),
		ScanThreads: 2,
		ChecksumMin: "crc32",
		ChecksumMax: "sha256",
		IGDBMode:    IGDBOff,
		ReportPath:  "romforge-report.json",
		CatalogPath: "romforge.dat",
	}
}

// Load merges an optional YAML file under the already-bound flag
// values in v and returns the decoded config. Flags win.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, file, err)
		}
	}
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &cfg, nil
}

// Validate checks the configuration and compiles derived fields.
func (c *Config) Validate() error {
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: at least one input path is required", ErrConfig)
	}
	if len(c.Commands) == 0 {
		return fmt.Errorf("%w: at least one command is required", ErrConfig)
	}
	switch c.LinkMode {
	case "hard", "symbolic", "reflink":
	default:
		return fmt.Errorf("%w: link mode %q is not one of hard, symbolic, reflink", ErrConfig, c.LinkMode)
	}
	switch c.Revisions {
	case "newest", "oldest":
	default:
		return fmt.Errorf("%w: revisions %q is not one of newest, oldest", ErrConfig, c.Revisions)
	}
	switch c.IGDBMode {
	case IGDBBestEffort, IGDBAlways, IGDBOff, "":
	default:
		return fmt.Errorf("%w: igdb mode %q is not one of best-effort, always, off", ErrConfig, c.IGDBMode)
	}
	if c.IGDBMode != IGDBOff && c.IGDBMode != "" {
		if c.IGDBClientID == "" || c.IGDBToken == "" {
			return fmt.Errorf("%w: igdb mode %s requires client id and token (run `romforge auth`)", ErrConfig, c.IGDBMode)
		}
	}
	if c.HashThreads < 1 {
		c.HashThreads = 1
	}
	if c.ScanThreads < 1 {
		c.ScanThreads = 1
	}

	if c.Include != "" {
		re, err := regexp.Compile(c.Include)
		if err != nil {
			return fmt.Errorf("%w: include pattern: %v", ErrConfig, err)
		}
		c.IncludeRE = re
	}
	if c.Exclude != "" {
		re, err := regexp.Compile(c.Exclude)
		if err != nil {
			return fmt.Errorf("%w: exclude pattern: %v", ErrConfig, err)
		}
		c.ExcludeRE = re
	}

	minAlgo, err := digest.ParseAlgo(c.ChecksumMin)
	if err != nil {
		return fmt.Errorf("%w: checksum-min: %v", ErrConfig, err)
	}
	maxAlgo, err := digest.ParseAlgo(c.ChecksumMax)
	if err != nil {
		return fmt.Errorf("%w: checksum-max: %v", ErrConfig, err)
	}
	c.Algos = digest.Range(minAlgo, maxAlgo)
	if c.Algos == 0 {
		return fmt.Errorf("%w: checksum-min %s exceeds checksum-max %s", ErrConfig, c.ChecksumMin, c.ChecksumMax)
	}

	for i, r := range c.Regions {
		c.Regions[i] = strings.ToUpper(strings.TrimSpace(r))
	}
	for i, l := range c.Languages {
		c.Languages[i] = strings.ToUpper(strings.TrimSpace(l))
	}
	return nil
}
