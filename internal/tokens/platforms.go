package tokens

import (
	_ "embed"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed platforms.yaml
var platformsYAML []byte

type platformRule struct {
	re       *regexp.Regexp
	platform string
}

// PlatformTable routes files to platform slugs and frontend folder
// names. The built-in table ships embedded; LoadPlatformTable accepts
// a user override in the same format.
type PlatformTable struct {
	rules      []platformRule
	extensions map[string]string
	profiles   map[string]map[string]string
}

type platformsFile struct {
	Version     int `yaml:"version"`
	DATPatterns []struct {
		Pattern  string `yaml:"pattern"`
		Platform string `yaml:"platform"`
	} `yaml:"datPatterns"`
	Extensions map[string]string            `yaml:"extensions"`
	Profiles   map[string]map[string]string `yaml:"profiles"`
}

// DefaultPlatformTable parses the embedded routing table.
func DefaultPlatformTable() (*PlatformTable, error) {
	return LoadPlatformTable(platformsYAML)
}

// LoadPlatformTable parses a routing table document.
func LoadPlatformTable(data []byte) (*PlatformTable, error) {
	var raw platformsFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing platform table: %w", err)
	}
	t := &PlatformTable{
		extensions: make(map[string]string, len(raw.Extensions)),
		profiles:   make(map[string]map[string]string, len(raw.Profiles)),
	}
	for _, p := range raw.DATPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling platform pattern %q: %w", p.Pattern, err)
		}
		t.rules = append(t.rules, platformRule{re: re, platform: p.Platform})
	}
	for ext, slug := range raw.Extensions {
		t.extensions[strings.ToLower(ext)] = slug
	}
	for name, m := range raw.Profiles {
		t.profiles[name] = m
	}
	return t, nil
}

// Infer resolves the platform slug for a file: the catalog name is
// probed against the pattern list in order, then the file extension
// against the extension map. Empty when neither hits.
func (t *PlatformTable) Infer(datName, fileName string) string {
	if datName != "" {
		for _, r := range t.rules {
			if r.re.MatchString(datName) {
				return r.platform
			}
		}
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext != "" {
		if slug, ok := t.extensions[ext]; ok {
			return slug
		}
	}
	return ""
}

// ProfileDir maps a platform slug into a frontend's folder name.
// Slugs missing from the profile map pass through unchanged; unknown
// profiles also pass the slug through.
func (t *PlatformTable) ProfileDir(profile, platform string) string {
	m, ok := t.profiles[profile]
	if !ok {
		return platform
	}
	if dir, ok := m[platform]; ok {
		return dir
	}
	return platform
}

// Profiles lists the known profile names.
func (t *PlatformTable) Profiles() []string {
	names := make([]string, 0, len(t.profiles))
	for name := range t.profiles {
		names = append(names, name)
	}
	return names
}
