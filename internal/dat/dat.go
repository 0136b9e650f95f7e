// Package dat parses Logiqx catalog documents and indexes their
// entries for digest and name matching.
package dat

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// ErrNoCatalogs is returned when no catalog file could be parsed.
var ErrNoCatalogs = errors.New("dat: no usable catalogs")

// ROM is one member of a catalog game. Digests are lowercase hex;
// Size is -1 when the catalog does not publish it.
type ROM struct {
	Name   string
	Size   int64
	CRC32  string
	MD5    string
	SHA1   string
	SHA256 string
	Status string
	// GameIndex points back into the owning document's game arena.
	GameIndex int
}

// BadDump reports whether the catalog marks this ROM as a bad dump.
func (r ROM) BadDump() bool { return r.Status == "baddump" }

// Game is one catalog entry with its parsed name tags.
type Game struct {
	Name        string
	Description string
	Category    string
	IsBIOS      bool
	IsDevice    bool
	CloneOf     string
	Tags        Tags
	// ROMs indexes into the owning document's ROM arena.
	ROMs []int
}

// Document is one parsed catalog file. Games and ROMs live in flat
// arenas; cross references are integer indices so the structure is
// shareable read-only.
type Document struct {
	Path        string
	Name        string
	Description string
	Games       []Game
	ROMs        []ROM
}

// Parse reads a Logiqx XML catalog from r.
func Parse(r io.Reader, path string) (*Document, error) {
	doc := &Document{Path: path}
	dec := xml.NewDecoder(r)
	// Some catalogs in the wild declare legacy encodings.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		inHeader  bool
		game      *Game
		gameIndex int
		textDst   *string
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "header":
				inHeader = true
			case "name":
				if inHeader && game == nil {
					textDst = &doc.Name
				}
			case "description":
				if inHeader && game == nil {
					textDst = &doc.Description
				} else if game != nil {
					textDst = &game.Description
				}
			case "category":
				if game != nil {
					textDst = &game.Category
				}
			case "game", "machine":
				g := Game{}
				for _, a := range el.Attr {
					switch a.Name.Local {
					case "name":
						g.Name = a.Value
					case "isbios":
						g.IsBIOS = a.Value == "yes"
					case "isdevice":
						g.IsDevice = a.Value == "yes"
					case "cloneof":
						g.CloneOf = a.Value
					}
				}
				g.Tags = ParseTags(g.Name)
				if strings.Contains(strings.ToUpper(g.Name), "[BIOS]") {
					g.IsBIOS = true
				}
				doc.Games = append(doc.Games, g)
				gameIndex = len(doc.Games) - 1
				game = &doc.Games[gameIndex]
			case "rom":
				if game == nil {
					continue
				}
				rom := ROM{Size: -1, GameIndex: gameIndex}
				for _, a := range el.Attr {
					switch strings.ToLower(a.Name.Local) {
					case "name":
						rom.Name = a.Value
					case "size":
						if n, err := strconv.ParseInt(a.Value, 10, 64); err == nil {
							rom.Size = n
						}
					case "crc":
						rom.CRC32 = strings.ToLower(a.Value)
					case "md5":
						rom.MD5 = strings.ToLower(a.Value)
					case "sha1":
						rom.SHA1 = strings.ToLower(a.Value)
					case "sha256":
						rom.SHA256 = strings.ToLower(a.Value)
					case "status":
						rom.Status = a.Value
					}
				}
				doc.ROMs = append(doc.ROMs, rom)
				game.ROMs = append(game.ROMs, len(doc.ROMs)-1)
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "header":
				inHeader = false
			case "game", "machine":
				game = nil
			}
			textDst = nil
		case xml.CharData:
			if textDst != nil {
				*textDst += string(el)
			}
		}
	}

	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(doc.Games) == 0 {
		return nil, fmt.Errorf("parsing catalog %s: no game entries", path)
	}
	return doc, nil
}

// ParseFile parses the catalog at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Load expands the given paths and globs and parses all catalogs in
// parallel. Unparseable catalogs are skipped with a warning; when none
// remain ErrNoCatalogs is returned.
func Load(ctx context.Context, patterns []string, workers int) ([]*Document, error) {
	log := slog.Default().With("component", "catalog")

	var paths []string
	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			matches, err := filepath.Glob(pattern)
			if err != nil || len(matches) == 0 {
				log.Warn("catalog glob matched nothing", "pattern", pattern)
				continue
			}
			paths = append(paths, matches...)
			continue
		}
		info, err := os.Stat(pattern)
		if err != nil {
			log.Warn("catalog path not found", "path", pattern, "error", err)
			continue
		}
		if info.IsDir() {
			filepath.WalkDir(pattern, func(p string, d os.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					paths = append(paths, p)
				}
				return nil
			})
			continue
		}
		paths = append(paths, pattern)
	}

	if workers < 1 {
		workers = 1
	}
	var (
		mu   sync.Mutex
		docs []*Document
	)
	p := pool.New().WithMaxGoroutines(workers)
	for _, path := range paths {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			doc, err := ParseFile(path)
			if err != nil {
				log.Warn("skipping unparseable catalog", "path", path, "error", err)
				return
			}
			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
		})
	}
	p.Wait()

	if len(docs) == 0 {
		return nil, ErrNoCatalogs
	}
	return docs, nil
}
