// Package planner turns selected candidates into an ordered list of
// actions. The emitted plan is deterministic: entries are processed
// in (catalog name, game name) order and candidates in source order,
// so equal inputs always produce byte-identical plan JSON.
package planner

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/afero"

	"github.com/javi11/romforge/internal/dat"
	"github.com/javi11/romforge/internal/patch"
	"github.com/javi11/romforge/internal/scanner"
	"github.com/javi11/romforge/internal/selector"
	"github.com/javi11/romforge/internal/tokens"
)

// Command is one requested verb.
type Command string

const (
	CommandCopy     Command = "copy"
	CommandMove     Command = "move"
	CommandLink     Command = "link"
	CommandExtract  Command = "extract"
	CommandZip      Command = "zip"
	CommandPlaylist Command = "playlist"
	CommandTest     Command = "test"
	CommandDir2DAT  Command = "dir2dat"
	CommandFixDAT   Command = "fixdat"
	CommandClean    Command = "clean"
	CommandReport   Command = "report"
)

// Kind names an action variant.
type Kind string

const (
	KindCopy     Kind = "copy"
	KindMove     Kind = "move"
	KindLink     Kind = "link"
	KindExtract  Kind = "extract"
	KindZipInto  Kind = "zip-into"
	KindPatch    Kind = "patch"
	KindTest     Kind = "test"
	KindReport   Kind = "report"
	KindCatalog  Kind = "catalog"
	KindPlaylist Kind = "playlist"
	KindClean    Kind = "clean-delete"
)

// LinkMode selects how Link actions materialize.
type LinkMode string

const (
	LinkHard    LinkMode = "hard"
	LinkSym     LinkMode = "symbolic"
	LinkReflink LinkMode = "reflink"
)

// Member is one entry of a ZipInto action.
type Member struct {
	Name   string         `json:"name"`
	Source string         `json:"source"`
	Record scanner.Record `json:"-"`
}

// Action is one leaf of the plan.
type Action struct {
	Kind         Kind     `json:"kind"`
	Source       string   `json:"source,omitempty"`
	Destination  string   `json:"destination,omitempty"`
	Digest       string   `json:"digest,omitempty"`
	CatalogEntry string   `json:"catalog_entry,omitempty"`
	LinkMode     LinkMode `json:"link_mode,omitempty"`
	PatchPath    string   `json:"patch_path,omitempty"`
	Format       string   `json:"format,omitempty"`
	CatalogKind  string   `json:"catalog_kind,omitempty"`
	Members      []Member `json:"members,omitempty"`
	Entries      []string `json:"entries,omitempty"`

	Record scanner.Record `json:"-"`
}

// Conflict records a destination collision: the later action was
// demoted to a no-op.
type Conflict struct {
	Destination string `json:"destination"`
	Winner      string `json:"winner"`
	Loser       string `json:"loser"`
}

// Plan is the ordered action list plus its diagnostics.
type Plan struct {
	Actions   []Action   `json:"actions"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Options configures a build.
type Options struct {
	// OutputRoot is a path template over the token grammar. A template
	// without tokens acts as a plain directory root.
	OutputRoot string
	Commands   []Command
	LinkMode   LinkMode
	Resolver   *tokens.Resolver
	Table      *tokens.PlatformTable
	// Patches maps a normalized title to a patch file to apply.
	Patches map[string]string
	// ReportPath, CatalogPath receive the report and dir2dat/fixdat
	// artifacts.
	ReportPath  string
	CatalogPath string
	// DirLetter groups outputs under a single-letter directory.
	DirLetter bool
	// Clean enumeration needs a concrete directory and a filesystem.
	CleanFS        afero.Fs
	CleanProtected []string
}

// Builder assembles plans against one catalog index.
type Builder struct {
	idx  *dat.Index
	opts Options
	log  *slog.Logger
}

// NewBuilder builds a Builder.
func NewBuilder(idx *dat.Index, opts Options) *Builder {
	if opts.LinkMode == "" {
		opts.LinkMode = LinkHard
	}
	if opts.CleanFS == nil {
		opts.CleanFS = afero.NewOsFs()
	}
	return &Builder{idx: idx, opts: opts, log: slog.Default().With("component", "planner")}
}

type resolved struct {
	cand selector.Candidate
	game *dat.Game
	rom  *dat.ROM
	doc  *dat.Document
	dest string
}

// Build produces the plan for the selected candidates.
func (b *Builder) Build(selected []selector.Candidate) (*Plan, error) {
	plan := &Plan{}
	resolvedAll := b.resolveDestinations(selected, plan)

	claimed := make(map[string]string)
	zipGroups := make(map[string][]Member)
	var zipOrder []string

	for _, r := range resolvedAll {
		for _, cmd := range b.opts.Commands {
			switch cmd {
			case CommandCopy, CommandMove, CommandLink, CommandExtract:
				b.appendFileAction(plan, claimed, cmd, r)
			case CommandZip:
				target := zipTarget(r.dest)
				if b.claimMember(plan, claimed, zipGroups, target, r) {
					if _, seen := zipGroups[target]; !seen {
						zipOrder = append(zipOrder, target)
					}
					zipGroups[target] = append(zipGroups[target], Member{
						Name:   path.Base(r.dest),
						Source: r.cand.Match.Record.SourceKey(),
						Record: r.cand.Match.Record,
					})
				}
			case CommandTest:
				// appended after the write set below
			}
		}
	}

	sort.Strings(zipOrder)
	for _, target := range zipOrder {
		members := zipGroups[target]
		sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
		plan.Actions = append(plan.Actions, Action{
			Kind:        KindZipInto,
			Destination: target,
			Members:     members,
		})
	}

	if hasCommand(b.opts.Commands, CommandPlaylist) {
		b.appendPlaylists(plan, resolvedAll)
	}
	if hasCommand(b.opts.Commands, CommandTest) {
		for _, a := range writeActions(plan.Actions) {
			plan.Actions = append(plan.Actions, Action{Kind: KindTest, Destination: a.Destination, Digest: a.Digest})
		}
	}
	if hasCommand(b.opts.Commands, CommandDir2DAT) {
		plan.Actions = append(plan.Actions, Action{Kind: KindCatalog, Destination: b.opts.CatalogPath, CatalogKind: "dir2dat", Format: "xml"})
	}
	if hasCommand(b.opts.Commands, CommandFixDAT) {
		plan.Actions = append(plan.Actions, Action{Kind: KindCatalog, Destination: b.opts.CatalogPath, CatalogKind: "fixdat", Format: "xml"})
	}
	if hasCommand(b.opts.Commands, CommandReport) {
		plan.Actions = append(plan.Actions, Action{Kind: KindReport, Destination: b.opts.ReportPath, Format: "json"})
	}
	if hasCommand(b.opts.Commands, CommandClean) {
		if err := b.appendClean(plan, claimed); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// resolveDestinations expands the output template per candidate and
// returns one resolved row per (candidate, expansion), in canonical
// order.
func (b *Builder) resolveDestinations(selected []selector.Candidate, plan *Plan) []resolved {
	rows := make([]resolved, 0, len(selected))
	warned := make(map[string]struct{})
	for _, c := range selected {
		game := b.idx.Game(c.Match.Ref)
		rom := b.idx.ROM(c.Match.Ref)
		doc := b.idx.Doc(c.Match.Ref)
		for _, dest := range b.destinations(c, doc, game, rom, plan, warned) {
			rows = append(rows, resolved{cand: c, game: game, rom: rom, doc: doc, dest: dest})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].doc.Name != rows[j].doc.Name {
			return rows[i].doc.Name < rows[j].doc.Name
		}
		if rows[i].game.Name != rows[j].game.Name {
			return rows[i].game.Name < rows[j].game.Name
		}
		if a, b := rows[i].cand.Match.Record.SourceKey(), rows[j].cand.Match.Record.SourceKey(); a != b {
			return a < b
		}
		return rows[i].dest < rows[j].dest
	})
	return rows
}

func (b *Builder) destinations(c selector.Candidate, doc *dat.Document, game *dat.Game, rom *dat.ROM, plan *Plan, warned map[string]struct{}) []string {
	base := rom.Name
	if base == "" {
		base = path.Base(c.Match.Record.Path)
	}
	// Templates that do not name the output file act as directory
	// templates: the catalog file name is appended.
	template := b.opts.OutputRoot
	if !strings.Contains(template, "{outputBasename}") && !strings.Contains(template, "{outputName}") {
		template = path.Join(template, "{outputBasename}")
	}

	ext := strings.TrimPrefix(path.Ext(base), ".")
	platform := ""
	if b.opts.Table != nil {
		platform = b.opts.Table.Infer(doc.Name, base)
	}
	ctx := tokens.Context{
		DATName:        doc.Name,
		DATDescription: doc.Description,
		Regions:        regionValues(game.Tags.Region),
		Languages:      game.Tags.Languages,
		Genre:          game.Category,
		Category:       game.Category,
		Type:           typeToken(game),
		InputDirname:   path.Base(path.Dir(c.Match.Record.Path)),
		OutputBasename: base,
		OutputName:     strings.TrimSuffix(base, path.Ext(base)),
		OutputExt:      ext,
		Platform:       platform,
	}
	res := b.opts.Resolver.Resolve(template, ctx)
	for _, w := range res.Warnings {
		if _, dup := warned[w]; !dup {
			warned[w] = struct{}{}
			plan.Warnings = append(plan.Warnings, w)
		}
	}
	if b.opts.DirLetter {
		for i, p := range res.Paths {
			res.Paths[i] = letterDir(p)
		}
	}
	return res.Paths
}

func regionValues(region string) []string {
	if region == "" {
		return nil
	}
	return []string{region}
}

func typeToken(game *dat.Game) string {
	switch {
	case game.IsBIOS:
		return "bios"
	case game.IsDevice:
		return "device"
	default:
		return game.Tags.Quality.Tier.String()
	}
}

// letterDir inserts a single-letter bucket directory above the file
// name. Names not starting with a letter group under "#".
func letterDir(p string) string {
	dir, base := path.Split(p)
	letter := "#"
	for _, r := range base {
		if unicode.IsLetter(r) {
			letter = strings.ToUpper(string(r))
		}
		break
	}
	return path.Join(dir, letter, base)
}

func (b *Builder) appendFileAction(plan *Plan, claimed map[string]string, cmd Command, r resolved) {
	source := r.cand.Match.Record.SourceKey()
	if !b.claim(plan, claimed, r.dest, source) {
		return
	}
	act := Action{
		Source:       source,
		Destination:  r.dest,
		Digest:       r.cand.Match.Record.Digests.SHA256,
		CatalogEntry: r.doc.Name + "/" + r.game.Name,
		Record:       r.cand.Match.Record,
	}
	if patchPath, ok := b.patchFor(r); ok {
		act.Kind = KindPatch
		act.PatchPath = patchPath
		plan.Actions = append(plan.Actions, act)
		return
	}
	switch cmd {
	case CommandCopy:
		act.Kind = KindCopy
	case CommandMove:
		act.Kind = KindMove
	case CommandLink:
		act.Kind = KindLink
		act.LinkMode = b.opts.LinkMode
	case CommandExtract:
		act.Kind = KindExtract
	}
	plan.Actions = append(plan.Actions, act)
}

func (b *Builder) patchFor(r resolved) (string, bool) {
	if len(b.opts.Patches) == 0 {
		return "", false
	}
	p, ok := b.opts.Patches[dat.NormalizeKey(r.game.Name)]
	if !ok {
		return "", false
	}
	if patch.KindForPath(p) == patch.KindUnknown {
		return "", false
	}
	return p, true
}

func (b *Builder) claim(plan *Plan, claimed map[string]string, dest, source string) bool {
	if winner, taken := claimed[dest]; taken {
		if winner == source {
			return false
		}
		plan.Conflicts = append(plan.Conflicts, Conflict{Destination: dest, Winner: winner, Loser: source})
		return false
	}
	claimed[dest] = source
	return true
}

func (b *Builder) claimMember(plan *Plan, claimed map[string]string, groups map[string][]Member, target string, r resolved) bool {
	memberKey := target + "\x00" + path.Base(r.dest)
	source := r.cand.Match.Record.SourceKey()
	if winner, taken := claimed[memberKey]; taken {
		if winner != source {
			plan.Conflicts = append(plan.Conflicts, Conflict{Destination: target, Winner: winner, Loser: source})
		}
		return false
	}
	claimed[memberKey] = source
	// The zip target itself is claimed once so a plain file action
	// cannot also write it.
	if _, taken := claimed[target]; !taken {
		claimed[target] = source
	}
	return true
}

// zipTarget folds every member destination into its game-level .zip
// path: the file name's extension is replaced by .zip.
func zipTarget(dest string) string {
	ext := path.Ext(dest)
	return strings.TrimSuffix(dest, ext) + ".zip"
}

var discPattern = regexp.MustCompile(`(?i)\s*\((?:Disc|Disk|Side) ([0-9A-Z])\)`)

// appendPlaylists groups multi-disc outputs into one m3u per set.
func (b *Builder) appendPlaylists(plan *Plan, rows []resolved) {
	groups := make(map[string][]string)
	var order []string
	for _, r := range rows {
		m := discPattern.FindStringSubmatch(path.Base(r.dest))
		if m == nil {
			continue
		}
		base := discPattern.ReplaceAllString(r.dest, "")
		key := strings.TrimSuffix(base, path.Ext(base)) + ".m3u"
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r.dest)
	}
	sort.Strings(order)
	for _, key := range order {
		entries := groups[key]
		if len(entries) < 2 {
			continue
		}
		sort.Strings(entries)
		plan.Actions = append(plan.Actions, Action{Kind: KindPlaylist, Destination: key, Entries: entries})
	}
}

// appendClean enumerates files under the output root that no other
// action claims and schedules them for deletion, protected paths
// excepted.
func (b *Builder) appendClean(plan *Plan, claimed map[string]string) error {
	root := staticRoot(b.opts.OutputRoot)
	if root == "" {
		return nil
	}
	exists, err := afero.DirExists(b.opts.CleanFS, root)
	if err != nil {
		return fmt.Errorf("probing output root: %w", err)
	}
	if !exists {
		return nil
	}

	produced := make(map[string]struct{}, len(claimed))
	for dest := range claimed {
		if i := strings.IndexByte(dest, '\x00'); i >= 0 {
			dest = dest[:i]
		}
		produced[path.Clean(dest)] = struct{}{}
	}
	for _, a := range plan.Actions {
		if a.Destination != "" {
			produced[path.Clean(a.Destination)] = struct{}{}
		}
	}

	var doomed []string
	err = afero.Walk(b.opts.CleanFS, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
		if _, keep := produced[clean]; keep {
			return nil
		}
		for _, prot := range b.opts.CleanProtected {
			if clean == path.Clean(prot) || strings.HasPrefix(clean, path.Clean(prot)+"/") {
				return nil
			}
		}
		doomed = append(doomed, clean)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enumerating output root: %w", err)
	}
	sort.Strings(doomed)
	for _, p := range doomed {
		plan.Actions = append(plan.Actions, Action{Kind: KindClean, Destination: p})
	}
	return nil
}

// staticRoot is the template prefix before the first token, cut back
// to a whole path segment.
func staticRoot(template string) string {
	i := strings.IndexByte(template, '{')
	if i < 0 {
		return path.Clean(template)
	}
	prefix := template[:i]
	j := strings.LastIndexByte(prefix, '/')
	if j < 0 {
		return ""
	}
	return path.Clean(prefix[:j])
}

func writeActions(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		switch a.Kind {
		case KindCopy, KindMove, KindLink, KindExtract, KindZipInto, KindPatch:
			out = append(out, a)
		}
	}
	return out
}

func hasCommand(cmds []Command, want Command) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}

// ParseCommands validates a command list.
func ParseCommands(names []string) ([]Command, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	out := make([]Command, 0, len(names))
	for _, n := range names {
		switch c := Command(strings.ToLower(n)); c {
		case CommandCopy, CommandMove, CommandLink, CommandExtract, CommandZip,
			CommandPlaylist, CommandTest, CommandDir2DAT, CommandFixDAT,
			CommandClean, CommandReport:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("unknown command %s", strconv.Quote(n))
		}
	}
	return out, nil
}
