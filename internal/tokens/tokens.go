// Package tokens expands output path templates. Templates carry
// {token} placeholders; single-valued tokens substitute in place and
// multi-valued tokens (regions, languages) expand the template into
// one path per value, in the order the values carry.
package tokens

import (
	"fmt"
	"path"
	"strings"
)

// Context supplies the values one file's template expansion can draw
// on. Multi-valued fields produce one output path per value.
type Context struct {
	DATName        string
	DATDescription string
	Regions        []string
	Languages      []string
	Genre          string
	Category       string
	Type           string
	InputDirname   string
	OutputBasename string
	OutputName     string
	OutputExt      string
	Platform       string
}

// Resolver expands templates against a platform routing table.
type Resolver struct {
	table *PlatformTable
}

// NewResolver builds a Resolver. A nil table falls back to the
// embedded routing table.
func NewResolver(table *PlatformTable) (*Resolver, error) {
	if table == nil {
		var err error
		table, err = DefaultPlatformTable()
		if err != nil {
			return nil, err
		}
	}
	return &Resolver{table: table}, nil
}

// Result is one template expansion: the expanded paths in stable
// order, plus a warning per unknown token left verbatim.
type Result struct {
	Paths    []string
	Warnings []string
}

type segment struct {
	literal string
	token   string
}

// Resolve expands a template for one file. Multi-valued tokens expand
// the Cartesian product in input order, earlier tokens varying slowest.
// Unknown tokens stay in the output verbatim and produce a warning.
func (r *Resolver) Resolve(template string, ctx Context) Result {
	segs, warns := r.parse(template)

	expansions := []string{""}
	for _, seg := range segs {
		if seg.token == "" {
			for i := range expansions {
				expansions[i] += seg.literal
			}
			continue
		}
		values := r.tokenValues(seg.token, ctx)
		next := make([]string, 0, len(expansions)*len(values))
		for _, prefix := range expansions {
			for _, v := range values {
				next = append(next, prefix+v)
			}
		}
		expansions = next
	}

	paths := make([]string, 0, len(expansions))
	seen := make(map[string]struct{}, len(expansions))
	for _, p := range expansions {
		clean := path.Clean(p)
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		paths = append(paths, clean)
	}
	return Result{Paths: paths, Warnings: warns}
}

func (r *Resolver) parse(template string) ([]segment, []string) {
	var segs []segment
	var warns []string
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			break
		}
		close += open
		name := rest[open+1 : close]
		if !r.knownToken(name) {
			warns = append(warns, fmt.Sprintf("unknown token {%s} left as-is", name))
			segs = append(segs, segment{literal: rest[:close+1]})
			rest = rest[close+1:]
			continue
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		segs = append(segs, segment{token: name})
		rest = rest[close+1:]
	}
	if rest != "" {
		segs = append(segs, segment{literal: rest})
	}
	return segs, warns
}

func (r *Resolver) knownToken(name string) bool {
	switch name {
	case "datName", "datDescription", "region", "language", "genre",
		"category", "type", "inputDirname", "outputBasename",
		"outputName", "outputExt", "platform":
		return true
	}
	_, ok := r.table.profiles[name]
	return ok
}

func (r *Resolver) tokenValues(name string, ctx Context) []string {
	switch name {
	case "datName":
		return []string{ctx.DATName}
	case "datDescription":
		return []string{ctx.DATDescription}
	case "region":
		return multi(ctx.Regions)
	case "language":
		return multi(ctx.Languages)
	case "genre":
		return []string{ctx.Genre}
	case "category":
		return []string{ctx.Category}
	case "type":
		return []string{ctx.Type}
	case "inputDirname":
		return []string{ctx.InputDirname}
	case "outputBasename":
		return []string{ctx.OutputBasename}
	case "outputName":
		return []string{ctx.OutputName}
	case "outputExt":
		return []string{ctx.OutputExt}
	case "platform":
		return []string{ctx.Platform}
	}
	if _, ok := r.table.profiles[name]; ok {
		return []string{r.table.ProfileDir(name, ctx.Platform)}
	}
	return []string{""}
}

// multi returns the values for a multi-valued token. An empty value
// set still yields one expansion with the token blanked so the rest
// of the template survives.
func multi(values []string) []string {
	if len(values) == 0 {
		return []string{""}
	}
	return values
}
