package dat

import (
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// TagDelimiter distinguishes parenthesized from bracketed name tags.
type TagDelimiter int

const (
	DelimParen TagDelimiter = iota
	DelimBracket
)

// TagSegment is one top-level tag extracted from a release name, e.g.
// "USA" from "Game (USA) [!]".
type TagSegment struct {
	Value     string
	Delimiter TagDelimiter
}

func (t TagSegment) String() string {
	v := strings.TrimSpace(t.Value)
	if t.Delimiter == DelimBracket {
		return "[" + v + "]"
	}
	return "(" + v + ")"
}

// QualityTier orders release dumps from most to least trustworthy.
// Lower ranks win during selection.
type QualityTier int

const (
	QualityVerified QualityTier = iota // [!]
	QualityFixed                       // [f]
	QualityPending                     // [!p]
	QualityClean                       // untagged
	QualityModified                    // beta, proto, hacks
	QualityBad                         // [b]
)

func (q QualityTier) String() string {
	switch q {
	case QualityVerified:
		return "verified"
	case QualityFixed:
		return "fixed"
	case QualityPending:
		return "pending"
	case QualityClean:
		return "clean"
	case QualityModified:
		return "modified"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Quality is the dump-quality classification of a release plus the tag
// that produced it.
type Quality struct {
	Tier   QualityTier
	Source string
}

// Revision ranks release revisions; lower compares earlier, so the
// default (no revision tag) sorts last and tagged revisions sort by
// recency. Score is inverted so newer revisions get smaller values.
type Revision struct {
	Priority uint8
	Score    uint32
	Label    string
}

func newestRevision() Revision {
	return Revision{Priority: math.MaxUint8, Score: math.MaxUint32}
}

// Compare orders two revisions; negative means r is preferred.
func (r Revision) Compare(other Revision) int {
	if r.Priority != other.Priority {
		return int(r.Priority) - int(other.Priority)
	}
	if r.Score != other.Score {
		if r.Score < other.Score {
			return -1
		}
		return 1
	}
	return 0
}

// SetInfo captures multi-disk "(Set 1)" style tags.
type SetInfo struct {
	Number uint32
	Label  string
}

// Tags is everything parsed out of a release name.
type Tags struct {
	Region     string
	Languages  []string
	Quality    Quality
	Revision   Revision
	Set        *SetInfo
	Unlicensed bool
	Segments   []TagSegment
}

// ParseTags extracts and classifies all tags from a release name.
func ParseTags(name string) Tags {
	segs := extractSegments(name)
	t := Tags{
		Region:   detectRegion(segs),
		Quality:  detectQuality(segs),
		Revision: detectRevision(segs),
		Set:      detectSet(segs),
		Segments: segs,
	}
	t.Languages = detectLanguages(segs)
	for _, seg := range segs {
		for _, tok := range tagTokens(seg.Value) {
			if tok == "UNL" || tok == "UNLICENSED" {
				t.Unlicensed = true
			}
		}
	}
	return t
}

// NormalizeTitle strips every parenthesized and bracketed tag, the
// file extension, and collapses whitespace.
func NormalizeTitle(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	var clean strings.Builder
	depth := 0
	for _, ch := range base {
		switch ch {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				clean.WriteRune(ch)
			}
		}
	}
	return strings.Join(strings.Fields(clean.String()), " ")
}

// NormalizeKey lowercases NormalizeTitle for index lookups.
func NormalizeKey(name string) string {
	return strings.ToLower(NormalizeTitle(name))
}

func extractSegments(name string) []TagSegment {
	var (
		segs    []TagSegment
		current strings.Builder
		stack   []TagDelimiter
	)
	flush := func(d TagDelimiter) {
		if v := strings.TrimSpace(current.String()); v != "" {
			segs = append(segs, TagSegment{Value: v, Delimiter: d})
		}
		current.Reset()
	}
	for _, ch := range name {
		switch ch {
		case '(':
			if len(stack) == 0 {
				current.Reset()
			}
			stack = append(stack, DelimParen)
		case '[':
			if len(stack) == 0 {
				current.Reset()
			}
			stack = append(stack, DelimBracket)
		case ')', ']':
			want := DelimParen
			if ch == ']' {
				want = DelimBracket
			}
			if len(stack) > 0 && stack[len(stack)-1] == want {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					flush(want)
				}
			} else {
				stack = stack[:0]
				current.Reset()
			}
		default:
			if len(stack) > 0 {
				current.WriteRune(ch)
			}
		}
	}
	return segs
}

func tagTokens(tag string) []string {
	fields := strings.FieldsFunc(tag, func(r rune) bool {
		return !unicode.IsLetter(r) || r > unicode.MaxASCII
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToUpper(f))
	}
	return out
}

func detectRegion(segs []TagSegment) string {
	for _, seg := range segs {
		for _, tok := range tagTokens(seg.Value) {
			if r := normalizeRegionToken(tok); r != "" {
				return r
			}
		}
	}
	return ""
}

func normalizeRegionToken(tok string) string {
	switch tok {
	case "EUROPE", "EURO", "EUR", "EU",
		"FR", "FRANCE", "GERMANY", "SPAIN", "ITALY", "NETHERLANDS", "BELGIUM",
		"PORTUGAL", "SWEDEN", "NORWAY", "FINLAND", "DENMARK", "POLAND",
		"CZECH", "CZECHOSLOVAKIA", "HUNGARY", "KINGDOM", "UK", "ENGLAND",
		"SCOTLAND", "IRELAND", "WALES":
		return "EUR"
	case "USA", "US", "AMERICA", "STATES", "NORTHAMERICA", "CANADA", "MEXICO":
		return "USA"
	case "JAPAN", "JPN", "JP":
		return "JPN"
	case "WORLD", "GLOBAL", "INTERNATIONAL":
		return "WORLD"
	}
	return ""
}

func detectLanguages(segs []TagSegment) []string {
	var langs []string
	seen := map[string]bool{}
	for _, seg := range segs {
		for _, tok := range tagTokens(seg.Value) {
			l := normalizeLanguageToken(tok)
			if l == "" || seen[l] {
				continue
			}
			seen[l] = true
			langs = append(langs, l)
		}
	}
	return langs
}

func normalizeLanguageToken(tok string) string {
	switch tok {
	case "EN", "ENG", "ENGLISH", "UK", "BRITISH", "AMERICAN", "USA", "US", "STATES":
		return "EN"
	case "FR", "FRE", "FRENCH", "FRANCE", "FRA":
		return "FR"
	case "DE", "GER", "GERMAN", "GERMANY":
		return "DE"
	case "ES", "SPA", "SPANISH", "SPAIN", "ESP":
		return "ES"
	case "IT", "ITA", "ITALIAN", "ITALY":
		return "IT"
	case "PT", "POR", "PORTUGUESE", "PORTUGAL", "BRAZIL", "BRA":
		return "PT"
	case "DA", "DAN", "DANISH", "DENMARK":
		return "DA"
	case "FI", "FIN", "FINNISH", "FINLAND":
		return "FI"
	case "EL", "ELL", "GRE", "GREEK", "GREECE", "GR":
		return "EL"
	case "JA", "JPN", "JAP", "JAPANESE", "JAPAN":
		return "JA"
	case "KO", "KOR", "KOREAN", "KOREA":
		return "KO"
	case "NL", "DUT", "DUTCH", "NETHERLANDS", "HOLLAND":
		return "NL"
	case "NO", "NOR", "NORWEGIAN", "NORWAY":
		return "NO"
	case "RU", "RUS", "RUSSIAN", "RUSSIA":
		return "RU"
	case "SV", "SWE", "SWEDISH", "SWEDEN":
		return "SV"
	case "ZH", "CH", "CHN", "CHINESE", "CHINA", "MANDARIN":
		return "ZH"
	}
	return ""
}

func detectQuality(segs []TagSegment) Quality {
	var fixed, pending, modified, bad string

	for _, seg := range segs {
		norm := strings.ToUpper(strings.TrimSpace(seg.Value))
		if norm == "" {
			continue
		}
		if seg.Delimiter == DelimBracket {
			switch {
			case norm == "!":
				return Quality{Tier: QualityVerified, Source: seg.String()}
			case norm == "!P":
				if pending == "" {
					pending = seg.String()
				}
			default:
				switch norm[0] {
				case 'F':
					if fixed == "" {
						fixed = seg.String()
					}
				case 'B':
					if bad == "" {
						bad = seg.String()
					}
				case 'H', 'P', 'T', 'O', 'A', 'U':
					if modified == "" {
						modified = seg.String()
					}
				}
			}
			continue
		}
		for _, marker := range []string{"BETA", "PROTO", "ALPHA", "SAMPLE", "DEMO", "TRIAL"} {
			if strings.Contains(norm, marker) {
				if modified == "" {
					modified = seg.String()
				}
				break
			}
		}
	}

	switch {
	case bad != "":
		return Quality{Tier: QualityBad, Source: bad}
	case fixed != "":
		return Quality{Tier: QualityFixed, Source: fixed}
	case pending != "":
		return Quality{Tier: QualityPending, Source: pending}
	case modified != "":
		return Quality{Tier: QualityModified, Source: modified}
	}
	return Quality{Tier: QualityClean}
}

func detectRevision(segs []TagSegment) Revision {
	best := newestRevision()
	consider := func(c Revision) {
		if c.Compare(best) < 0 {
			best = c
		}
	}
	for _, seg := range segs {
		norm := strings.ToUpper(strings.TrimSpace(seg.Value))
		if norm == "" {
			continue
		}
		if v, ok := parseProgramRevision(norm); ok {
			consider(Revision{Priority: 0, Score: math.MaxUint32 - v, Label: seg.String()})
			continue
		}
		if maj, minor, patch, ok := parseVersion(norm); ok {
			combined := maj<<20 | minor<<10 | patch
			consider(Revision{Priority: 1, Score: math.MaxUint32 - combined, Label: seg.String()})
			continue
		}
		if v, ok := parseRevNumber(norm); ok {
			consider(Revision{Priority: 2, Score: math.MaxUint32 - v, Label: seg.String()})
			continue
		}
		if v, ok := parseRevLetter(norm); ok {
			consider(Revision{Priority: 3, Score: math.MaxUint32 - v, Label: seg.String()})
		}
	}
	return best
}

func detectSet(segs []TagSegment) *SetInfo {
	for _, seg := range segs {
		upper := strings.ToUpper(seg.Value)
		pos := strings.Index(upper, "SET")
		if pos < 0 {
			continue
		}
		if n, ok := leadingDigits(upper[pos+3:]); ok {
			return &SetInfo{Number: n, Label: seg.String()}
		}
	}
	return nil
}

func parseProgramRevision(s string) (uint32, bool) {
	rest, ok := strings.CutPrefix(s, "PRG")
	if !ok {
		return 0, false
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	return parseUint32(rest[:i])
}

func parseVersion(s string) (major, minor, patch uint32, ok bool) {
	if !strings.HasPrefix(s, "V") {
		return 0, 0, 0, false
	}
	idx := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if idx < 0 {
		return 0, 0, 0, false
	}
	parts := strings.FieldsFunc(s[idx:], func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return 0, 0, 0, false
	}
	if major, ok = parseUint32(parts[0]); !ok {
		return 0, 0, 0, false
	}
	if len(parts) > 1 {
		minor, _ = parseUint32(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = parseUint32(parts[2])
	}
	return major, minor, patch, true
}

func parseRevNumber(s string) (uint32, bool) {
	rest, ok := strings.CutPrefix(s, "REV")
	if !ok {
		return 0, false
	}
	return leadingDigits(rest)
}

func parseRevLetter(s string) (uint32, bool) {
	if !strings.HasPrefix(s, "REV") {
		return 0, false
	}
	rest := strings.TrimLeft(s, "REV. ")
	for _, r := range rest {
		if r >= 'A' && r <= 'Z' {
			return uint32(r-'A') + 1, true
		}
	}
	return 0, false
}

func leadingDigits(s string) (uint32, bool) {
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return 0, false
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	return parseUint32(s[i:j])
}

func parseUint32(s string) (uint32, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
