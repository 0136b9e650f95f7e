package dat

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
)

const logiqxDoctype = `<!DOCTYPE datafile PUBLIC "-//Logiqx//DTD ROM Management Datafile//EN" "http://www.logiqx.com/Dats/datafile.dtd">`

type xmlROM struct {
	XMLName xml.Name `xml:"rom"`
	Name    string   `xml:"name,attr"`
	Size    *int64   `xml:"size,attr,omitempty"`
	CRC     string   `xml:"crc,attr,omitempty"`
	MD5     string   `xml:"md5,attr,omitempty"`
	SHA1    string   `xml:"sha1,attr,omitempty"`
	SHA256  string   `xml:"sha256,attr,omitempty"`
	Status  string   `xml:"status,attr,omitempty"`
}

type xmlGame struct {
	XMLName     xml.Name `xml:"game"`
	Name        string   `xml:"name,attr"`
	Description string   `xml:"description,omitempty"`
	Category    string   `xml:"category,omitempty"`
	ROMs        []xmlROM `xml:"rom"`
}

type xmlHeader struct {
	Name        string `xml:"name"`
	Description string `xml:"description,omitempty"`
	Version     string `xml:"version,omitempty"`
}

type xmlDatafile struct {
	XMLName xml.Name  `xml:"datafile"`
	Header  xmlHeader `xml:"header"`
	Games   []xmlGame `xml:"game"`
}

// WriteLogiqx emits the document as a Logiqx XML datafile. Games are
// sorted by name so output is stable across runs.
func WriteLogiqx(w io.Writer, doc *Document, version string) error {
	out := xmlDatafile{
		Header: xmlHeader{
			Name:        doc.Name,
			Description: doc.Description,
			Version:     version,
		},
	}
	for _, g := range sortedGames(doc) {
		xg := xmlGame{
			Name:        g.Name,
			Description: g.Description,
			Category:    g.Category,
		}
		for _, ri := range g.ROMs {
			rom := doc.ROMs[ri]
			xr := xmlROM{
				Name:   rom.Name,
				CRC:    rom.CRC32,
				MD5:    rom.MD5,
				SHA1:   rom.SHA1,
				SHA256: rom.SHA256,
				Status: rom.Status,
			}
			if rom.Size >= 0 {
				size := rom.Size
				xr.Size = &size
			}
			xg.ROMs = append(xg.ROMs, xr)
		}
		out.Games = append(out.Games, xg)
	}

	if _, err := fmt.Fprintf(w, "%s\n%s\n", xml.Header[:len(xml.Header)-1], logiqxDoctype); err != nil {
		return fmt.Errorf("writing catalog header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "\t")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing catalog: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

type jsonROM struct {
	Name   string `json:"name"`
	Size   int64  `json:"size,omitempty"`
	CRC32  string `json:"crc32,omitempty"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Status string `json:"status,omitempty"`
}

type jsonGame struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	ROMs        []jsonROM `json:"roms"`
}

type jsonDatafile struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	Games       []jsonGame `json:"games"`
}

// WriteJSON emits the document as the JSON catalog variant.
func WriteJSON(w io.Writer, doc *Document, version string) error {
	out := jsonDatafile{
		Name:        doc.Name,
		Description: doc.Description,
		Version:     version,
	}
	for _, g := range sortedGames(doc) {
		jg := jsonGame{
			Name:        g.Name,
			Description: g.Description,
			Category:    g.Category,
			ROMs:        make([]jsonROM, 0, len(g.ROMs)),
		}
		for _, ri := range g.ROMs {
			rom := doc.ROMs[ri]
			jr := jsonROM{
				Name:   rom.Name,
				CRC32:  rom.CRC32,
				MD5:    rom.MD5,
				SHA1:   rom.SHA1,
				SHA256: rom.SHA256,
				Status: rom.Status,
			}
			if rom.Size >= 0 {
				jr.Size = rom.Size
			}
			jg.ROMs = append(jg.ROMs, jr)
		}
		out.Games = append(out.Games, jg)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	return nil
}

func sortedGames(doc *Document) []Game {
	games := append([]Game(nil), doc.Games...)
	sort.Slice(games, func(i, j int) bool { return games[i].Name < games[j].Name })
	return games
}
