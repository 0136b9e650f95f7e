package dat

import "strconv"

// Ref addresses one ROM inside one loaded document.
type Ref struct {
	Doc int
	ROM int
}

// Index is the read-only digest and name lookup structure built over
// all loaded documents. Maps hold Refs, never pointers, so the whole
// structure is shareable across workers after construction.
type Index struct {
	Docs []*Document

	bySHA256   map[string][]Ref
	bySHA1     map[string][]Ref
	byMD5      map[string][]Ref
	byCRCSize  map[string][]Ref
	byNameSize map[string][]Ref
}

// NewIndex builds the lookup maps over the given documents.
func NewIndex(docs []*Document) *Index {
	idx := &Index{
		Docs:       docs,
		bySHA256:   make(map[string][]Ref),
		bySHA1:     make(map[string][]Ref),
		byMD5:      make(map[string][]Ref),
		byCRCSize:  make(map[string][]Ref),
		byNameSize: make(map[string][]Ref),
	}
	for d, doc := range docs {
		for r := range doc.ROMs {
			rom := &doc.ROMs[r]
			ref := Ref{Doc: d, ROM: r}
			if rom.SHA256 != "" {
				idx.bySHA256[rom.SHA256] = append(idx.bySHA256[rom.SHA256], ref)
			}
			if rom.SHA1 != "" {
				idx.bySHA1[rom.SHA1] = append(idx.bySHA1[rom.SHA1], ref)
			}
			if rom.MD5 != "" {
				idx.byMD5[rom.MD5] = append(idx.byMD5[rom.MD5], ref)
			}
			if rom.CRC32 != "" && rom.Size >= 0 {
				key := crcSizeKey(rom.CRC32, rom.Size)
				idx.byCRCSize[key] = append(idx.byCRCSize[key], ref)
			}
			if rom.Size >= 0 {
				key := nameSizeKey(rom.Name, rom.Size)
				idx.byNameSize[key] = append(idx.byNameSize[key], ref)
			}
		}
	}
	return idx
}

// ROM resolves a Ref to its ROM record.
func (idx *Index) ROM(ref Ref) *ROM {
	return &idx.Docs[ref.Doc].ROMs[ref.ROM]
}

// Game resolves a Ref to the game owning the ROM.
func (idx *Index) Game(ref Ref) *Game {
	rom := idx.ROM(ref)
	return &idx.Docs[ref.Doc].Games[rom.GameIndex]
}

// Doc resolves a Ref to its document.
func (idx *Index) Doc(ref Ref) *Document {
	return idx.Docs[ref.Doc]
}

// LookupSHA256 returns all ROMs with the given SHA-256.
func (idx *Index) LookupSHA256(sum string) []Ref { return idx.bySHA256[sum] }

// LookupSHA1 returns all ROMs with the given SHA-1.
func (idx *Index) LookupSHA1(sum string) []Ref { return idx.bySHA1[sum] }

// LookupMD5 returns all ROMs with the given MD5.
func (idx *Index) LookupMD5(sum string) []Ref { return idx.byMD5[sum] }

// LookupCRCSize returns all ROMs matching CRC32 and exact size.
func (idx *Index) LookupCRCSize(crc string, size int64) []Ref {
	return idx.byCRCSize[crcSizeKey(crc, size)]
}

// LookupNameSize returns all ROMs whose normalized name and size
// match.
func (idx *Index) LookupNameSize(name string, size int64) []Ref {
	return idx.byNameSize[nameSizeKey(name, size)]
}

// ROMCount reports the total number of indexed ROMs.
func (idx *Index) ROMCount() int {
	n := 0
	for _, doc := range idx.Docs {
		n += len(doc.ROMs)
	}
	return n
}

func crcSizeKey(crc string, size int64) string {
	return crc + "\x00" + strconv.FormatInt(size, 10)
}

func nameSizeKey(name string, size int64) string {
	return NormalizeKey(name) + "\x00" + strconv.FormatInt(size, 10)
}
