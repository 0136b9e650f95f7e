// Package torrentzip writes canonical zip archives: fixed epoch
// timestamps, CP437 names sorted case-insensitively, maximum DEFLATE,
// and a signed central-directory comment. Two runs over the same
// members produce byte-identical archives.
package torrentzip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"golang.org/x/text/encoding/charmap"
)

// Epoch timestamp shared by every entry, encoded as MS-DOS date and
// time: 1996-12-24 23:32:00.
const (
	dosDate = 0x2198
	dosTime = 0xBC00
)

const (
	sigLocal       = 0x04034b50
	sigCentral     = 0x02014b50
	sigEOCD        = 0x06054b50
	sigZip64EOCD   = 0x06064b50
	sigZip64Locate = 0x07064b50

	versionDeflate = 20
	versionZip64   = 45

	// General purpose flag bit 1: maximum compression.
	flagMaxCompress = 0x0002

	methodDeflate = 8

	limit32     = 0xFFFFFFFF
	limit16     = 0xFFFF
	commentSig  = "TORRENTZIPPED-"
	commentSize = len(commentSig) + 8
)

// ErrNameNotCP437 rejects member names outside the CP437 repertoire.
var ErrNameNotCP437 = errors.New("member name not representable in CP437")

// Member is one archive entry. Open is called exactly once, when the
// entry's turn comes in sorted order.
type Member struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

type entryMeta struct {
	name       []byte
	crc        uint32
	compressed uint64
	size       uint64
	offset     uint64
}

// WriteFile writes the members to path in canonical form. On any
// failure the partially written target is removed.
func WriteFile(path string, members []Member) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(path)
		}
	}()
	if err = write(f, members); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

func write(f *os.File, members []Member) error {
	sorted := append([]Member(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := strings.ToLower(sorted[i].Name), strings.ToLower(sorted[j].Name)
		if a != b {
			return a < b
		}
		return sorted[i].Name < sorted[j].Name
	})

	zip64 := needsZip64(sorted)
	metas := make([]entryMeta, 0, len(sorted))
	var offset uint64

	for _, m := range sorted {
		name, err := encodeName(m.Name)
		if err != nil {
			return err
		}
		meta, n, err := writeEntry(f, offset, name, m, zip64)
		if err != nil {
			return fmt.Errorf("writing member %s: %w", m.Name, err)
		}
		metas = append(metas, meta)
		offset += n
	}

	var central bytes.Buffer
	for _, meta := range metas {
		writeCentralHeader(&central, meta, zip64)
	}
	cdCRC := crc32.ChecksumIEEE(central.Bytes())
	if _, err := f.Write(central.Bytes()); err != nil {
		return fmt.Errorf("writing central directory: %w", err)
	}
	return writeEnd(f, offset, uint64(central.Len()), len(metas), cdCRC, zip64)
}

// needsZip64 decides the archive format upfront from declared sizes
// and entry count so the layout never depends on compression results.
func needsZip64(members []Member) bool {
	if len(members) > limit16 {
		return true
	}
	var total uint64
	for _, m := range members {
		if uint64(m.Size) >= limit32 {
			return true
		}
		total += uint64(m.Size)
	}
	return total >= limit32
}

func encodeName(name string) ([]byte, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	enc := charmap.CodePage437.NewEncoder()
	out, err := enc.Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNameNotCP437, name)
	}
	return out, nil
}

// writeEntry streams one member through DEFLATE, then seeks back to
// patch the local header with the final CRC and sizes.
func writeEntry(f *os.File, offset uint64, name []byte, m Member, zip64 bool) (entryMeta, uint64, error) {
	meta := entryMeta{name: name, offset: offset}
	headerLen := localHeaderLen(name, zip64)
	if err := writeLocalHeader(f, meta, zip64); err != nil {
		return meta, 0, err
	}

	rc, err := m.Open()
	if err != nil {
		return meta, 0, err
	}
	crc := crc32.NewIEEE()
	counter := &countWriter{w: f}
	fw, err := flate.NewWriter(counter, flate.BestCompression)
	if err != nil {
		rc.Close()
		return meta, 0, err
	}
	size, err := io.Copy(io.MultiWriter(fw, crc), rc)
	rc.Close()
	if err != nil {
		return meta, 0, err
	}
	if err := fw.Close(); err != nil {
		return meta, 0, err
	}

	meta.crc = crc.Sum32()
	meta.compressed = uint64(counter.n)
	meta.size = uint64(size)

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return meta, 0, err
	}
	if err := writeLocalHeader(f, meta, zip64); err != nil {
		return meta, 0, err
	}
	if _, err := f.Seek(int64(offset)+int64(headerLen)+counter.n, io.SeekStart); err != nil {
		return meta, 0, err
	}
	return meta, uint64(headerLen) + meta.compressed, nil
}

func localHeaderLen(name []byte, zip64 bool) int {
	n := 30 + len(name)
	if zip64 {
		n += 20
	}
	return n
}

func writeLocalHeader(w io.Writer, meta entryMeta, zip64 bool) error {
	var buf bytes.Buffer
	le := binary.LittleEndian

	version := uint16(versionDeflate)
	csize32, usize32 := uint32(meta.compressed), uint32(meta.size)
	extraLen := uint16(0)
	if zip64 {
		version = versionZip64
		csize32, usize32 = limit32, limit32
		extraLen = 20
	}

	binary.Write(&buf, le, uint32(sigLocal))
	binary.Write(&buf, le, version)
	binary.Write(&buf, le, uint16(flagMaxCompress))
	binary.Write(&buf, le, uint16(methodDeflate))
	binary.Write(&buf, le, uint16(dosTime))
	binary.Write(&buf, le, uint16(dosDate))
	binary.Write(&buf, le, meta.crc)
	binary.Write(&buf, le, csize32)
	binary.Write(&buf, le, usize32)
	binary.Write(&buf, le, uint16(len(meta.name)))
	binary.Write(&buf, le, extraLen)
	buf.Write(meta.name)
	if zip64 {
		binary.Write(&buf, le, uint16(0x0001))
		binary.Write(&buf, le, uint16(16))
		binary.Write(&buf, le, meta.size)
		binary.Write(&buf, le, meta.compressed)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeCentralHeader(buf *bytes.Buffer, meta entryMeta, zip64 bool) {
	le := binary.LittleEndian

	versionMade, versionNeed := uint16(0), uint16(versionDeflate)
	csize32, usize32 := uint32(meta.compressed), uint32(meta.size)
	offset32 := uint32(meta.offset)
	extraLen := uint16(0)
	if zip64 {
		versionMade, versionNeed = versionZip64, versionZip64
		csize32, usize32, offset32 = limit32, limit32, limit32
		extraLen = 28
	}

	binary.Write(buf, le, uint32(sigCentral))
	binary.Write(buf, le, versionMade)
	binary.Write(buf, le, versionNeed)
	binary.Write(buf, le, uint16(flagMaxCompress))
	binary.Write(buf, le, uint16(methodDeflate))
	binary.Write(buf, le, uint16(dosTime))
	binary.Write(buf, le, uint16(dosDate))
	binary.Write(buf, le, meta.crc)
	binary.Write(buf, le, csize32)
	binary.Write(buf, le, usize32)
	binary.Write(buf, le, uint16(len(meta.name)))
	binary.Write(buf, le, extraLen)
	binary.Write(buf, le, uint16(0)) // comment length
	binary.Write(buf, le, uint16(0)) // disk number start
	binary.Write(buf, le, uint16(0)) // internal attributes
	binary.Write(buf, le, uint32(0)) // external attributes
	binary.Write(buf, le, offset32)
	buf.Write(meta.name)
	if zip64 {
		binary.Write(buf, le, uint16(0x0001))
		binary.Write(buf, le, uint16(24))
		binary.Write(buf, le, meta.size)
		binary.Write(buf, le, meta.compressed)
		binary.Write(buf, le, meta.offset)
	}
}

func writeEnd(w io.Writer, cdOffset, cdSize uint64, entries int, cdCRC uint32, zip64 bool) error {
	var buf bytes.Buffer
	le := binary.LittleEndian

	if zip64 {
		binary.Write(&buf, le, uint32(sigZip64EOCD))
		binary.Write(&buf, le, uint64(44)) // record size after this field
		binary.Write(&buf, le, uint16(versionZip64))
		binary.Write(&buf, le, uint16(versionZip64))
		binary.Write(&buf, le, uint32(0)) // this disk
		binary.Write(&buf, le, uint32(0)) // central directory disk
		binary.Write(&buf, le, uint64(entries))
		binary.Write(&buf, le, uint64(entries))
		binary.Write(&buf, le, cdSize)
		binary.Write(&buf, le, cdOffset)

		binary.Write(&buf, le, uint32(sigZip64Locate))
		binary.Write(&buf, le, uint32(0))
		binary.Write(&buf, le, cdOffset+cdSize)
		binary.Write(&buf, le, uint32(1))
	}

	entries16 := uint16(entries)
	cdSize32, cdOffset32 := uint32(cdSize), uint32(cdOffset)
	if zip64 {
		entries16 = limit16
		cdSize32, cdOffset32 = limit32, limit32
	}
	comment := fmt.Sprintf("%s%08X", commentSig, cdCRC)

	binary.Write(&buf, le, uint32(sigEOCD))
	binary.Write(&buf, le, uint16(0)) // this disk
	binary.Write(&buf, le, uint16(0)) // central directory disk
	binary.Write(&buf, le, entries16)
	binary.Write(&buf, le, entries16)
	binary.Write(&buf, le, cdSize32)
	binary.Write(&buf, le, cdOffset32)
	binary.Write(&buf, le, uint16(commentSize))
	buf.WriteString(comment)

	_, err := w.Write(buf.Bytes())
	return err
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
