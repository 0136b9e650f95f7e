// Package patch applies binary ROM patches. IPS, BPS, and UPS are
// supported; BPS and UPS validate the embedded CRC32 checksums of the
// source, the patch, and the produced target.
package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind names a patch container format.
type Kind string

const (
	KindIPS     Kind = "ips"
	KindBPS     Kind = "bps"
	KindUPS     Kind = "ups"
	KindUnknown Kind = ""
)

var (
	ErrUnknownFormat = errors.New("unrecognized patch format")
	ErrCorrupt       = errors.New("corrupt patch")
	// ErrChecksum reports a CRC32 mismatch against the checksums a BPS
	// or UPS patch embeds.
	ErrChecksum = errors.New("patch checksum mismatch")
)

// Detect sniffs the patch kind from its magic bytes.
func Detect(data []byte) Kind {
	switch {
	case len(data) >= 5 && string(data[:5]) == "PATCH":
		return KindIPS
	case len(data) >= 4 && string(data[:4]) == "BPS1":
		return KindBPS
	case len(data) >= 4 && string(data[:4]) == "UPS1":
		return KindUPS
	}
	return KindUnknown
}

// KindForPath guesses the kind from the file extension. Detect on the
// bytes remains authoritative.
func KindForPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ips":
		return KindIPS
	case ".bps":
		return KindBPS
	case ".ups":
		return KindUPS
	}
	return KindUnknown
}

// Apply dispatches on the patch's magic bytes.
func Apply(source, data []byte) ([]byte, error) {
	switch Detect(data) {
	case KindIPS:
		return ApplyIPS(source, data)
	case KindBPS:
		return ApplyBPS(source, data)
	case KindUPS:
		return ApplyUPS(source, data)
	}
	return nil, ErrUnknownFormat
}

// ApplyIPS applies an IPS patch: records of (3-byte offset, 2-byte
// size, payload), RLE records when size is zero, an EOF marker, and
// an optional 3-byte truncation length after it.
func ApplyIPS(source, data []byte) ([]byte, error) {
	if len(data) < 8 || string(data[:5]) != "PATCH" {
		return nil, fmt.Errorf("%w: missing PATCH magic", ErrCorrupt)
	}
	out := append([]byte(nil), source...)
	pos := 5
	for {
		if pos+3 > len(data) {
			return nil, fmt.Errorf("%w: truncated record header", ErrCorrupt)
		}
		if string(data[pos:pos+3]) == "EOF" {
			pos += 3
			break
		}
		offset := int(data[pos])<<16 | int(data[pos+1])<<8 | int(data[pos+2])
		pos += 3
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated record size", ErrCorrupt)
		}
		size := int(data[pos])<<8 | int(data[pos+1])
		pos += 2

		var payload []byte
		if size == 0 {
			// RLE record: 2-byte run length, one fill byte.
			if pos+3 > len(data) {
				return nil, fmt.Errorf("%w: truncated RLE record", ErrCorrupt)
			}
			run := int(data[pos])<<8 | int(data[pos+1])
			fill := data[pos+2]
			pos += 3
			payload = make([]byte, run)
			for i := range payload {
				payload[i] = fill
			}
		} else {
			if pos+size > len(data) {
				return nil, fmt.Errorf("%w: truncated payload", ErrCorrupt)
			}
			payload = data[pos : pos+size]
			pos += size
		}
		if grow := offset + len(payload) - len(out); grow > 0 {
			out = append(out, make([]byte, grow)...)
		}
		copy(out[offset:], payload)
	}
	if pos+3 <= len(data) {
		truncate := int(data[pos])<<16 | int(data[pos+1])<<8 | int(data[pos+2])
		if truncate < len(out) {
			out = out[:truncate]
		}
	}
	return out, nil
}
