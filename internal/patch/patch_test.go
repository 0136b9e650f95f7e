package patch

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beatVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b|0x80)
		}
		out = append(out, b)
		v--
	}
}

func crcLE(data []byte) []byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], crc32.ChecksumIEEE(data))
	return out[:]
}

func TestDetect(t *testing.T) {
	assert.Equal(t, KindIPS, Detect([]byte("PATCHxxx")))
	assert.Equal(t, KindBPS, Detect([]byte("BPS1xxxx")))
	assert.Equal(t, KindUPS, Detect([]byte("UPS1xxxx")))
	assert.Equal(t, KindUnknown, Detect([]byte("nope")))
}

func TestKindForPath(t *testing.T) {
	assert.Equal(t, KindIPS, KindForPath("/patches/Game.IPS"))
	assert.Equal(t, KindBPS, KindForPath("game.bps"))
	assert.Equal(t, KindUnknown, KindForPath("game.rom"))
}

func TestApplyIPS(t *testing.T) {
	source := []byte("AAAAAAAAAA")
	p := []byte("PATCH")
	// offset 2, 3 literal bytes
	p = append(p, 0, 0, 2, 0, 3)
	p = append(p, []byte("XYZ")...)
	// offset 7, RLE run of 2 'Q'
	p = append(p, 0, 0, 7, 0, 0, 0, 2, 'Q')
	p = append(p, []byte("EOF")...)

	got, err := ApplyIPS(source, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAXYZAAQQA"), got)
}

func TestApplyIPS_GrowsPastEnd(t *testing.T) {
	p := []byte("PATCH")
	p = append(p, 0, 0, 4, 0, 2)
	p = append(p, []byte("BC")...)
	p = append(p, []byte("EOF")...)

	got, err := ApplyIPS([]byte("AA"), p)
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'A', 0, 0, 'B', 'C'}, got)
}

func TestApplyIPS_Truncation(t *testing.T) {
	p := []byte("PATCH")
	p = append(p, []byte("EOF")...)
	p = append(p, 0, 0, 3)

	got, err := ApplyIPS([]byte("ABCDEF"), p)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), got)
}

func TestApplyIPS_Truncated(t *testing.T) {
	_, err := ApplyIPS([]byte("AA"), []byte("PATCH\x00\x00"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func buildUPS(t *testing.T, source, target []byte, body []byte) []byte {
	t.Helper()
	p := []byte("UPS1")
	p = append(p, beatVarint(uint64(len(source)))...)
	p = append(p, beatVarint(uint64(len(target)))...)
	p = append(p, body...)
	p = append(p, crcLE(source)...)
	p = append(p, crcLE(target)...)
	p = append(p, crcLE(p)...)
	return p
}

func TestApplyUPS_RoundTrip(t *testing.T) {
	source := []byte("Hello, world")
	target := append([]byte(nil), source...)
	target[4] = 'O'

	var body []byte
	body = append(body, beatVarint(4)...)
	body = append(body, source[4]^target[4], 0)
	p := buildUPS(t, source, target, body)

	got, err := ApplyUPS(source, p)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	// XOR hunks are symmetric: applying to the target recovers the
	// source.
	back, err := ApplyUPS(target, p)
	require.NoError(t, err)
	assert.Equal(t, source, back)
}

func TestApplyUPS_WrongInput(t *testing.T) {
	source := []byte("Hello, world")
	target := append([]byte(nil), source...)
	target[0] ^= 1
	p := buildUPS(t, source, target, append(beatVarint(0), source[0]^target[0], 0))

	_, err := ApplyUPS([]byte("neither of them"), p)
	assert.ErrorIs(t, err, ErrChecksum)
}

func buildBPS(t *testing.T, source, target []byte, actions []byte) []byte {
	t.Helper()
	p := []byte("BPS1")
	p = append(p, beatVarint(uint64(len(source)))...)
	p = append(p, beatVarint(uint64(len(target)))...)
	p = append(p, beatVarint(0)...) // no metadata
	p = append(p, actions...)
	p = append(p, crcLE(source)...)
	p = append(p, crcLE(target)...)
	p = append(p, crcLE(p)...)
	return p
}

func bpsAction(command, length uint64) []byte {
	return beatVarint((length-1)<<2 | command)
}

func TestApplyBPS(t *testing.T) {
	source := []byte("ABCDEF")
	target := []byte("ABZDEF")

	var actions []byte
	actions = append(actions, bpsAction(0, 2)...) // source read "AB"
	actions = append(actions, bpsAction(1, 1)...) // target read
	actions = append(actions, 'Z')
	actions = append(actions, bpsAction(0, 3)...) // source read "DEF"
	p := buildBPS(t, source, target, actions)

	got, err := ApplyBPS(source, p)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestApplyBPS_TargetCopyOverlap(t *testing.T) {
	source := []byte("AB")
	target := []byte("ABABAB")

	var actions []byte
	actions = append(actions, bpsAction(0, 2)...) // source read "AB"
	actions = append(actions, bpsAction(3, 4)...) // target copy, overlapping
	actions = append(actions, beatVarint(0)...)   // relative offset 0
	p := buildBPS(t, source, target, actions)

	got, err := ApplyBPS(source, p)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestApplyBPS_ChecksumMismatch(t *testing.T) {
	source := []byte("ABCDEF")
	target := []byte("ABZDEF")
	var actions []byte
	actions = append(actions, bpsAction(0, 2)...)
	actions = append(actions, bpsAction(1, 1)...)
	actions = append(actions, 'Z')
	actions = append(actions, bpsAction(0, 3)...)
	p := buildBPS(t, source, target, actions)
	p[len(p)-1] ^= 0xFF

	_, err := ApplyBPS(source, p)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestApplyBPS_WrongSourceSize(t *testing.T) {
	source := []byte("ABCDEF")
	target := []byte("ABZDEF")
	var actions []byte
	actions = append(actions, bpsAction(0, 2)...)
	actions = append(actions, bpsAction(1, 1)...)
	actions = append(actions, 'Z')
	actions = append(actions, bpsAction(0, 3)...)
	p := buildBPS(t, source, target, actions)

	_, err := ApplyBPS([]byte("short"), p)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestApply_Dispatch(t *testing.T) {
	_, err := Apply([]byte("x"), []byte("garbage"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
