package dirent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortNameRoundTrips(t *testing.T) {
	base, ext, err := EncodeShortName("HELLO.TXT", DefaultCodec)
	require.NoError(t, err)

	var raw Raw
	raw.Name = base
	raw.Extension = ext

	name, err := DecodeShortName(raw, DefaultCodec)
	require.NoError(t, err)
	assert.Equal(t, "HELLO.TXT", name)
}

func TestShortNameTooLongRejected(t *testing.T) {
	_, _, err := EncodeShortName("WAYTOOLONGNAME.TXT", DefaultCodec)
	assert.Error(t, err)
}

func TestRawSerializeParseRoundTrips(t *testing.T) {
	var r Raw
	copy(r.Name[:], "HELLO   ")
	copy(r.Extension[:], "TXT")
	r.AttributeFlags = AttrArchive
	r.FileSize = 1234
	r.SetFirstCluster(0xABCD1234)

	data := r.Serialize()
	require.Len(t, data, Size)

	parsed, err := ParseRaw(data)
	require.NoError(t, err)
	assert.Equal(t, r.Name, parsed.Name)
	assert.Equal(t, r.Extension, parsed.Extension)
	assert.Equal(t, r.FileSize, parsed.FileSize)
	assert.Equal(t, r.FirstCluster(), parsed.FirstCluster())
}

func TestDateTimeRoundTrips(t *testing.T) {
	when := time.Date(2023, time.June, 15, 13, 45, 30, 0, time.UTC)
	datePart, timePart, hundredths := TimeToParts(when)
	back := TimestampFromParts(datePart, timePart, hundredths)

	assert.Equal(t, when.Year(), back.Year())
	assert.Equal(t, when.Month(), back.Month())
	assert.Equal(t, when.Day(), back.Day())
	assert.Equal(t, when.Hour(), back.Hour())
	assert.Equal(t, when.Minute(), back.Minute())
}

func TestLFNEncodeDecodeRoundTrips(t *testing.T) {
	longName := "a very long file name that needs lfn slots.txt"
	base, ext, err := EncodeShortName("AVERYL~1.TXT", DefaultCodec)
	require.NoError(t, err)
	checksum := ShortNameChecksum(base, ext)

	slots := EncodeLFN(longName, checksum)
	assert.Greater(t, len(slots), 1)

	decoded, err := DecodeLFN(slots, checksum)
	require.NoError(t, err)
	assert.Equal(t, longName, decoded)
}

func TestLFNChecksumMismatchDetected(t *testing.T) {
	slots := EncodeLFN("short.txt", 0x42)
	_, err := DecodeLFN(slots, 0x99)
	assert.Error(t, err)
}

func TestGenerateShortAliasHandlesCollisions(t *testing.T) {
	taken := map[string]bool{}
	exists := func(base [8]byte, ext [3]byte) bool {
		return taken[string(base[:])+"."+string(ext[:])]
	}

	base1, ext1, err := GenerateShortAlias("My Long File Name.txt", exists)
	require.NoError(t, err)
	taken[string(base1[:])+"."+string(ext1[:])] = true

	base2, ext2, err := GenerateShortAlias("My Long File Name.txt", exists)
	require.NoError(t, err)
	assert.NotEqual(t, base1, base2)
	_ = ext2
}

func TestEditorTracksDirty(t *testing.T) {
	var raw Raw
	e := NewEditor(0, 0, raw)
	assert.False(t, e.Dirty())

	e.SetSize(100)
	assert.True(t, e.Dirty())
	assert.EqualValues(t, 100, e.Size())

	e.Clean()
	assert.False(t, e.Dirty())

	e.SetFirstCluster(42)
	assert.True(t, e.Dirty())
	assert.EqualValues(t, 42, e.FirstCluster())
}
