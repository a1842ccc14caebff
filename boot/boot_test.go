package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineType(t *testing.T) {
	assert.Equal(t, FAT12, DetermineType(0))
	assert.Equal(t, FAT12, DetermineType(4084))
	assert.Equal(t, FAT16, DetermineType(4085))
	assert.Equal(t, FAT16, DetermineType(65524))
	assert.Equal(t, FAT32, DetermineType(65525))
	assert.Equal(t, FAT32, DetermineType(1<<20))
}

func TestFormatThenParseRoundTripsFAT16(t *testing.T) {
	bs, err := Format(FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 4,
		TotalSectors:      65536, // small enough to land on FAT16
		Media:             0xF8,
		VolumeLabel:       "GOTEST",
		VolumeID:          0xDEADBEEF,
	})
	require.NoError(t, err)
	require.Equal(t, FAT16, bs.Type)

	sector, err := bs.Serialize()
	require.NoError(t, err)
	require.Len(t, sector, 512)
	assert.Equal(t, byte(0x55), sector[510])
	assert.Equal(t, byte(0xAA), sector[511])

	parsed, err := Parse(sector)
	require.NoError(t, err)
	assert.Equal(t, FAT16, parsed.Type)
	assert.Equal(t, bs.BytesPerSector, parsed.BytesPerSector)
	assert.Equal(t, bs.SectorsPerCluster, parsed.SectorsPerCluster)
	assert.Equal(t, bs.SectorsPerFAT, parsed.SectorsPerFAT)
	assert.Equal(t, bs.TotalClusters, parsed.TotalClusters)
	assert.Equal(t, bs.VolumeID, parsed.VolumeID)
}

func TestFormatThenParseRoundTripsFAT32(t *testing.T) {
	bs, err := Format(FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		TotalSectors:      2_000_000,
		Media:             0xF8,
		VolumeLabel:       "BIGVOL",
		VolumeID:          1,
	})
	require.NoError(t, err)
	require.Equal(t, FAT32, bs.Type)
	assert.Equal(t, uint16(0), bs.RootEntryCount)
	assert.Equal(t, uint32(0), bs.RootDirSectors)

	sector, err := bs.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(sector)
	require.NoError(t, err)
	assert.Equal(t, FAT32, parsed.Type)
	assert.Equal(t, bs.SectorsPerFAT32, parsed.SectorsPerFAT32)
	assert.Equal(t, bs.RootCluster, parsed.RootCluster)
	assert.EqualValues(t, 1, parsed.FSInfoSector)
	assert.EqualValues(t, 6, parsed.BackupBootSector)
}

func TestParseRejectsBadSignature(t *testing.T) {
	sector := make([]byte, 512)
	_, err := Parse(sector)
	require.Error(t, err)
}

func TestParseRejectsBadBytesPerSector(t *testing.T) {
	bs, err := Format(FormatParams{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		TotalSectors:      8192,
	})
	require.NoError(t, err)
	sector, err := bs.Serialize()
	require.NoError(t, err)
	sector[11] = 0xFF
	sector[12] = 0xFF
	_, err = Parse(sector)
	assert.Error(t, err)
}

func TestFSInfoRoundTrips(t *testing.T) {
	info := &FSInfo{FreeClusterCount: 12345, NextFreeHint: 2}
	sector := info.Serialize(512)
	parsed, err := ParseFSInfo(sector)
	require.NoError(t, err)
	assert.Equal(t, info.FreeClusterCount, parsed.FreeClusterCount)
	assert.Equal(t, info.NextFreeHint, parsed.NextFreeHint)
}

func TestFSInfoRejectsBadSignature(t *testing.T) {
	sector := make([]byte, 512)
	_, err := ParseFSInfo(sector)
	assert.Error(t, err)
}
