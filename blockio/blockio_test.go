package blockio_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/rfs/blockio"
)

func TestMemDevice_UnwrittenBlockReadsZero(t *testing.T) {
	dev := blockio.NewMemDevice()
	data, err := dev.ReadBlock(5)
	require.NoError(t, err)
	assert.Len(t, data, blockio.BlockSize)
	for _, b := range data {
		assert.Zero(t, b)
	}
}

func TestMemDevice_WriteThenRead(t *testing.T) {
	dev := blockio.NewMemDevice()
	payload := make([]byte, blockio.BlockSize)
	copy(payload, []byte("hello block"))

	require.NoError(t, dev.WriteBlock(3, payload))
	data, err := dev.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.EqualValues(t, 4, dev.TotalBlocks())
}

func TestMemDevice_RejectsWrongSize(t *testing.T) {
	dev := blockio.NewMemDevice()
	err := dev.WriteBlock(0, []byte("too short"))
	assert.Error(t, err)
}

func TestFileDevice_UnwrittenBlockReadsZero(t *testing.T) {
	dir := t.TempDir()
	dev, err := blockio.NewFileDevice(dir, 16)
	require.NoError(t, err)

	data, err := dev.ReadBlock(2)
	require.NoError(t, err)
	assert.Len(t, data, blockio.BlockSize)
	for _, b := range data {
		assert.Zero(t, b)
	}
}

func TestFileDevice_WriteThenRead(t *testing.T) {
	dir := t.TempDir()
	dev, err := blockio.NewFileDevice(dir, 16)
	require.NoError(t, err)

	payload := make([]byte, blockio.BlockSize)
	copy(payload, []byte("persisted"))
	require.NoError(t, dev.WriteBlock(7, payload))

	require.FileExists(t, filepath.Join(dir, "blk-7"))

	data, err := dev.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
