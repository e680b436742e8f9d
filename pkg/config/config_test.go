package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCatalogue = `
[chip:SDM660]
VendorID = 0x05C6
ProductID = 0x9008
Loader = loaders/sdm660_firehose.elf
Storage = ufs

[chip:SDM660:patch0]
Description = disable secure boot check
Offset = 0x1000
Value = 0x00000000

[chip:SDM660:patch1]
Description = force unlock
Offset = 0x2000
Value = 0x01

[chip:MT6765]
VendorID = 0x0E8D
ProductID = 0x0003
Loader = loaders/mt6765_da.bin
Storage = emmc
`

func TestLoadBytesParsesChipsAndPatches(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleCatalogue))
	require.NoError(t, err)
	require.Len(t, cfg.Chips, 2)

	sdm660 := cfg.Chips["SDM660"]
	require.NotNil(t, sdm660)
	require.Equal(t, uint16(0x05C6), sdm660.VendorID)
	require.Equal(t, uint16(0x9008), sdm660.ProductID)
	require.Equal(t, "loaders/sdm660_firehose.elf", sdm660.Loader)
	require.Equal(t, "ufs", sdm660.Storage)
	require.Len(t, sdm660.Patches, 2)
	require.Equal(t, uint64(0x1000), sdm660.Patches[0].Offset)
	require.Equal(t, []byte{0, 0, 0, 0}, sdm660.Patches[0].Value)
	require.Equal(t, uint64(0x2000), sdm660.Patches[1].Offset)
	require.Equal(t, []byte{0x01}, sdm660.Patches[1].Value)

	mt6765 := cfg.Chips["MT6765"]
	require.NotNil(t, mt6765)
	require.Equal(t, "emmc", mt6765.Storage)
	require.Empty(t, mt6765.Patches)
}

func TestByVIDPIDFindsCatalogueEntry(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleCatalogue))
	require.NoError(t, err)

	chip := cfg.ByVIDPID(0x0E8D, 0x0003)
	require.NotNil(t, chip)
	require.Equal(t, "MT6765", chip.Name)

	require.Nil(t, cfg.ByVIDPID(0xFFFF, 0xFFFF))
}

func TestPatchReferencingUnknownChipFails(t *testing.T) {
	_, err := LoadBytes([]byte(`
[chip:GHOST:patch0]
Offset = 0x10
Value = 0x00
`))
	require.Error(t, err)
}

func TestMissingVendorIDFails(t *testing.T) {
	_, err := LoadBytes([]byte(`
[chip:BAD]
ProductID = 0x1234
`))
	require.Error(t, err)
}
