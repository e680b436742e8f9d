// Package device parses the unified partition model the flashing engines
// resolve partition names against: a GPT-backed table (for ISP/fastboot/
// Firehose engines that expose raw or block-addressable storage) plus the
// A/B slot-suffix resolution rule every engine shares.
package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/flashkit/goflash"
)

const (
	gptSignature   = "EFI PART"
	gptHeaderLBA   = 1
	gptEntryArrayLBA = 2
	gptEntrySize   = 128
	gptNameBytes   = 72
)

// PartitionEntry is one catalogued GPT partition.
type PartitionEntry struct {
	Name       string
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

// SizeBytes returns the partition's size given the disk's logical block
// size, inclusive of both boundary LBAs per the UEFI GPT definition.
func (p PartitionEntry) SizeBytes(blockSize uint64) uint64 {
	return (p.LastLBA - p.FirstLBA + 1) * blockSize
}

// PartitionTable is an ordered, name-indexed view over a disk's partitions.
type PartitionTable struct {
	BlockSize  uint64
	Entries    []PartitionEntry
	ActiveSlot string // "_a" or "_b"; empty if the device has no A/B slots
}

// ParseGPT reads the GPT header and entry array from r (a ReaderAt over the
// whole disk, positional reads at arbitrary LBAs) using the given logical
// block size.
func ParseGPT(r ReaderAt, blockSize uint64) (*PartitionTable, error) {
	header := make([]byte, blockSize)
	if _, err := r.ReadAt(header, int64(gptHeaderLBA)*int64(blockSize)); err != nil {
		return nil, fmt.Errorf("reading GPT header: %w", err)
	}
	if !bytes.Equal(header[0:8], []byte(gptSignature)) {
		return nil, fmt.Errorf("%w: bad GPT signature", goflash.ErrBadFrame)
	}

	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	entryCount := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize != gptEntrySize {
		return nil, fmt.Errorf("%w: unexpected GPT entry size %d", goflash.ErrBadFrame, entrySize)
	}

	entries := make([]byte, int(entryCount)*gptEntrySize)
	if _, err := r.ReadAt(entries, int64(entryLBA)*int64(blockSize)); err != nil {
		return nil, fmt.Errorf("reading GPT entry array: %w", err)
	}

	table := &PartitionTable{BlockSize: blockSize}
	for i := uint32(0); i < entryCount; i++ {
		raw := entries[i*gptEntrySize : (i+1)*gptEntrySize]
		typeGUID := parseMixedEndianGUID(raw[0:16])
		if typeGUID == uuid.Nil {
			continue // unused entry
		}
		entry := PartitionEntry{
			TypeGUID:   typeGUID,
			UniqueGUID: parseMixedEndianGUID(raw[16:32]),
			FirstLBA:   binary.LittleEndian.Uint64(raw[32:40]),
			LastLBA:    binary.LittleEndian.Uint64(raw[40:48]),
			Attributes: binary.LittleEndian.Uint64(raw[48:56]),
			Name:       decodeUTF16LEName(raw[56 : 56+gptNameBytes]),
		}
		table.Entries = append(table.Entries, entry)
	}
	return table, nil
}

// parseMixedEndianGUID reads a 16-byte GPT GUID field, whose first three
// components are little-endian and last two are big-endian per the UEFI
// spec, into a canonical uuid.UUID.
func parseMixedEndianGUID(b []byte) uuid.UUID {
	var out uuid.UUID
	binary.BigEndian.PutUint32(out[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(out[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(out[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(out[8:], b[8:16])
	return out
}

func decodeUTF16LEName(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	// Trim at the first NUL code unit.
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

// ReaderAt is the positional-read interface ParseGPT needs; satisfied by
// pkg/transport/block's Transport and by *os.File alike.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Resolve finds the partition matching name, applying A/B slot routing: an
// entry named exactly name is returned first; only when there is none, name
// has no slot suffix and the table has an ActiveSlot is the entry for
// name+ActiveSlot returned. An explicit "_a"/"_b" suffix on name is always
// honored verbatim.
func (t *PartitionTable) Resolve(name string) (*PartitionEntry, error) {
	if e := t.find(name); e != nil {
		return e, nil
	}
	if t.ActiveSlot != "" && !hasSlotSuffix(name) {
		if e := t.find(name + t.ActiveSlot); e != nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: partition %q not found", goflash.ErrInvalidArgument, name)
}

func (t *PartitionTable) find(name string) *PartitionEntry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

func hasSlotSuffix(name string) bool {
	return len(name) >= 2 && name[len(name)-2] == '_' && (name[len(name)-1] == 'a' || name[len(name)-1] == 'b')
}
