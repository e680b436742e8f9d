// Package config loads the chip/loader/patch catalogue the flashing engines
// consume as configuration input: which loader binary to stage for a given
// VID:PID, what storage technology a chip uses, and any signature-bypass
// patch offsets a Spreadtrum/MediaTek engine may apply. It never generates
// this data, only parses it.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// PatchEntry is one offset/value rewrite applied to a staged loader or
// partition image, used by the signature-bypass payload injection path.
type PatchEntry struct {
	Description string
	Offset      uint64
	Value       []byte
}

// ChipEntry is one catalogued chip: how to recognize it over USB and what
// loader and patches to use once connected.
type ChipEntry struct {
	Name      string
	VendorID  uint16
	ProductID uint16
	Loader    string
	Storage   string // "emmc", "ufs", "nvme", "spinor", as catalogued
	Patches   []PatchEntry
}

// Config is the parsed chip catalogue.
type Config struct {
	Chips map[string]*ChipEntry
}

var sectionRegexp = regexp.MustCompile(`^chip:([^:]+)$`)
var patchRegexp = regexp.MustCompile(`^chip:([^:]+):patch(\d+)$`)

// Load parses an ini-formatted catalogue. Sections are named
// "chip:<name>" for the chip's own fields and "chip:<name>:patchN" for its
// ordered patch list.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(f)
}

// LoadBytes parses an in-memory catalogue, for embedding a default
// catalogue or for tests.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, err
	}
	return parse(f)
}

func parse(f *ini.File) (*Config, error) {
	cfg := &Config{Chips: make(map[string]*ChipEntry)}

	for _, section := range f.Sections() {
		name := section.Name()
		if m := sectionRegexp.FindStringSubmatch(name); m != nil {
			chip, err := chipFromSection(m[1], section)
			if err != nil {
				return nil, fmt.Errorf("config: chip %q: %w", m[1], err)
			}
			cfg.Chips[m[1]] = chip
		}
	}

	for _, section := range f.Sections() {
		name := section.Name()
		if m := patchRegexp.FindStringSubmatch(name); m != nil {
			chip, ok := cfg.Chips[m[1]]
			if !ok {
				return nil, fmt.Errorf("config: patch section %q references unknown chip %q", name, m[1])
			}
			patch, err := patchFromSection(section)
			if err != nil {
				return nil, fmt.Errorf("config: %q: %w", name, err)
			}
			chip.Patches = append(chip.Patches, patch)
		}
	}

	return cfg, nil
}

func chipFromSection(name string, section *ini.Section) (*ChipEntry, error) {
	vid, err := parseHexKey(section, "VendorID")
	if err != nil {
		return nil, err
	}
	pid, err := parseHexKey(section, "ProductID")
	if err != nil {
		return nil, err
	}
	return &ChipEntry{
		Name:      name,
		VendorID:  uint16(vid),
		ProductID: uint16(pid),
		Loader:    section.Key("Loader").String(),
		Storage:   strings.ToLower(strings.TrimSpace(section.Key("Storage").String())),
	}, nil
}

func patchFromSection(section *ini.Section) (PatchEntry, error) {
	offset, err := parseHexKey(section, "Offset")
	if err != nil {
		return PatchEntry{}, err
	}
	valueHex := strings.TrimSpace(section.Key("Value").String())
	valueHex = strings.TrimPrefix(valueHex, "0x")
	if len(valueHex)%2 != 0 {
		valueHex = "0" + valueHex
	}
	value := make([]byte, len(valueHex)/2)
	for i := range value {
		b, err := strconv.ParseUint(valueHex[i*2:i*2+2], 16, 8)
		if err != nil {
			return PatchEntry{}, fmt.Errorf("invalid Value: %w", err)
		}
		value[i] = byte(b)
	}
	return PatchEntry{
		Description: section.Key("Description").String(),
		Offset:      offset,
		Value:       value,
	}, nil
}

func parseHexKey(section *ini.Section, key string) (uint64, error) {
	raw := strings.TrimSpace(section.Key(key).String())
	if raw == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// ByVIDPID returns a chip entry matching the given USB identifiers, or nil
// if none is catalogued. Chips is a map, so which entry is returned when
// several match is not defined.
func (c *Config) ByVIDPID(vendorID, productID uint16) *ChipEntry {
	for _, chip := range c.Chips {
		if chip.VendorID == vendorID && chip.ProductID == productID {
			return chip
		}
	}
	return nil
}
