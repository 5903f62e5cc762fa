package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PortalEntry is one portal a character can step through. A portal sits on
// SrcMapID and leads to DstMapID, which may be simulated by another channel.
type PortalEntry struct {
	ID       int32 `yaml:"id"`
	SrcMapID int32 `yaml:"src_map_id"`
	DstMapID int32 `yaml:"dst_map_id"`
	// DstChannel pins the destination to a channel; 0 leaves it to the
	// channel's map_channels table.
	DstChannel int32 `yaml:"dst_channel,omitempty"`
	// Instanced portals lead into a private instance owned by the character.
	Instanced bool   `yaml:"instanced,omitempty"`
	Note      string `yaml:"note,omitempty"`
}

// PortalTable provides lookup of portals by id.
type PortalTable struct {
	portals map[int32]*PortalEntry
}

// LoadPortalTable loads portal_list.yaml.
func LoadPortalTable(path string) (*PortalTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portal list: %w", err)
	}
	return ParsePortalTable(raw)
}

// ParsePortalTable decodes a YAML portal list. Duplicate ids are rejected.
func ParsePortalTable(raw []byte) (*PortalTable, error) {
	var entries []PortalEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse portal list: %w", err)
	}
	t := &PortalTable{
		portals: make(map[int32]*PortalEntry, len(entries)),
	}
	for i := range entries {
		e := &entries[i]
		if e.ID <= 0 {
			return nil, fmt.Errorf("portal list entry %d: id must be positive", i)
		}
		if _, dup := t.portals[e.ID]; dup {
			return nil, fmt.Errorf("portal list: duplicate id %d", e.ID)
		}
		t.portals[e.ID] = e
	}
	return t, nil
}

// Get returns the portal with the given id, or nil if none.
func (t *PortalTable) Get(id int32) *PortalEntry {
	if t == nil {
		return nil
	}
	return t.portals[id]
}

// Count returns the total number of portals loaded.
func (t *PortalTable) Count() int {
	if t == nil {
		return 0
	}
	return len(t.portals)
}
