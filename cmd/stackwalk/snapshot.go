package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// snapshot is the self-describing JSON input cmd/stackwalk reads in place
// of a real minidump: a register seed plus the raw memory words the
// walker is allowed to read. spec.md scopes minidump parsing itself out
// as an external collaborator (§1); this is the CLI's own stand-in input
// format for driving pkg/stackwalk end to end.
type snapshot struct {
	Arch       string            `json:"arch"`
	ModuleID   string            `json:"module_id"`
	ModulePath string            `json:"module_path"`
	ModuleBase uint64            `json:"module_base"`
	ModuleSize uint64            `json:"module_size"`
	Registers  map[string]uint64 `json:"registers"`
	Memory     map[string]uint64 `json:"memory"`
}

func loadSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return &s, nil
}

// mapMemory is a stackwalk.Memory backed by the snapshot's sparse word
// map, keyed by the addresses newMapMemory parses out of the JSON
// object's string keys (hex with a 0x prefix, or decimal).
type mapMemory map[uint64]uint64

func (m mapMemory) ReadWord(addr uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

func newMapMemory(words map[string]uint64) (mapMemory, error) {
	out := make(mapMemory, len(words))
	for k, v := range words {
		addr, err := parseAddr(k)
		if err != nil {
			return nil, fmt.Errorf("memory address %q: %w", k, err)
		}
		out[addr] = v
	}
	return out, nil
}

func parseAddr(s string) (uint64, error) {
	var addr uint64
	_, err := fmt.Sscanf(s, "0x%x", &addr)
	if err != nil {
		_, err = fmt.Sscanf(s, "%d", &addr)
	}
	return addr, err
}
