package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Addr is a virtual address. It marshals to JSON as a 0x-prefixed hex
// string and parses from hex or decimal.
type Addr uint64

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// MarshalJSON encodes the address as a hex string.
func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts a hex or decimal string, or a bare number.
func (a *Addr) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := ParseAddr(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddr parses "0x401000" or "4198400".
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return Addr(v), nil
}

// Metadata summarizes an opened binary and its analysis database.
type Metadata struct {
	Path        string `json:"path"`
	Database    string `json:"database"`
	Format      Format `json:"format"`
	Arch        string `json:"arch"`
	Bits        int    `json:"bits"`
	Endian      string `json:"endian"`
	Entry       Addr   `json:"entry"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
	Analyzed    bool   `json:"analyzed"`
	Sections    int    `json:"sections"`
	Functions   int    `json:"functions"`
	Imports     int    `json:"imports"`
	Strings     int    `json:"strings"`
	Annotations int    `json:"annotations"`
	Pending     int    `json:"pending_annotations"`
}

// Section is one section of the binary.
type Section struct {
	Name       string `json:"name"`
	Address    Addr   `json:"address"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	FileSize   uint64 `json:"file_size"`
	Perms      string `json:"perms"`
	Executable bool   `json:"executable"`
	Loaded     bool   `json:"loaded"`
}

// Function is a recovered function. Name reflects any saved or pending
// rename; Original keeps the name found in the binary.
type Function struct {
	Address  Addr   `json:"address"`
	Name     string `json:"name"`
	Original string `json:"original,omitempty"`
	Size     uint64 `json:"size"`
	Source   string `json:"source"`
	Comment  string `json:"comment,omitempty"`
}

// Import is one imported symbol.
type Import struct {
	Library string `json:"library"`
	Name    string `json:"name"`
}

// String is a printable run found in a data section.
type String struct {
	Address Addr   `json:"address"`
	Section string `json:"section"`
	Value   string `json:"value"`
	Length  int    `json:"length"`
}

// Instruction is one decoded instruction.
type Instruction struct {
	Address Addr   `json:"address"`
	Bytes   string `json:"bytes"`
	Text    string `json:"text"`
	Label   string `json:"label,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Annotation is a user comment or rename attached to an address. Pending
// annotations are staged in memory until the next save.
type Annotation struct {
	Address   Addr      `json:"address"`
	Comment   string    `json:"comment,omitempty"`
	Name      string    `json:"name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Pending   bool      `json:"pending"`
}
