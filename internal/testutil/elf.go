package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Addresses laid out by MinimalELF.
const (
	ELFTextAddr   = 0x401000
	ELFMainAddr   = 0x401000
	ELFHelperAddr = 0x401006
	ELFRodataAddr = 0x402000
	ELFBssAddr    = 0x403000
)

// ELF fixture contents.
var (
	// main: push rbp; mov rbp, rsp; pop rbp; ret
	elfMainCode = []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3}
	// helper: xor eax, eax; ret
	elfHelperCode = []byte{0x31, 0xc0, 0xc3}
	elfRodata     = []byte("hello world\x00binmcp test\x00ab\x00")
)

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

type elfSection struct {
	hdr  elf.Section64
	data []byte
}

// MinimalELF returns a statically laid out x86-64 ELF executable with two
// functions (main, helper), two strings in .rodata and an empty .bss.
func MinimalELF() []byte {
	le := binary.LittleEndian
	shstr := newStrtab()
	symstr := newStrtab()

	text := append(append([]byte(nil), elfMainCode...), elfHelperCode...)

	var syms bytes.Buffer
	for _, sym := range []elf.Sym64{
		{},
		{Name: symstr.add("helper"), Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_FUNC), Shndx: 1, Value: ELFHelperAddr, Size: uint64(len(elfHelperCode))},
		{Name: symstr.add("greeting"), Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_OBJECT), Shndx: 2, Value: ELFRodataAddr, Size: 12},
		{Name: symstr.add("main"), Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: ELFMainAddr, Size: uint64(len(elfMainCode))},
	} {
		_ = binary.Write(&syms, le, sym)
	}

	sections := []*elfSection{
		{},
		{hdr: elf.Section64{Name: shstr.add(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addr: ELFTextAddr, Addralign: 16}, data: text},
		{hdr: elf.Section64{Name: shstr.add(".rodata"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC), Addr: ELFRodataAddr, Addralign: 1}, data: elfRodata},
		{hdr: elf.Section64{Name: shstr.add(".bss"), Type: uint32(elf.SHT_NOBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE), Addr: ELFBssAddr, Size: 0x100, Addralign: 8}},
		{hdr: elf.Section64{Name: shstr.add(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: 5, Info: 3, Addralign: 8, Entsize: elf.Sym64Size}, data: syms.Bytes()},
		{hdr: elf.Section64{Name: shstr.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
		{hdr: elf.Section64{Name: shstr.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
	}
	sections[5].data = symstr.buf.Bytes()
	sections[6].data = shstr.buf.Bytes()

	const headerSize = 64
	var body bytes.Buffer
	offset := uint64(headerSize)
	for _, s := range sections[1:] {
		if s.hdr.Type == uint32(elf.SHT_NOBITS) {
			s.hdr.Off = offset
			continue
		}
		for offset%8 != 0 {
			body.WriteByte(0)
			offset++
		}
		s.hdr.Off = offset
		s.hdr.Size = uint64(len(s.data))
		body.Write(s.data)
		offset += uint64(len(s.data))
	}
	for offset%8 != 0 {
		body.WriteByte(0)
		offset++
	}
	shoff := offset

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     ELFMainAddr,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  6,
	})
	out.Write(body.Bytes())
	for _, s := range sections {
		_ = binary.Write(&out, le, s.hdr)
	}
	return out.Bytes()
}

// WriteMinimalELF writes MinimalELF into a temp directory and returns its path.
func WriteMinimalELF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample")
	if err := os.WriteFile(path, MinimalELF(), 0o600); err != nil {
		t.Fatalf("write ELF fixture: %v", err)
	}
	return path
}
