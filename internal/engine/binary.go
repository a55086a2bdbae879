package engine

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Format names the container format of a binary.
type Format string

const (
	FormatELF   Format = "elf"
	FormatPE    Format = "pe"
	FormatMachO Format = "macho"
)

// image is a parsed binary held in memory for the lifetime of a Program.
type image struct {
	format    Format
	arch      string
	bits      int
	endian    string
	entry     uint64
	sections  []Section
	functions []Function
	imports   []Import
	// data is the byte range section file offsets refer to.
	data []byte
}

// section returns the section whose address range contains addr.
func (img *image) section(addr uint64) (Section, bool) {
	for _, s := range img.sections {
		if s.Size > 0 && uint64(s.Address) <= addr && addr < uint64(s.Address)+s.Size {
			return s, true
		}
	}
	return Section{}, false
}

// bytesAt returns the file bytes backing addr up to the end of its section.
func (img *image) bytesAt(addr uint64) ([]byte, Section, bool) {
	s, ok := img.section(addr)
	if !ok || s.FileSize == 0 {
		return nil, s, false
	}
	rel := addr - uint64(s.Address)
	if rel >= s.FileSize {
		return nil, s, false
	}
	start := s.Offset + rel
	end := s.Offset + s.FileSize
	if end > uint64(len(img.data)) || start >= end {
		return nil, s, false
	}
	return img.data[start:end], s, true
}

// parseImage detects the container format and extracts its layout.
func parseImage(data []byte) (*image, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return parseELF(data)
	case bytes.HasPrefix(data, []byte("MZ")):
		return parsePE(data)
	case isMachO(data):
		return parseMachO(data)
	}
	return nil, fmt.Errorf("unsupported binary format")
}

func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magicLE := binary.LittleEndian.Uint32(data)
	magicBE := binary.BigEndian.Uint32(data)
	for _, m := range []uint32{macho.Magic32, macho.Magic64, macho.MagicFat} {
		if magicLE == m || magicBE == m {
			return true
		}
	}
	return false
}

func perms(r, w, x bool) string {
	out := []byte("---")
	if r {
		out[0] = 'r'
	}
	if w {
		out[1] = 'w'
	}
	if x {
		out[2] = 'x'
	}
	return string(out)
}

func endianName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "big"
	}
	return "little"
}

func parseELF(data []byte) (*image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer func() { _ = f.Close() }()

	img := &image{
		format: FormatELF,
		arch:   elfArch(f.Machine),
		bits:   32,
		endian: endianName(f.ByteOrder),
		entry:  f.Entry,
		data:   data,
	}
	if f.Class == elf.ELFCLASS64 {
		img.bits = 64
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL || s.Name == "" {
			continue
		}
		fileSize := s.Size
		if s.Type == elf.SHT_NOBITS {
			fileSize = 0
		}
		exec := s.Flags&elf.SHF_EXECINSTR != 0
		img.sections = append(img.sections, Section{
			Name:       s.Name,
			Address:    Addr(s.Addr),
			Offset:     s.Offset,
			Size:       s.Size,
			FileSize:   fileSize,
			Perms:      perms(s.Flags&elf.SHF_ALLOC != 0, s.Flags&elf.SHF_WRITE != 0, exec),
			Executable: exec,
			Loaded:     s.Flags&elf.SHF_ALLOC != 0,
		})
	}

	collect := func(syms []elf.Symbol, source string) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			img.functions = append(img.functions, Function{
				Address: Addr(sym.Value),
				Name:    sym.Name,
				Size:    sym.Size,
				Source:  source,
			})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		collect(syms, "symbol")
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		collect(syms, "dynamic")
	}

	if imported, err := f.ImportedSymbols(); err == nil {
		for _, sym := range imported {
			img.imports = append(img.imports, Import{Library: sym.Library, Name: sym.Name})
		}
	}

	img.finish()
	return img, nil
}

func elfArch(m elf.Machine) string {
	switch m {
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_386:
		return "386"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_RISCV:
		return "riscv"
	default:
		return strings.ToLower(strings.TrimPrefix(m.String(), "EM_"))
	}
}

func parsePE(data []byte) (*image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE: %w", err)
	}
	defer func() { _ = f.Close() }()

	img := &image{format: FormatPE, endian: "little", data: data}
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		img.arch = "amd64"
	case pe.IMAGE_FILE_MACHINE_I386:
		img.arch = "386"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		img.arch = "arm64"
	default:
		img.arch = fmt.Sprintf("pe-machine-%#x", f.Machine)
	}

	var base uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		img.bits = 64
		base = oh.ImageBase
		img.entry = base + uint64(oh.AddressOfEntryPoint)
	case *pe.OptionalHeader32:
		img.bits = 32
		base = uint64(oh.ImageBase)
		img.entry = base + uint64(oh.AddressOfEntryPoint)
	default:
		img.bits = 32
	}

	for _, s := range f.Sections {
		exec := s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(s.Size)
		}
		img.sections = append(img.sections, Section{
			Name:     s.Name,
			Address:  Addr(base + uint64(s.VirtualAddress)),
			Offset:   uint64(s.Offset),
			Size:     size,
			FileSize: min(uint64(s.Size), size),
			Perms: perms(
				s.Characteristics&pe.IMAGE_SCN_MEM_READ != 0,
				s.Characteristics&pe.IMAGE_SCN_MEM_WRITE != 0,
				exec,
			),
			Executable: exec,
			Loaded:     true,
		})
	}

	const coffFunction = 0x20
	for _, sym := range f.Symbols {
		if sym.Type != coffFunction || sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(f.Sections) {
			continue
		}
		sec := f.Sections[sym.SectionNumber-1]
		img.functions = append(img.functions, Function{
			Address: Addr(base + uint64(sec.VirtualAddress) + uint64(sym.Value)),
			Name:    sym.Name,
			Source:  "symbol",
		})
	}

	if imported, err := f.ImportedSymbols(); err == nil {
		for _, entry := range imported {
			name, lib := entry, ""
			if i := strings.LastIndexByte(entry, ':'); i >= 0 {
				name, lib = entry[:i], entry[i+1:]
			}
			img.imports = append(img.imports, Import{Library: lib, Name: name})
		}
	}

	img.finish()
	return img, nil
}

func parseMachO(data []byte) (*image, error) {
	slice := data
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		fat, fatErr := macho.NewFatFile(bytes.NewReader(data))
		if fatErr != nil {
			return nil, fmt.Errorf("parse Mach-O: %w", err)
		}
		defer func() { _ = fat.Close() }()
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("parse Mach-O: empty universal binary")
		}
		arch := fat.Arches[0]
		for _, a := range fat.Arches {
			if a.Cpu == macho.CpuAmd64 || a.Cpu == macho.CpuArm64 {
				arch = a
				break
			}
		}
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("parse Mach-O: truncated universal binary")
		}
		slice = data[arch.Offset:end]
		f = arch.File
	} else {
		defer func() { _ = f.Close() }()
	}

	img := &image{
		format: FormatMachO,
		bits:   32,
		endian: endianName(f.ByteOrder),
		data:   slice,
	}
	if f.Magic == macho.Magic64 {
		img.bits = 64
	}
	switch f.Cpu {
	case macho.CpuAmd64:
		img.arch = "amd64"
	case macho.Cpu386:
		img.arch = "386"
	case macho.CpuArm64:
		img.arch = "arm64"
	case macho.CpuArm:
		img.arch = "arm"
	default:
		img.arch = strings.ToLower(f.Cpu.String())
	}

	const (
		sectionTypeMask     = 0xff
		zeroFill            = 0x1
		pureInstructions    = 0x80000000
		someInstructions    = 0x400
		loadCommandMain     = 0x80000028
		protRead, protWrite = 0x1, 0x2
		protExec            = 0x4
	)

	for _, s := range f.Sections {
		var prot uint32
		if seg := f.Segment(s.Seg); seg != nil {
			prot = seg.Prot
		}
		fileSize := s.Size
		if s.Flags&sectionTypeMask == zeroFill {
			fileSize = 0
		}
		exec := s.Flags&(pureInstructions|someInstructions) != 0
		img.sections = append(img.sections, Section{
			Name:       s.Seg + "," + s.Name,
			Address:    Addr(s.Addr),
			Offset:     uint64(s.Offset),
			Size:       s.Size,
			FileSize:   fileSize,
			Perms:      perms(prot&protRead != 0, prot&protWrite != 0, prot&protExec != 0),
			Executable: exec,
			Loaded:     true,
		})
	}

	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) >= 16 && f.ByteOrder.Uint32(raw[0:4]) == loadCommandMain {
			if text := f.Segment("__TEXT"); text != nil {
				img.entry = text.Addr + f.ByteOrder.Uint64(raw[8:16])
			}
		}
	}

	if f.Symtab != nil {
		const (
			typeMask = 0x0e
			inSect   = 0x0e
			stab     = 0xe0
		)
		for _, sym := range f.Symtab.Syms {
			if sym.Type&stab != 0 || sym.Type&typeMask != inSect || sym.Sect == 0 {
				continue
			}
			if int(sym.Sect) > len(img.sections) || !img.sections[sym.Sect-1].Executable {
				continue
			}
			img.functions = append(img.functions, Function{
				Address: Addr(sym.Value),
				Name:    sym.Name,
				Source:  "symbol",
			})
		}
	}

	if libs, err := f.ImportedLibraries(); err == nil && len(libs) == 1 {
		// A single dependency owns every import.
		if syms, err := f.ImportedSymbols(); err == nil {
			for _, name := range syms {
				img.imports = append(img.imports, Import{Library: libs[0], Name: name})
			}
		}
	} else if syms, err := f.ImportedSymbols(); err == nil {
		for _, name := range syms {
			img.imports = append(img.imports, Import{Name: name})
		}
	}

	img.finish()
	return img, nil
}

// finish dedupes functions by address, adds the entry point and fills in
// missing sizes from the distance to the next function.
func (img *image) finish() {
	byAddr := make(map[Addr]Function, len(img.functions))
	for _, fn := range img.functions {
		prev, seen := byAddr[fn.Address]
		if !seen || (prev.Size == 0 && fn.Size > 0) {
			byAddr[fn.Address] = fn
		}
	}
	if img.entry != 0 {
		if _, seen := byAddr[Addr(img.entry)]; !seen {
			if _, ok := img.section(img.entry); ok {
				byAddr[Addr(img.entry)] = Function{Address: Addr(img.entry), Name: "entry", Source: "entry"}
			}
		}
	}

	fns := make([]Function, 0, len(byAddr))
	for _, fn := range byAddr {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Address < fns[j].Address })

	for i := range fns {
		if fns[i].Size != 0 {
			continue
		}
		sec, ok := img.section(uint64(fns[i].Address))
		if !ok {
			continue
		}
		end := uint64(sec.Address) + sec.Size
		if i+1 < len(fns) && uint64(fns[i+1].Address) < end {
			end = uint64(fns[i+1].Address)
		}
		fns[i].Size = end - uint64(fns[i].Address)
	}
	img.functions = fns

	seen := make(map[Import]bool, len(img.imports))
	imports := make([]Import, 0, len(img.imports))
	for _, imp := range img.imports {
		if !seen[imp] {
			seen[imp] = true
			imports = append(imports, imp)
		}
	}
	sort.Slice(imports, func(i, j int) bool {
		if imports[i].Library != imports[j].Library {
			return imports[i].Library < imports[j].Library
		}
		return imports[i].Name < imports[j].Name
	})
	img.imports = imports
}

// extractStrings finds printable ASCII runs of at least minLen bytes in
// loaded, non-executable sections.
func (img *image) extractStrings(minLen int) []String {
	if minLen < 1 {
		minLen = 1
	}

	var out []String
	for _, s := range img.sections {
		if s.Executable || s.FileSize == 0 || !s.Loaded {
			continue
		}
		end := s.Offset + s.FileSize
		if end > uint64(len(img.data)) {
			continue
		}
		buf := img.data[s.Offset:end]

		start := -1
		flush := func(i int) {
			if start >= 0 && i-start >= minLen {
				out = append(out, String{
					Address: s.Address + Addr(start),
					Section: s.Name,
					Value:   string(buf[start:i]),
					Length:  i - start,
				})
			}
			start = -1
		}
		for i, b := range buf {
			if b == '\t' || (b >= 0x20 && b < 0x7f) {
				if start < 0 {
					start = i
				}
				continue
			}
			flush(i)
		}
		flush(len(buf))
	}
	return out
}
