package engine

import (
	"context"
	"encoding/hex"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/errors"
)

// decoder decodes one instruction at pc and returns its length and text.
type decoder func(code []byte, pc uint64, sym x86asm.SymLookup) (int, string, error)

func (a *Analysis) decoder() (decoder, error) {
	switch a.img.arch {
	case "amd64", "386":
		mode := a.img.bits
		return func(code []byte, pc uint64, sym x86asm.SymLookup) (int, string, error) {
			inst, err := x86asm.Decode(code, mode)
			if err != nil {
				return 0, "", err
			}
			return inst.Len, x86asm.IntelSyntax(inst, pc, sym), nil
		}, nil
	case "arm64":
		return func(code []byte, _ uint64, _ x86asm.SymLookup) (int, string, error) {
			inst, err := arm64asm.Decode(code)
			if err != nil {
				return 0, "", err
			}
			return 4, arm64asm.GNUSyntax(inst), nil
		}, nil
	default:
		return nil, errors.Validation("disassembly is not supported for %s binaries", a.img.arch)
	}
}

// Disassemble implements Program. It decodes up to count instructions
// starting at addr and stops at the end of the containing section. Bytes
// that do not decode are emitted as a one-byte "(bad)" entry.
func (a *Analysis) Disassemble(ctx context.Context, addr Addr, count int) ([]Instruction, error) {
	if count <= 0 {
		return nil, errors.Validation("count must be positive")
	}
	count = min(count, constants.MaxDisassemblyCount)

	decode, err := a.decoder()
	if err != nil {
		return nil, err
	}

	code, sec, ok := a.img.bytesAt(uint64(addr))
	if !ok {
		if sec.Name == "" {
			return nil, errors.Validation("address %s is outside every section", addr)
		}
		return nil, errors.Validation("address %s is in %s, which has no file contents", addr, sec.Name)
	}

	names, err := a.functionNames(ctx)
	if err != nil {
		return nil, err
	}
	annotations, err := a.mergedAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	lookup := func(target uint64) (string, uint64) {
		if name, ok := names[target]; ok {
			return name, target
		}
		return "", 0
	}

	out := make([]Instruction, 0, count)
	pc := uint64(addr)
	for len(code) > 0 && len(out) < count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, text, err := decode(code, pc, lookup)
		if err != nil || n <= 0 || n > len(code) {
			n, text = 1, "(bad)"
		}

		inst := Instruction{
			Address: Addr(pc),
			Bytes:   hex.EncodeToString(code[:n]),
			Text:    text,
			Label:   names[pc],
		}
		if ann, ok := annotations[pc]; ok {
			inst.Comment = ann.Comment
		}
		out = append(out, inst)

		code = code[n:]
		pc += uint64(n)
	}
	return out, nil
}
