package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/testutil"
)

func openFixture(t *testing.T, cfg Config, opts resource.Options) (*Analysis, string) {
	t.Helper()
	path := testutil.WriteMinimalELF(t)
	eng := New(cfg, testutil.NewTestLogger(t))

	db, err := eng.Open(context.Background(), path, opts)
	require.NoError(t, err)
	a, ok := db.(*Analysis)
	require.True(t, ok)
	t.Cleanup(func() { _ = a.Close(context.Background(), false) })
	return a, path
}

func TestParseImage_ELF(t *testing.T) {
	img, err := parseImage(testutil.MinimalELF())
	require.NoError(t, err)

	assert.Equal(t, FormatELF, img.format)
	assert.Equal(t, "amd64", img.arch)
	assert.Equal(t, 64, img.bits)
	assert.Equal(t, "little", img.endian)
	assert.Equal(t, uint64(testutil.ELFMainAddr), img.entry)

	names := make([]string, len(img.sections))
	for i, s := range img.sections {
		names[i] = s.Name
	}
	assert.Equal(t, []string{".text", ".rodata", ".bss", ".symtab", ".strtab", ".shstrtab"}, names)
	assert.Equal(t, "r-x", img.sections[0].Perms)
	assert.True(t, img.sections[0].Executable)
	assert.Equal(t, "rw-", img.sections[2].Perms)
	assert.Zero(t, img.sections[2].FileSize)

	require.Len(t, img.functions, 2)
	assert.Equal(t, Function{Address: testutil.ELFMainAddr, Name: "main", Size: 6, Source: "symbol"}, img.functions[0])
	assert.Equal(t, Function{Address: testutil.ELFHelperAddr, Name: "helper", Size: 3, Source: "symbol"}, img.functions[1])
	assert.Empty(t, img.imports)
}

func TestParseImage_Unsupported(t *testing.T) {
	_, err := parseImage([]byte("#!/bin/sh\necho hi\n"))
	assert.ErrorContains(t, err, "unsupported binary format")

	_, err = parseImage([]byte("\x7fELF garbage"))
	assert.ErrorContains(t, err, "parse ELF")
}

func TestExtractStrings(t *testing.T) {
	img, err := parseImage(testutil.MinimalELF())
	require.NoError(t, err)

	got := img.extractStrings(4)
	assert.Equal(t, []String{
		{Address: testutil.ELFRodataAddr, Section: ".rodata", Value: "hello world", Length: 11},
		{Address: testutil.ELFRodataAddr + 12, Section: ".rodata", Value: "binmcp test", Length: 11},
	}, got)

	assert.Len(t, img.extractStrings(2), 3)
}

func TestFinish_FillsSizesAndEntry(t *testing.T) {
	img := &image{
		entry: 0x1010,
		sections: []Section{
			{Name: ".text", Address: 0x1000, Size: 0x40, FileSize: 0x40, Executable: true},
		},
		functions: []Function{
			{Address: 0x1020, Name: "b"},
			{Address: 0x1000, Name: "a"},
			{Address: 0x1000, Name: "a_alias", Size: 8},
		},
		imports: []Import{{Library: "libc.so.6", Name: "puts"}, {Library: "libc.so.6", Name: "puts"}, {Name: "abort"}},
	}
	img.finish()

	require.Len(t, img.functions, 3)
	assert.Equal(t, "a_alias", img.functions[0].Name, "a sized alias wins")
	assert.Equal(t, uint64(8), img.functions[0].Size)
	assert.Equal(t, Function{Address: 0x1010, Name: "entry", Size: 0x10, Source: "entry"}, img.functions[1])
	assert.Equal(t, uint64(0x20), img.functions[2].Size, "last function runs to the section end")

	assert.Equal(t, []Import{{Name: "abort"}, {Library: "libc.so.6", Name: "puts"}}, img.imports)
}

func TestAddr_JSON(t *testing.T) {
	b, err := json.Marshal(Addr(0x401000))
	require.NoError(t, err)
	assert.Equal(t, `"0x401000"`, string(b))

	var a Addr
	require.NoError(t, json.Unmarshal([]byte(`"4198400"`), &a))
	assert.Equal(t, Addr(0x401000), a)
	require.NoError(t, json.Unmarshal([]byte(`4198406`), &a))
	assert.Equal(t, Addr(0x401006), a)

	_, err = ParseAddr("main")
	assert.Error(t, err)
	_, err = ParseAddr("")
	assert.Error(t, err)
}

func TestOpen_AutoAnalysis(t *testing.T) {
	ctx := context.Background()
	a, path := openFixture(t, Config{}, resource.Options{AutoAnalysis: true})

	md, err := a.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, md.Path)
	assert.Equal(t, path+constants.AnalysisDBSuffix, md.Database)
	assert.True(t, md.Analyzed)
	assert.Equal(t, 6, md.Sections)
	assert.Equal(t, 2, md.Functions)
	assert.Equal(t, 2, md.Strings)
	assert.Zero(t, md.Imports)
	assert.Len(t, md.Fingerprint, 32)
	assert.FileExists(t, md.Database)

	fns, err := a.Functions(ctx)
	require.NoError(t, err)
	require.Len(t, fns, 2)
	assert.Equal(t, "main", fns[0].Name)

	strs, err := a.Strings(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, strs, 2)
	strs, err = a.Strings(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, strs)
}

func TestOpen_WithoutAnalysis(t *testing.T) {
	ctx := context.Background()
	a, _ := openFixture(t, Config{InMemory: true}, resource.Options{})

	sections, err := a.Sections(ctx)
	require.NoError(t, err)
	assert.Len(t, sections, 6)
	assert.Equal(t, Addr(testutil.ELFTextAddr), sections[0].Address)

	_, err = a.Functions(ctx)
	assert.True(t, errors.Is(err, errors.KindState))
	_, err = a.Imports(ctx)
	assert.True(t, errors.Is(err, errors.KindState))
	_, err = a.Strings(ctx, 0)
	assert.True(t, errors.Is(err, errors.KindState))

	md, err := a.Analyze(ctx)
	require.NoError(t, err)
	assert.True(t, md.Analyzed)
	assert.Equal(t, ":memory:", md.Database)
	assert.Equal(t, 2, md.Functions)

	md, err = a.Analyze(ctx)
	require.NoError(t, err, "analyze is idempotent")
	assert.Equal(t, 2, md.Functions)
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	eng := New(Config{InMemory: true, MaxBinarySize: 64}, testutil.NewTestLogger(t))

	_, err := eng.Open(ctx, filepath.Join(dir, "missing"), resource.Options{})
	assert.True(t, errors.Is(err, errors.KindNotFound))

	_, err = eng.Open(ctx, dir, resource.Options{})
	assert.True(t, errors.Is(err, errors.KindValidation))

	big := testutil.WriteMinimalELF(t)
	_, err = eng.Open(ctx, big, resource.Options{})
	assert.True(t, errors.Is(err, errors.KindValidation), "fixture exceeds the 64 byte cap")

	script := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o600))
	_, err = eng.Open(ctx, script, resource.Options{})
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = New(Config{InMemory: true}, testutil.NewTestLogger(t)).Open(ctx, big, resource.Options{
		Args: map[string]string{ArgMinStringLength: "zero"},
	})
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestOpen_MinStringLengthArg(t *testing.T) {
	a, _ := openFixture(t, Config{InMemory: true}, resource.Options{
		AutoAnalysis: true,
		Args:         map[string]string{ArgMinStringLength: "2"},
	})
	strs, err := a.Strings(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, strs, 3)
}

func TestAnnotations_SaveAndReopen(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteMinimalELF(t)
	eng := New(Config{}, testutil.NewTestLogger(t))

	db, err := eng.Open(ctx, path, resource.Options{AutoAnalysis: true})
	require.NoError(t, err)
	a := db.(*Analysis)

	ann, err := a.Rename(ctx, testutil.ELFHelperAddr, "zero_rax")
	require.NoError(t, err)
	assert.True(t, ann.Pending)
	_, err = a.SetComment(ctx, testutil.ELFHelperAddr, "returns 0")
	require.NoError(t, err)
	_, err = a.SetComment(ctx, testutil.ELFRodataAddr, "greeting")
	require.NoError(t, err)

	fns, err := a.Functions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "zero_rax", fns[1].Name)
	assert.Equal(t, "helper", fns[1].Original)
	assert.Equal(t, "returns 0", fns[1].Comment)

	md, err := a.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, md.Annotations)
	assert.Equal(t, 2, md.Pending)

	require.NoError(t, a.Close(ctx, true))

	db, err = eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err)
	a = db.(*Analysis)
	defer func() { _ = a.Close(ctx, false) }()

	assert.True(t, a.analyzed.Load(), "analysis state is reused")
	anns, err := a.Annotations(ctx)
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, Addr(testutil.ELFHelperAddr), anns[0].Address)
	assert.Equal(t, "zero_rax", anns[0].Name)
	assert.Equal(t, "returns 0", anns[0].Comment)
	assert.False(t, anns[0].Pending)
	assert.Equal(t, "greeting", anns[1].Comment)
}

func TestAnnotations_DiscardedWithoutSave(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteMinimalELF(t)
	eng := New(Config{}, testutil.NewTestLogger(t))

	db, err := eng.Open(ctx, path, resource.Options{AutoAnalysis: true})
	require.NoError(t, err)
	_, err = db.(*Analysis).Rename(ctx, testutil.ELFMainAddr, "start")
	require.NoError(t, err)
	require.NoError(t, db.Close(ctx, false))

	db, err = eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx, false) }()

	anns, err := db.(*Analysis).Annotations(ctx)
	require.NoError(t, err)
	assert.Empty(t, anns)
}

func TestAnnotations_ClearedCommentIsDeleted(t *testing.T) {
	ctx := context.Background()
	a, _ := openFixture(t, Config{}, resource.Options{AutoAnalysis: true})

	_, err := a.SetComment(ctx, testutil.ELFRodataAddr, "greeting")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	_, err = a.SetComment(ctx, testutil.ELFRodataAddr, "")
	require.NoError(t, err)
	anns, err := a.Annotations(ctx)
	require.NoError(t, err)
	assert.Empty(t, anns, "a cleared annotation is hidden before save")

	require.NoError(t, a.Save(ctx))
	n, err := a.store.annotations.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAnnotations_Validation(t *testing.T) {
	ctx := context.Background()
	a, _ := openFixture(t, Config{InMemory: true}, resource.Options{AutoAnalysis: true})

	_, err := a.Rename(ctx, 0x401003, "mid")
	assert.True(t, errors.Is(err, errors.KindNotFound))

	for _, name := range []string{"", "has space", strings.Repeat("x", maxNameLength+1)} {
		_, err = a.Rename(ctx, testutil.ELFMainAddr, name)
		assert.True(t, errors.Is(err, errors.KindValidation), name)
	}

	_, err = a.SetComment(ctx, 0x10, "nowhere")
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestOpen_FingerprintMismatchResets(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteMinimalELF(t)
	eng := New(Config{}, testutil.NewTestLogger(t))

	db, err := eng.Open(ctx, path, resource.Options{AutoAnalysis: true})
	require.NoError(t, err)
	_, err = db.(*Analysis).Rename(ctx, testutil.ELFMainAddr, "start")
	require.NoError(t, err)
	require.NoError(t, db.Close(ctx, true))

	// Same layout, different string contents.
	data := testutil.MinimalELF()
	i := strings.Index(string(data), "hello world")
	require.Positive(t, i)
	copy(data[i:], "HELLO")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	db, err = eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err)
	defer func() { _ = db.Close(ctx, false) }()
	a := db.(*Analysis)

	assert.False(t, a.analyzed.Load())
	anns, err := a.Annotations(ctx)
	require.NoError(t, err)
	assert.Empty(t, anns)
}

func TestOpen_DatabaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	path := testutil.WriteMinimalELF(t)
	eng := New(Config{}, testutil.NewTestLogger(t))

	db, err := eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err)

	_, err = eng.Open(ctx, path, resource.Options{})
	assert.True(t, errors.Is(err, errors.KindState))

	mem, err := eng.Open(ctx, path, resource.Options{Args: map[string]string{ArgDatabase: "memory"}})
	require.NoError(t, err, "in-memory databases never conflict")
	require.NoError(t, mem.Close(ctx, false))

	require.NoError(t, db.Close(ctx, false))
	db, err = eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err, "closing releases the database")
	require.NoError(t, db.Close(ctx, false))

	_, err = eng.Open(ctx, path, resource.Options{Args: map[string]string{ArgMinStringLength: "-1"}})
	require.Error(t, err)
	db, err = eng.Open(ctx, path, resource.Options{})
	require.NoError(t, err, "a failed open releases the database")
	require.NoError(t, db.Close(ctx, false))
}

func TestDatabasePath(t *testing.T) {
	eng := New(Config{}, testutil.NewTestLogger(t))
	assert.Equal(t, "/bin/ls"+constants.AnalysisDBSuffix, eng.databasePath("/bin/ls", resource.Options{}))
	assert.Empty(t, eng.databasePath("/bin/ls", resource.Options{Args: map[string]string{ArgDatabase: "memory"}}))

	dir := t.TempDir()
	eng = New(Config{DatabaseDir: dir}, testutil.NewTestLogger(t))
	got := eng.databasePath("/bin/ls", resource.Options{})
	assert.Equal(t, dir, filepath.Dir(got))
	assert.True(t, strings.HasPrefix(filepath.Base(got), "ls-"))
	assert.NotEqual(t, got, eng.databasePath("/usr/bin/ls", resource.Options{}), "same base name in different directories")
}

func TestDisassemble(t *testing.T) {
	ctx := context.Background()
	a, _ := openFixture(t, Config{InMemory: true}, resource.Options{AutoAnalysis: true})

	_, err := a.SetComment(ctx, testutil.ELFHelperAddr, "zero")
	require.NoError(t, err)

	insts, err := a.Disassemble(ctx, testutil.ELFMainAddr, 10)
	require.NoError(t, err)
	require.Len(t, insts, 6, "decoding stops at the end of .text")

	assert.Equal(t, Addr(testutil.ELFMainAddr), insts[0].Address)
	assert.Equal(t, "55", insts[0].Bytes)
	assert.Equal(t, "main", insts[0].Label)
	assert.Contains(t, insts[0].Text, "push")
	assert.Equal(t, "4889e5", insts[1].Bytes)
	assert.Contains(t, insts[3].Text, "ret")

	assert.Equal(t, Addr(testutil.ELFHelperAddr), insts[4].Address)
	assert.Equal(t, "helper", insts[4].Label)
	assert.Equal(t, "zero", insts[4].Comment)
	assert.Contains(t, insts[4].Text, "xor")

	insts, err = a.Disassemble(ctx, testutil.ELFMainAddr, 2)
	require.NoError(t, err)
	assert.Len(t, insts, 2)

	_, err = a.Disassemble(ctx, testutil.ELFMainAddr, 0)
	assert.True(t, errors.Is(err, errors.KindValidation))
	_, err = a.Disassemble(ctx, 0x10, 1)
	assert.True(t, errors.Is(err, errors.KindValidation))
	_, err = a.Disassemble(ctx, testutil.ELFBssAddr, 1)
	assert.ErrorContains(t, err, "no file contents")
}

func TestDisassemble_UnsupportedArch(t *testing.T) {
	a := &Analysis{img: &image{arch: "mips"}}
	_, err := a.Disassemble(context.Background(), 0x1000, 1)
	assert.True(t, errors.Is(err, errors.KindValidation))
}

func TestProgramSatisfiesDatabase(t *testing.T) {
	var db resource.Database = &Analysis{}
	_, ok := db.(Program)
	assert.True(t, ok)
}
