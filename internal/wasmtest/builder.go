// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import "fmt"

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Opcodes used by the prebuilt modules.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpEnd         byte = 0x0b
	OpBr          byte = 0x0c
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpI32Load     byte = 0x28
	OpI32Store    byte = 0x36
	OpI32Const    byte = 0x41
	OpI32Add      byte = 0x6a

	blockEmpty byte = 0x40
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	exportFunc   = 0x00
	exportMemory = 0x02
)

type funcType struct {
	params, results []ValType
}

type importedFunc struct {
	module, name string
	typ          uint32
}

type definedFunc struct {
	typ    uint32
	export string
	body   []byte
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates a module. Imports must be declared before any function
// is defined so function indices stay stable.
type Builder struct {
	types   []funcType
	imports []importedFunc
	funcs   []definedFunc
	pages   uint32
	data    []segment
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []ValType) uint32 {
	for i, t := range b.types {
		if equal(t.params, params) && equal(t.results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: Import after Func")
	}
	b.imports = append(b.imports, importedFunc{module: module, name: name, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function with the given instructions (without the trailing
// end opcode) and returns its index. An empty export name keeps it private.
func (b *Builder) Func(export string, params, results []ValType, code ...[]byte) uint32 {
	var body []byte
	body = append(body, 0x00) // no locals
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, OpEnd)
	b.funcs = append(b.funcs, definedFunc{typ: b.typeIndex(params, results), export: export, body: body})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory defines a single exported linear memory of the given size.
func (b *Builder) Memory(pages uint32) {
	b.pages = pages
}

// Data places p at offset in the module's memory.
func (b *Builder) Data(offset uint32, p []byte) {
	b.data = append(b.data, segment{offset: offset, data: p})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = appendValTypes(s, t.params)
			s = appendValTypes(s, t.results)
		}
		out = appendSection(out, sectionType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.imports)))
		for _, imp := range b.imports {
			s = appendName(s, imp.module)
			s = appendName(s, imp.name)
			s = append(s, exportFunc)
			s = appendU32(s, imp.typ)
		}
		out = appendSection(out, sectionImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s = appendU32(s, f.typ)
		}
		out = appendSection(out, sectionFunction, s)
	}

	if b.pages > 0 {
		s := []byte{0x01, 0x00}
		s = appendU32(s, b.pages)
		out = appendSection(out, sectionMemory, s)
	}

	var exports []byte
	var nexports uint32
	for i, f := range b.funcs {
		if f.export == "" {
			continue
		}
		exports = appendName(exports, f.export)
		exports = append(exports, exportFunc)
		exports = appendU32(exports, uint32(len(b.imports)+i))
		nexports++
	}
	if b.pages > 0 {
		exports = appendName(exports, "memory")
		exports = append(exports, exportMemory, 0x00)
		nexports++
	}
	if nexports > 0 {
		out = appendSection(out, sectionExport, append(appendU32(nil, nexports), exports...))
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s = appendU32(s, uint32(len(f.body)))
			s = append(s, f.body...)
		}
		out = appendSection(out, sectionCode, s)
	}

	if len(b.data) > 0 {
		if b.pages == 0 {
			panic("wasmtest: data without memory")
		}
		var s []byte
		s = appendU32(s, uint32(len(b.data)))
		for _, seg := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(seg.offset))...)
			s = append(s, OpEnd)
			s = appendU32(s, uint32(len(seg.data)))
			s = append(s, seg.data...)
		}
		out = appendSection(out, sectionData, s)
	}

	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return appendS32([]byte{OpI32Const}, v)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return appendU32([]byte{OpCall}, idx)
}

// Op wraps single-byte opcodes.
func Op(ops ...byte) []byte {
	return ops
}

// Load encodes i32.load with natural alignment and no offset.
func Load() []byte {
	return []byte{OpI32Load, 0x02, 0x00}
}

// Store encodes i32.store with natural alignment and no offset.
func Store() []byte {
	return []byte{OpI32Store, 0x02, 0x00}
}

// Forever encodes an empty loop that branches to itself.
func Forever() []byte {
	return []byte{OpLoop, blockEmpty, OpBr, 0x00, OpEnd}
}

func appendSection(out []byte, id byte, contents []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(contents)))
	return append(out, contents...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendValTypes(out []byte, ts []ValType) []byte {
	out = appendU32(out, uint32(len(ts)))
	for _, t := range ts {
		out = append(out, byte(t))
	}
	return out
}

func appendU32(out []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func appendS32(out []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

func equal(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	}
	return fmt.Sprintf("valtype(%#x)", byte(t))
}
