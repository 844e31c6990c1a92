// Package astindex is the AST Index Service of spec.md §4.2: a
// parse-and-store service behind an async RW lock that maintains a
// symbol graph per file and serves name/content/cursor-context queries.
package astindex

import (
	"strings"

	"github.com/google/uuid"
)

// SymbolKind mirrors spec.md §3's symbol kinds.
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindField     SymbolKind = "field"
	KindTypeAlias SymbolKind = "type-alias"
	KindInterface SymbolKind = "interface"
	KindConstant  SymbolKind = "constant"
	KindVariable  SymbolKind = "variable"
)

// Range is a source range in both line and byte coordinates.
type Range struct {
	StartLine, EndLine int
	StartByte, EndByte int
}

// Symbol is one AST definition, per spec.md §3. The arena
// (map[uuid.UUID]*Symbol) holds parent/child guid lists rather than
// back-pointers, per spec.md §9's cyclic-structure design note.
type Symbol struct {
	Guid         uuid.UUID
	OfficialPath []string // name components from file down
	Kind         SymbolKind
	FullRange    Range
	DeclRange    Range // prefix of FullRange: signature only, no body
	ParentGuid   uuid.UUID
	ChildGuids   []uuid.UUID
	FileCpath    string
	Name         string
	Signature    string
	SourceText   string
}

// HasParent reports whether the symbol has a parent (ParentGuid != zero value).
func (s *Symbol) HasParent() bool {
	return s.ParentGuid != uuid.Nil
}

// Path renders the official path as a dotted string (e.g. "Bar.Method").
func (s *Symbol) Path() string {
	return strings.Join(s.OfficialPath, ".")
}

// stableGuid derives a guid from (cpath, official path) so symbol
// identity survives re-parses of unchanged files, per spec.md §4.2.
func stableGuid(cpath string, path []string) uuid.UUID {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(cpath))
	return uuid.NewSHA1(ns, []byte(strings.Join(path, "\x1f")))
}
