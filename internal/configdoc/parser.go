// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"grimm.is/flowtrack/internal/errors"
)

// Parser collects HCL-tagged structs from Go source.
type Parser struct {
	fset    *token.FileSet
	structs map[string]*parsedStruct
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{
		fset:    token.NewFileSet(),
		structs: make(map[string]*parsedStruct),
	}
}

// ParseDir parses every non-test Go file in dir.
func (p *Parser) ParseDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "read %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if err := p.ParseFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// ParseFile parses a single Go file.
func (p *Parser) ParseFile(path string) error {
	file, err := parser.ParseFile(p.fset, path, nil, parser.ParseComments)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnparsable, "parse %s", path)
	}
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.TYPE {
			continue
		}
		for _, spec := range gen.Specs {
			ts, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			st, ok := ts.Type.(*ast.StructType)
			if !ok {
				continue
			}
			doc := ts.Doc
			if doc == nil {
				doc = gen.Doc
			}
			if ps := parseStruct(ts.Name.Name, st, doc); len(ps.fields) > 0 {
				p.structs[ps.name] = ps
			}
		}
	}
	return nil
}

// Structs lists the names of the parsed structs.
func (p *Parser) Structs() []string {
	out := make([]string, 0, len(p.structs))
	for name := range p.structs {
		out = append(out, name)
	}
	return out
}

func parseStruct(name string, st *ast.StructType, doc *ast.CommentGroup) *parsedStruct {
	ps := &parsedStruct{name: name, doc: commentText(doc)}
	for _, f := range st.Fields.List {
		if len(f.Names) == 0 || f.Tag == nil {
			continue
		}
		unquoted, err := strconv.Unquote(f.Tag.Value)
		if err != nil {
			continue
		}
		tag := parseHCLTag(reflect.StructTag(unquoted).Get("hcl"))
		if tag.name == "" {
			continue
		}
		text := commentText(f.Doc)
		if inline := commentText(f.Comment); inline != "" {
			text = strings.TrimSpace(text + "\n" + inline)
		}
		ps.fields = append(ps.fields, parsedField{
			name:   f.Names[0].Name,
			goType: typeString(f.Type),
			tag:    tag,
			doc:    text,
			ann:    parseAnnotations(text),
		})
	}
	return ps
}

func parseHCLTag(tag string) hclTag {
	if tag == "" {
		return hclTag{}
	}
	parts := strings.Split(tag, ",")
	t := hclTag{name: parts[0]}
	for _, opt := range parts[1:] {
		switch opt {
		case "optional":
			t.optional = true
		case "block":
			t.block = true
		case "label":
			t.label = true
		}
	}
	return t
}

func parseAnnotations(doc string) Annotation {
	var a Annotation
	for _, line := range strings.Split(doc, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.HasPrefix(key, "@") {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "@default":
			a.Default = value
		case "@enum":
			for _, v := range strings.Split(value, ",") {
				if v = strings.TrimSpace(v); v != "" {
					a.Enum = append(a.Enum, v)
				}
			}
		case "@example":
			a.Example = value
		case "@deprecated":
			a.Deprecated = true
			a.DeprecatedMsg = value
		case "@min":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				a.Min = &v
			}
		case "@max":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				a.Max = &v
			}
		}
	}
	return a
}

func commentText(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	return strings.TrimSpace(cg.Text())
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	default:
		return "unknown"
	}
}

// BuildSchema assembles the documentation tree rooted at rootType.
func (p *Parser) BuildSchema(rootType, title, version string) *Schema {
	s := &Schema{
		Title:   title,
		Version: version,
		Blocks:  make(map[string]*Block),
	}
	root := p.structs[rootType]
	if root == nil {
		return s
	}
	s.Description = root.doc
	for _, f := range root.fields {
		if f.tag.block {
			s.Blocks[f.tag.name] = p.buildBlock(f, map[string]bool{rootType: true})
			continue
		}
		s.Attributes = append(s.Attributes, buildField(f))
	}
	return s
}

// buildBlock resolves the struct behind f. seen breaks type cycles.
func (p *Parser) buildBlock(f parsedField, seen map[string]bool) *Block {
	typeName := strings.TrimPrefix(strings.TrimPrefix(f.goType, "[]"), "*")
	b := &Block{
		Name:          f.name,
		HCLName:       f.tag.name,
		Description:   cleanDescription(f.doc),
		Multiple:      strings.HasPrefix(f.goType, "[]"),
		Deprecated:    f.ann.Deprecated,
		DeprecatedMsg: f.ann.DeprecatedMsg,
	}
	ref := p.structs[typeName]
	if ref == nil || seen[typeName] {
		return b
	}
	seen[typeName] = true
	defer delete(seen, typeName)

	if b.Description == "" {
		b.Description = cleanDescription(ref.doc)
	}
	for _, nf := range ref.fields {
		switch {
		case nf.tag.label:
		case nf.tag.block:
			b.Blocks = append(b.Blocks, p.buildBlock(nf, seen))
		default:
			b.Fields = append(b.Fields, buildField(nf))
		}
	}
	return b
}

func buildField(pf parsedField) *Field {
	return &Field{
		HCLName:       pf.tag.name,
		GoName:        pf.name,
		HCLType:       hclType(pf.goType),
		Description:   cleanDescription(pf.doc),
		Optional:      pf.tag.optional,
		Default:       pf.ann.Default,
		Enum:          pf.ann.Enum,
		Example:       pf.ann.Example,
		Min:           pf.ann.Min,
		Max:           pf.ann.Max,
		Deprecated:    pf.ann.Deprecated,
		DeprecatedMsg: pf.ann.DeprecatedMsg,
	}
}

func hclType(goType string) string {
	goType = strings.TrimPrefix(goType, "*")
	switch {
	case strings.HasPrefix(goType, "[]"):
		return "list(" + hclType(strings.TrimPrefix(goType, "[]")) + ")"
	case strings.HasPrefix(goType, "map["):
		return "map"
	}
	switch goType {
	case "string":
		return "string"
	case "bool":
		return "bool"
	case "int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64",
		"float32", "float64":
		return "number"
	default:
		return "object"
	}
}

// cleanDescription drops annotation lines and joins the rest.
func cleanDescription(doc string) string {
	var keep []string
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "@") {
			continue
		}
		keep = append(keep, line)
	}
	return strings.Join(keep, " ")
}
