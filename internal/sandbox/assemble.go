package sandbox

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"sort"
	"strings"
)

// EntryName is the function every synthesized program must define.
const EntryName = "doTask"

const (
	programPackage = "task"
	wrapperName    = "WrightEntry"
)

// DefaultAllowedPackages are the standard library packages generated
// code may import.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// Assemble turns a bare entry function into a complete program. Imports
// are inferred from the package names the function references, limited
// to allowed and, when withLib is set, the bindings package. A wrapper
// reports the entry function's error, if it returns one, as a string.
func Assemble(fn string, allowed []string, withLib bool) (string, error) {
	fset := token.NewFileSet()
	src := "package " + programPackage + "\n\n" + fn
	file, err := parser.ParseFile(fset, "task.go", src, 0)
	if err != nil {
		return "", err
	}

	var entry *ast.FuncDecl
	for _, decl := range file.Decls {
		if gen, ok := decl.(*ast.GenDecl); ok && gen.Tok == token.IMPORT {
			return "", fmt.Errorf("imports are not allowed at top level; reference packages directly")
		}
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == EntryName {
			entry = fd
		}
	}
	if entry == nil {
		return "", ErrNoEntry
	}
	if entry.Type.Params.NumFields() > 0 {
		return "", fmt.Errorf("%s must not take arguments", EntryName)
	}
	returnsError := false
	switch entry.Type.Results.NumFields() {
	case 0:
	case 1:
		if id, ok := entry.Type.Results.List[0].Type.(*ast.Ident); ok && id.Name == "error" {
			returnsError = true
			break
		}
		fallthrough
	default:
		return "", fmt.Errorf("%s must return nothing or a single error", EntryName)
	}

	if err := checkConcurrency(fset, file); err != nil {
		return "", err
	}

	byName := make(map[string]string, len(allowed)+1)
	for _, p := range allowed {
		byName[path.Base(p)] = p
	}
	if withLib {
		byName["lib"] = LibraryImport
	}

	seen := map[string]bool{}
	for _, id := range file.Unresolved {
		if p, ok := byName[id.Name]; ok {
			seen[p] = true
		}
	}
	imports := make([]string, 0, len(seen))
	for p := range seen {
		imports = append(imports, p)
	}
	sort.Strings(imports)

	var sb strings.Builder
	sb.WriteString("package " + programPackage + "\n\n")
	if len(imports) > 0 {
		sb.WriteString("import (\n")
		for _, p := range imports {
			fmt.Fprintf(&sb, "\t%q\n", p)
		}
		sb.WriteString(")\n\n")
	}
	sb.WriteString(strings.TrimSpace(fn))
	sb.WriteString("\n\n")
	if returnsError {
		fmt.Fprintf(&sb, "func %s() string {\n\tif err := %s(); err != nil {\n\t\treturn err.Error()\n\t}\n\treturn \"\"\n}\n", wrapperName, EntryName)
	} else {
		fmt.Fprintf(&sb, "func %s() string {\n\t%s()\n\treturn \"\"\n}\n", wrapperName, EntryName)
	}
	return sb.String(), nil
}

// ErrConcurrency rejects programs that would run code on a goroutine of
// their own. A panic there cannot be recovered by the interpreter and
// would bring down the host process.
var ErrConcurrency = errors.New("goroutines are not allowed; call functions one after another")

// checkConcurrency finds go statements and callback timers anywhere in
// the program.
func checkConcurrency(fset *token.FileSet, file *ast.File) error {
	var found error
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		switch n := n.(type) {
		case *ast.GoStmt:
			found = fmt.Errorf("line %d: %w", fset.Position(n.Go).Line-2, ErrConcurrency)
		case *ast.SelectorExpr:
			if pkg, ok := n.X.(*ast.Ident); ok && pkg.Obj == nil && pkg.Name == "time" && n.Sel.Name == "AfterFunc" {
				found = fmt.Errorf("line %d: time.AfterFunc: %w", fset.Position(n.Pos()).Line-2, ErrConcurrency)
			}
		}
		return true
	})
	return found
}
