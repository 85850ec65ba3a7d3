// Package sandbox runs synthesized Go functions in a restricted
// interpreter and command-backed tasks as subprocesses.
//
// Generated code sees only the standard library packages it is allowed
// plus a single package, imported as "wright/lib", holding the bindings
// of a Library. Nothing else from the host process is reachable.
package sandbox

import (
	"fmt"
	"go/token"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
)

// LibraryImport is the import path generated code uses for bindings.
const LibraryImport = "wright/lib"

// Binding is a host function exposed to generated code as lib.<Name>.
type Binding struct {
	// Name must be an exported Go identifier.
	Name string

	// Signature is shown to the model, e.g.
	// "func FetchText(url string) (string, error)". Derived from Func
	// when empty.
	Signature string

	Description string
	Func        any
}

func (b Binding) signature() string {
	if b.Signature != "" {
		return b.Signature
	}
	return "func " + b.Name + strings.TrimPrefix(reflect.TypeOf(b.Func).String(), "func")
}

// Library is an ordered, immutable set of bindings.
type Library struct {
	bindings []Binding
}

// NewLibrary validates and collects bindings.
func NewLibrary(bindings ...Binding) (*Library, error) {
	return (*Library)(nil).With(bindings...)
}

// With returns a copy of l with bindings added. A binding whose name is
// already present replaces the earlier one in place.
func (l *Library) With(bindings ...Binding) (*Library, error) {
	out := &Library{}
	if l != nil {
		out.bindings = append(out.bindings, l.bindings...)
	}
	for _, b := range bindings {
		if !token.IsExported(b.Name) || !token.IsIdentifier(b.Name) {
			return nil, fmt.Errorf("binding name %q is not an exported identifier", b.Name)
		}
		if b.Func == nil || reflect.TypeOf(b.Func).Kind() != reflect.Func {
			return nil, fmt.Errorf("binding %s: not a function", b.Name)
		}
		replaced := false
		for i := range out.bindings {
			if out.bindings[i].Name == b.Name {
				out.bindings[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			out.bindings = append(out.bindings, b)
		}
	}
	return out, nil
}

// Len returns the number of bindings.
func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.bindings)
}

// Bindings returns the bindings in order.
func (l *Library) Bindings() []Binding {
	if l == nil {
		return nil
	}
	out := make([]Binding, len(l.bindings))
	copy(out, l.bindings)
	return out
}

// Describe renders the bindings as Go declarations for a prompt.
func (l *Library) Describe() string {
	if l.Len() == 0 {
		return "(no library functions)"
	}
	var sb strings.Builder
	for _, b := range l.bindings {
		if b.Description != "" {
			for _, line := range strings.Split(strings.TrimSpace(b.Description), "\n") {
				sb.WriteString("// ")
				sb.WriteString(line)
				sb.WriteByte('\n')
			}
		}
		sb.WriteString(b.signature())
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (l *Library) exports() interp.Exports {
	syms := make(map[string]reflect.Value, l.Len())
	if l != nil {
		for _, b := range l.bindings {
			syms[b.Name] = reflect.ValueOf(b.Func)
		}
	}
	return interp.Exports{LibraryImport + "/lib": syms}
}
