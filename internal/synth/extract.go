package synth

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

var (
	fencedBlock = regexp.MustCompile("(?s)```[\\w-]*[ \\t]*\\n?(.*?)```")
	openFence   = regexp.MustCompile("```[\\w-]*\\n?")
	closeFence  = regexp.MustCompile("```\\s*$")
)

// CleanCode strips code-fence markers. When the text holds fenced
// blocks, the first one mentioning name wins; otherwise the first block.
// Unfenced text is returned trimmed.
func CleanCode(text, name string) string {
	blocks := fencedBlock.FindAllStringSubmatch(text, -1)
	if len(blocks) > 0 {
		for _, b := range blocks {
			if strings.Contains(b[1], "func "+name) {
				return strings.TrimSpace(b[1])
			}
		}
		return strings.TrimSpace(blocks[0][1])
	}
	text = openFence.ReplaceAllString(text, "")
	text = closeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// ExtractFunction returns the exact source of the first top-level
// function called name in text, from the func keyword to its closing
// brace. It returns "" with a nil error when the code parses but has no
// such function, and the syntax error when it does not parse.
func ExtractFunction(text, name string) (string, error) {
	code := CleanCode(text, name)
	if code == "" {
		return "", nil
	}

	src := code
	prefix := ""
	if !strings.HasPrefix(code, "package ") {
		prefix = "package p\n\n"
		src = prefix + code
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.SkipObjectResolution)
	if err != nil {
		return "", err
	}

	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Name.Name != name {
			continue
		}
		start := fset.Position(fd.Pos()).Offset
		end := fset.Position(fd.End()).Offset
		return src[start:end], nil
	}
	return "", nil
}
