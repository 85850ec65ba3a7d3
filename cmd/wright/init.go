package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/wright-agent/internal/defaults"
)

// gitignore keeps credentials and local state out of version control.
const gitignore = `# Wright workspace
config.yaml
db/
`

// asset is one file init installs, relative to the workspace.
type asset struct {
	rel  string
	data []byte
	perm os.FileMode
}

// assets lists the workspace skeleton. config.yaml is private because it
// will hold API keys once edited.
func assets() ([]asset, error) {
	out := []asset{
		{rel: "config.yaml", data: defaults.ConfigYAML, perm: 0o600},
		{rel: ".gitignore", data: []byte(gitignore), perm: 0o644},
	}
	examples := defaults.Examples()
	names, err := fs.Glob(examples, "*.json")
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		data, err := fs.ReadFile(examples, name)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", name, err)
		}
		out = append(out, asset{rel: filepath.Join("examples", name), data: data, perm: 0o644})
	}
	return out, nil
}

// runInit lays out a workspace in dir. Files that already exist are
// left alone so re-running init after editing is safe.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Wright workspace in %s\n", dir)

	list, err := assets()
	if err != nil {
		return fmt.Errorf("list bundled files: %w", err)
	}
	for _, sub := range []string{"db", "examples"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}

	var created, kept int
	for _, a := range list {
		wrote, err := install(filepath.Join(dir, a.rel), a.data, a.perm)
		if err != nil {
			return err
		}
		if wrote {
			created++
			fmt.Fprintf(w, "  ✓ %s\n", a.rel)
		} else {
			kept++
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", a.rel)
		}
	}

	fmt.Fprintf(w, "\n%d created, %d kept.\n", created, kept)
	fmt.Fprintln(w, "Edit config.yaml to add your API keys and tasks.")
	fmt.Fprintln(w, "Set examples.dir to ./examples to synthesize from your own copy of the few-shot examples.")
	return nil
}

// install creates path with data unless it exists. It reports whether
// the file was written.
func install(path string, data []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	switch {
	case errors.Is(err, fs.ErrExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}
