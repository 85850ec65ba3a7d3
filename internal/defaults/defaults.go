// Package defaults provides embedded copies of the example configuration
// and the bundled few-shot examples for code synthesis. The init
// subcommand writes them out; serve falls back to Examples when no
// examples directory is configured.
package defaults

import (
	"embed"
	"io/fs"
)

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed examples/*.json
var examplesFS embed.FS

// Examples returns the bundled few-shot examples as a flat file system
// of *.json files.
func Examples() fs.FS {
	sub, err := fs.Sub(examplesFS, "examples")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return sub
}
