package corpus

import (
	"embed"
	"io/fs"
)

// defaultDocs holds the built-in reference documentation used when no docs
// directory is configured.
//
//go:embed docs
var defaultDocs embed.FS

// DefaultFS returns the embedded documentation tree rooted at its docs
// directory.
func DefaultFS() fs.FS {
	sub, err := fs.Sub(defaultDocs, "docs")
	if err != nil {
		panic("corpus: embedded docs missing: " + err.Error())
	}
	return sub
}
