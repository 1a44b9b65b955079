package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/kylebebak/search-engine/pkg/errors"
)

// Document is one file read from a document directory.
type Document struct {
	Key     string
	Path    string
	Content string
	// Err is set when the file could not be stat'ed or read.
	Err error
}

// ReadDirectory calls visit for every regular file directly inside dir, in
// name order. The key is the file name and content is decoded as UTF-8 with
// invalid bytes dropped. A missing directory is an input error; an error
// from visit stops the walk.
func ReadDirectory(ctx context.Context, dir string, visit func(Document) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apperrors.Invalidf("reading directory %s: %v", dir, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := Document{Key: entry.Name(), Path: filepath.Join(dir, entry.Name())}
		info, err := os.Stat(doc.Path)
		if err != nil {
			doc.Err = err
		} else if !info.Mode().IsRegular() {
			continue
		} else if data, err := os.ReadFile(doc.Path); err != nil {
			doc.Err = err
		} else {
			doc.Content = strings.ToValidUTF8(string(data), "")
		}
		if err := visit(doc); err != nil {
			return err
		}
	}
	return nil
}
