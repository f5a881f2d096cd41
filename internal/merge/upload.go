package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// BlobStore receives merged outputs.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Upload copies the merged files and summary.json from outDir to store under
// prefix and returns the object URIs keyed by file name.
func Upload(ctx context.Context, store BlobStore, prefix, outDir string, summary Summary) (map[string]string, error) {
	names := append(append([]string(nil), summary.Files...), SummaryFile)
	uris := make(map[string]string, len(names))
	for _, name := range names {
		contentType := "text/plain; charset=utf-8"
		if name == SummaryFile {
			contentType = "application/json"
		}
		uri, err := putFile(ctx, store, path.Join(prefix, name), contentType, filepath.Join(outDir, name))
		if err != nil {
			return nil, err
		}
		uris[name] = uri
	}
	return uris, nil
}

func putFile(ctx context.Context, store BlobStore, object, contentType, local string) (string, error) {
	f, err := os.Open(local) // #nosec G304 -- file produced by Merge.
	if err != nil {
		return "", fmt.Errorf("open %s: %w", local, err)
	}
	defer func() { _ = f.Close() }()
	uri, err := store.PutObject(ctx, object, contentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return uri, nil
}
