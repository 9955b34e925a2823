package policyopa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

type bundleFile struct {
	Path    string
	Content []byte
}

// ComputeBundleHashFromPath returns the digest logged at startup for a
// policy directory.
func ComputeBundleHashFromPath(bundlePath string) (string, error) {
	files, err := collectBundleFiles(os.DirFS(bundlePath), ".")
	if err != nil {
		return "", err
	}
	return bundleHash(files), nil
}

// bundleHash is the sha256 of a sha256sum-style manifest ("<hex>  <path>\n"
// per file, sorted by path).
func bundleHash(files []bundleFile) string {
	var manifest strings.Builder
	for _, f := range files {
		fmt.Fprintf(&manifest, "%s  %s\n", sha256Hex(f.Content), f.Path)
	}
	return sha256Hex([]byte(manifest.String()))
}

// collectBundleFiles loads every .rego module under root, skipping hidden
// entries.
func collectBundleFiles(fsys fs.FS, root string) ([]bundleFile, error) {
	var files []bundleFile
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		hidden := strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if hidden {
				return fs.SkipDir
			}
			return nil
		}
		if hidden || path.Ext(p) != ".rego" {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", p, err)
		}
		files = append(files, bundleFile{Path: path.Clean(p), Content: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy bundle: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
