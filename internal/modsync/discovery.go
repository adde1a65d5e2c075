// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package modsync

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// ignoreFile sits at the repository root and excludes paths from discovery
// using gitignore syntax.
const ignoreFile = ".hubignore"

// Fingerprint is a SHA-256 digest of a module file's contents.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string { return fmt.Sprintf("%x", f[:]) }

type candidate struct {
	path        string // slash-separated, relative to the repository root
	fingerprint Fingerprint
}

// listCandidates walks the repository copy at root and returns every module
// file with its content fingerprint, in path order. Path elements starting
// with a dot or an underscore are skipped, as is anything matched by the
// root .hubignore file. The walk only reads; it never modifies the copy.
func listCandidates(root string) ([]candidate, error) {
	ign, err := readIgnore(root)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		hidden := strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_")
		if d.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden || !strings.HasSuffix(d.Name(), ".star") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ign != nil && ign.MatchesPath(rel) {
			return nil
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cands = append(cands, candidate{path: rel, fingerprint: sha256.Sum256(b)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cands, nil
}

func readIgnore(root string) (*ignore.GitIgnore, error) {
	path := filepath.Join(root, ignoreFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return ignore.CompileIgnoreFile(path)
}
