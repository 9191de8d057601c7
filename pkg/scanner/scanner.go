// Package scanner walks the application directory and records the line count
// and content hash of every script the debuggee may load.
package scanner

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultPattern matches the JavaScript files, source maps and the
// transpiled sources maps may point at.
var DefaultPattern = regexp.MustCompile(`\.(js|mjs|cjs|jsx|ts|tsx|es6|coffee|map)$`)

// FileStats describes one scanned file.
type FileStats struct {
	Lines int
	Hash  string
}

// Result is the outcome of one scan.
type Result struct {
	Root  string
	Files map[string]*FileStats
	// Hash covers every file's path and content, and is empty unless the
	// scan was asked to hash.
	Hash string
}

// Paths returns the scanned paths matching the extension filter, sorted.
func (r *Result) Paths(exts ...string) []string {
	out := make([]string, 0, len(r.Files))
	for p := range r.Files {
		if len(exts) == 0 || hasExt(p, exts) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Scan walks root and returns stats for every regular file whose path
// matches pattern. Hidden directories are skipped.
func Scan(shouldHash bool, root string, pattern *regexp.Regexp) (*Result, error) {
	if pattern == nil {
		pattern = DefaultPattern
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	res := &Result{Root: abs, Files: make(map[string]*FileStats)}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != abs && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !pattern.MatchString(path) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		stats := &FileStats{Lines: countLines(data)}
		if shouldHash {
			sum := sha1.Sum(data)
			stats.Hash = hex.EncodeToString(sum[:])
		}
		res.Files[path] = stats
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", abs, err)
	}

	if shouldHash {
		res.Hash = overallHash(res.Files)
	}
	return res, nil
}

func overallHash(files map[string]*FileStats) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\n", p, files[p].Hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// countLines counts lines the way an editor numbers them: a final line
// without a trailing newline still counts.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func hasExt(path string, exts []string) bool {
	ext := filepath.Ext(path)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
