package debugapi

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/scanner"
	"github.com/aivorynet/debug-agent/pkg/sourcemap"
)

// moduleWrapPrefixLength is the length of the function header Node.js puts
// in front of the first line of every CommonJS module.
const moduleWrapPrefixLength = len("(function (exports, require, module, __filename, __dirname) { ")

var scriptExts = []string{".js", ".mjs", ".cjs"}

// ResolvedLocation is where the debugger is asked to break: a script the
// runtime loads, which differs from the requested file when that file is
// covered by a source map.
type ResolvedLocation struct {
	Path   string
	Line   int
	Column int
}

// Resolver maps user supplied source locations onto the scripts found by
// the last scan.
type Resolver struct {
	workingDir   string
	repoRelative string

	mu     sync.RWMutex
	files  map[string]*scanner.FileStats
	known  []string
	mapper *sourcemap.Mapper
}

// NewResolver builds a resolver over scan. repoRelative is the path of the
// working directory relative to the repository root; when set, requested
// paths are interpreted relative to the repository and never fuzzy matched.
func NewResolver(workingDir, repoRelative string, scan *scanner.Result, mapper *sourcemap.Mapper) *Resolver {
	r := &Resolver{
		workingDir:   filepath.Clean(workingDir),
		repoRelative: strings.Trim(filepath.ToSlash(repoRelative), "/"),
	}
	r.Update(scan, mapper)
	return r
}

// Update swaps in the result of a newer scan.
func (r *Resolver) Update(scan *scanner.Result, mapper *sourcemap.Mapper) {
	files := make(map[string]*scanner.FileStats)
	var known []string
	if scan != nil {
		files = scan.Files
		known = scan.Paths(scriptExts...)
	}
	if mapper != nil {
		known = append(known, mapper.Sources()...)
		sort.Strings(known)
	}

	r.mu.Lock()
	r.files = files
	r.known = known
	r.mapper = mapper
	r.mu.Unlock()
}

// Mapper returns the source maps loaded by the last Update. It may be nil.
func (r *Resolver) Mapper() *sourcemap.Mapper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mapper
}

// Resolve finds the single script loc refers to and translates the position
// through a source map when one covers it.
func (r *Resolver) Resolve(loc *breakpoint.SourceLocation) (*ResolvedLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requested := filepath.Clean(filepath.FromSlash(loc.Path))
	matches, exact := r.findScripts(requested)
	if len(matches) != 1 {
		if exact > 1 || len(matches) > 1 {
			return nil, breakpoint.NewSourceFileAmbiguous()
		}
		return nil, breakpoint.NewSourceFileNotFound()
	}
	file := matches[0]

	if stats, ok := r.files[file]; ok && loc.Line > stats.Lines {
		return nil, breakpoint.NewInvalidLineNumber(loc.Path, loc.Line, stats.Lines)
	}
	if loc.Line < 1 {
		return nil, breakpoint.NewInvalidLineNumber(loc.Path, loc.Line, r.lineCount(file))
	}

	if r.mapper.HasMappingInfo(file) {
		mapped, err := r.mapper.MappingInfo(file, loc.Line, loc.Column)
		if err != nil {
			return nil, breakpoint.NewInvalidLineNumber(loc.Path, loc.Line, r.lineCount(file))
		}
		out := &ResolvedLocation{Path: mapped.File, Line: mapped.Line, Column: mapped.Column}
		if out.Line == 1 {
			out.Column += moduleWrapPrefixLength
		}
		return out, nil
	}

	if !hasExt(file, scriptExts) {
		// A transpiled source without a map has no script to break in.
		return nil, breakpoint.NewSourceFileNotFound()
	}
	return &ResolvedLocation{Path: file, Line: loc.Line, Column: loc.Column}, nil
}

func (r *Resolver) lineCount(file string) int {
	if stats, ok := r.files[file]; ok {
		return stats.Lines
	}
	return 0
}

// findScripts applies the repository and working directory mappings before
// falling back to suffix matching. exact is the number of whole-path
// suffix matches.
func (r *Resolver) findScripts(requested string) (matches []string, exact int) {
	if r.repoRelative != "" {
		rel := filepath.ToSlash(requested)
		prefix := r.repoRelative + "/"
		if !strings.HasPrefix(rel, prefix) {
			return nil, 0
		}
		candidate := filepath.Join(r.workingDir, filepath.FromSlash(strings.TrimPrefix(rel, prefix)))
		if r.isKnown(candidate) {
			return []string{candidate}, 1
		}
		return nil, 0
	}

	if !filepath.IsAbs(requested) && r.workingDir != "" && r.workingDir != "." {
		if candidate := filepath.Join(r.workingDir, requested); r.isKnown(candidate) {
			return []string{candidate}, 1
		}
	}
	return findScripts(requested, r.known)
}

func (r *Resolver) isKnown(path string) bool {
	i := sort.SearchStrings(r.known, path)
	return i < len(r.known) && r.known[i] == path
}

// FindScripts returns the known files that requestedPath names. A path
// matching exactly one file by suffix wins outright. Otherwise leading
// components are dropped one at a time until at most one candidate is
// left; the last candidate set is returned, which may still hold several
// files.
func FindScripts(requestedPath string, knownFiles []string) []string {
	matches, _ := findScripts(requestedPath, knownFiles)
	return matches
}

func findScripts(requestedPath string, knownFiles []string) (matches []string, exact int) {
	matches = filterSuffix(requestedPath, knownFiles)
	if len(matches) == 1 {
		return matches, 1
	}
	exact = len(matches)

	components := strings.Split(strings.Trim(filepath.ToSlash(requestedPath), "/"), "/")
	candidates := knownFiles
	matches = nil
	for i := 1; i < len(components); i++ {
		candidates = filterSuffix(strings.Join(components[i:], "/"), candidates)
		matches = candidates
		if len(candidates) <= 1 {
			break
		}
	}
	return matches, exact
}

// filterSuffix keeps the files ending in suffix at a path component
// boundary, so key.js never matches monkey.js.
func filterSuffix(suffix string, files []string) []string {
	suffix = filepath.ToSlash(suffix)
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	re := regexp.MustCompile(regexp.QuoteMeta(suffix) + "$")

	var out []string
	for _, f := range files {
		if re.MatchString(filepath.ToSlash(f)) {
			out = append(out, f)
		}
	}
	return out
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
