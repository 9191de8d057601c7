package debugapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/scanner"
	"github.com/aivorynet/debug-agent/pkg/sourcemap"
)

func TestFindScripts(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		known     []string
		want      []string
	}{
		{"single match", "foo.js", []string{"/a/foo.js"}, []string{"/a/foo.js"}},
		{"same name twice", "foo.js", []string{"/a/foo.js", "/b/foo.js"}, nil},
		{"still ambiguous after fuzzy", "a/foo.js", []string{"/x/a/foo.js", "/y/a/foo.js"}, []string{"/x/a/foo.js", "/y/a/foo.js"}},
		{"component boundary", "key.js", []string{"/app/monkey.js"}, nil},
		{"longer suffix", "lib/key.js", []string{"/app/lib/key.js", "/app/test/key.js"}, []string{"/app/lib/key.js"}},
		{"fuzzy drops leading dirs", "src/a/foo.js", []string{"/x/a/foo.js", "/y/b/foo.js"}, []string{"/x/a/foo.js"}},
		{"fuzzy finds nothing", "build/src/a/foo.js", []string{"/x/a/foo.js", "/x/b/foo.js", "/y/a/foo.js"}, nil},
		{"no files", "foo.js", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindScripts(tt.requested, tt.known))
		})
	}
}

func testScan() *scanner.Result {
	return &scanner.Result{
		Root: "/app",
		Files: map[string]*scanner.FileStats{
			"/app/index.js":          {Lines: 50},
			"/app/lib/fib.js":        {Lines: 20},
			"/app/a/util.js":         {Lines: 10},
			"/app/b/util.js":         {Lines: 10},
			"/app/other/index.js":    {Lines: 5},
			"/app/lib/fib.js.map":    {Lines: 1},
			"/app/types/fib.d.ts":    {Lines: 3},
			"/app/node_modules/x.js": {Lines: 1},
		},
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver("/app", "", testScan(), nil)

	loc, err := r.Resolve(&breakpoint.SourceLocation{Path: "lib/fib.js", Line: 3})
	require.NoError(t, err)
	assert.Equal(t, &ResolvedLocation{Path: "/app/lib/fib.js", Line: 3}, loc)

	// Relative to the working directory beats a suffix match.
	loc, err = r.Resolve(&breakpoint.SourceLocation{Path: "./index.js", Line: 1, Column: 4})
	require.NoError(t, err)
	assert.Equal(t, &ResolvedLocation{Path: "/app/index.js", Line: 1, Column: 4}, loc)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "util.js", Line: 1})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileAmbiguous), "got %v", err)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "missing.js", Line: 1})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileNotFound), "got %v", err)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "types/fib.d.ts", Line: 1})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileNotFound), "got %v", err)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "lib/fib.js", Line: 21})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrInvalidLineNumber), "got %v", err)
	assert.Contains(t, err.Error(), "the file has 20 lines")

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "lib/fib.js", Line: 0})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrInvalidLineNumber), "got %v", err)
}

func TestResolver_RepositoryRelativePaths(t *testing.T) {
	r := NewResolver("/app", "services/api/", testScan(), nil)

	loc, err := r.Resolve(&breakpoint.SourceLocation{Path: "services/api/lib/fib.js", Line: 2})
	require.NoError(t, err)
	assert.Equal(t, "/app/lib/fib.js", loc.Path)

	// Ambiguity never applies: the mapped path either exists or not.
	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "services/api/util.js", Line: 1})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileNotFound), "got %v", err)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "lib/fib.js", Line: 2})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileNotFound), "got %v", err)
}

func TestResolver_SourceMaps(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"dist/out.js":     "\"use strict\";\nconsole.log(1);\n",
		"dist/out.js.map": `{"version":3,"file":"out.js","sources":["../src/in.ts"],"names":[],"mappings":"AAAA;AACA"}`,
		"src/in.ts":       "const a: number = 1;\nconsole.log(a);\n",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}

	res, err := scanner.Scan(false, dir, nil)
	require.NoError(t, err)
	mapper, err := sourcemap.Load(res.Paths(".map"))
	require.NoError(t, err)

	r := NewResolver(dir, "", res, mapper)
	generated := filepath.Join(dir, "dist", "out.js")

	loc, err := r.Resolve(&breakpoint.SourceLocation{Path: "src/in.ts", Line: 2})
	require.NoError(t, err)
	assert.Equal(t, &ResolvedLocation{Path: generated, Line: 2, Column: 1}, loc)

	// The first line is shifted by the CommonJS module wrapper.
	loc, err = r.Resolve(&breakpoint.SourceLocation{Path: "in.ts", Line: 1})
	require.NoError(t, err)
	assert.Equal(t, &ResolvedLocation{Path: generated, Line: 1, Column: 1 + moduleWrapPrefixLength}, loc)

	_, err = r.Resolve(&breakpoint.SourceLocation{Path: "src/in.ts", Line: 3})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrInvalidLineNumber), "got %v", err)

	assert.Same(t, mapper, r.Mapper())
}

func TestResolver_Update(t *testing.T) {
	r := NewResolver("/app", "", &scanner.Result{Files: map[string]*scanner.FileStats{}}, nil)

	_, err := r.Resolve(&breakpoint.SourceLocation{Path: "index.js", Line: 1})
	assert.True(t, breakpoint.HasCode(err, breakpoint.ErrSourceFileNotFound), "got %v", err)

	r.Update(testScan(), nil)
	loc, err := r.Resolve(&breakpoint.SourceLocation{Path: "index.js", Line: 1})
	require.NoError(t, err)
	assert.Equal(t, "/app/index.js", loc.Path)
}
