package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.js":            "a\nb\nc\n",
		"lib/util.js":         "one\ntwo",
		"lib/util.js.map":     "{}",
		"lib/readme.md":       "ignored\n",
		".git/hooks/hook.js":  "hidden\n",
		"empty.mjs":           "",
		"node_modules/m/i.js": "x\n",
	})

	res, err := Scan(true, root, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "empty.mjs"),
		filepath.Join(root, "index.js"),
		filepath.Join(root, "lib", "util.js"),
		filepath.Join(root, "lib", "util.js.map"),
		filepath.Join(root, "node_modules", "m", "i.js"),
	}, res.Paths())

	assert.Equal(t, 3, res.Files[filepath.Join(root, "index.js")].Lines)
	assert.Equal(t, 2, res.Files[filepath.Join(root, "lib", "util.js")].Lines)
	assert.Equal(t, 0, res.Files[filepath.Join(root, "empty.mjs")].Lines)
	assert.Len(t, res.Files[filepath.Join(root, "index.js")].Hash, 40)
	assert.NotEmpty(t, res.Hash)

	assert.Equal(t, []string{filepath.Join(root, "lib", "util.js.map")}, res.Paths(".map"))
}

func TestScan_HashTracksContent(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.js": "1\n"})

	first, err := Scan(true, root, nil)
	require.NoError(t, err)
	again, err := Scan(true, root, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, again.Hash)

	writeFiles(t, root, map[string]string{"a.js": "2\n"})
	changed, err := Scan(true, root, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, changed.Hash)

	unhashed, err := Scan(false, root, nil)
	require.NoError(t, err)
	assert.Empty(t, unhashed.Hash)
	assert.Empty(t, unhashed.Files[filepath.Join(root, "a.js")].Hash)
}

func TestScan_MissingRoot(t *testing.T) {
	_, err := Scan(false, filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(nil))
	assert.Equal(t, 1, countLines([]byte("x")))
	assert.Equal(t, 1, countLines([]byte("x\n")))
	assert.Equal(t, 2, countLines([]byte("x\n\n")))
	assert.Equal(t, 3, countLines([]byte("a\nb\nc")))
}

func TestWatcher_RescansOnChange(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.js": "1\n"})

	results := make(chan *Result, 4)
	w, err := NewWatcher(root, nil, false, func(r *Result) { results <- r }, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFiles(t, root, map[string]string{"b.js": "1\n2\n"})

	select {
	case res := <-results:
		require.Contains(t, res.Files, filepath.Join(root, "b.js"))
		assert.Equal(t, 2, res.Files[filepath.Join(root, "b.js")].Lines)
	case <-time.After(5 * time.Second):
		t.Fatal("no rescan after file change")
	}

	cancel()
	require.NoError(t, <-done)
}
