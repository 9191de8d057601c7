// Package sourcemap translates between original (for example TypeScript)
// source positions and the generated JavaScript the debuggee actually runs.
package sourcemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gosourcemap "github.com/go-sourcemap/sourcemap"
)

// ErrNoMapping is returned when a position has no generated counterpart.
var ErrNoMapping = errors.New("no mapping for position")

// Location is a position in a file. Line and Column are 1-based.
type Location struct {
	File   string
	Line   int
	Column int
}

type rawMap struct {
	Version    int      `json:"version"`
	File       string   `json:"file"`
	SourceRoot string   `json:"sourceRoot"`
	Sources    []string `json:"sources"`
	Mappings   string   `json:"mappings"`
}

// segment maps one original position to a generated one. All fields are
// 0-based.
type segment struct {
	origColumn int
	genLine    int
	genColumn  int
}

type originalSource struct {
	generated string
	// lines maps a 0-based original line to its segments ordered by
	// original column.
	lines map[int][]segment
}

// Mapper holds every loaded source map.
type Mapper struct {
	originals map[string]*originalSource
	consumers map[string]*gosourcemap.Consumer
}

// Load reads each .map file. Files that cannot be read or parsed are
// skipped and reported together in the returned error; the Mapper is
// usable either way.
func Load(mapFiles []string) (*Mapper, error) {
	m := &Mapper{
		originals: make(map[string]*originalSource),
		consumers: make(map[string]*gosourcemap.Consumer),
	}
	var errs []error
	for _, path := range mapFiles {
		if err := m.load(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return m, errors.Join(errs...)
}

func (m *Mapper) load(mapPath string) error {
	data, err := os.ReadFile(mapPath)
	if err != nil {
		return err
	}
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Version != 3 {
		return fmt.Errorf("unsupported source map version %d", raw.Version)
	}

	dir := filepath.Dir(mapPath)
	generated := strings.TrimSuffix(mapPath, ".map")
	if raw.File != "" {
		generated = filepath.Join(dir, raw.File)
	}

	consumer, err := gosourcemap.Parse(mapPath, data)
	if err != nil {
		return err
	}
	m.consumers[generated] = consumer

	sources := make([]*originalSource, len(raw.Sources))
	for i, s := range raw.Sources {
		path := filepath.Clean(filepath.Join(dir, raw.SourceRoot, s))
		if filepath.IsAbs(s) {
			path = filepath.Clean(s)
		}
		src := &originalSource{generated: generated, lines: make(map[int][]segment)}
		m.originals[path] = src
		sources[i] = src
	}

	err = decodeMappings(raw.Mappings, func(genLine, genCol, srcIdx, origLine, origCol int) {
		if srcIdx < 0 || srcIdx >= len(sources) {
			return
		}
		src := sources[srcIdx]
		src.lines[origLine] = append(src.lines[origLine], segment{origColumn: origCol, genLine: genLine, genColumn: genCol})
	})
	if err != nil {
		return err
	}

	for _, src := range sources {
		for line, segs := range src.lines {
			sort.SliceStable(segs, func(i, j int) bool { return segs[i].origColumn < segs[j].origColumn })
			src.lines[line] = segs
		}
	}
	return nil
}

// Sources returns the original source paths covered by loaded maps.
func (m *Mapper) Sources() []string {
	out := make([]string, 0, len(m.originals))
	for p := range m.originals {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasMappingInfo reports whether path is an original source of a loaded map.
func (m *Mapper) HasMappingInfo(path string) bool {
	if m == nil {
		return false
	}
	_, ok := m.originals[path]
	return ok
}

// MappingInfo translates an original position into the generated file. A
// zero column picks the first mapped column of the line.
func (m *Mapper) MappingInfo(path string, line, column int) (*Location, error) {
	src, ok := m.originals[path]
	if !ok {
		return nil, ErrNoMapping
	}
	segs := src.lines[line-1]
	if len(segs) == 0 {
		return nil, ErrNoMapping
	}

	best := segs[0]
	if column > 0 {
		i := sort.Search(len(segs), func(i int) bool { return segs[i].origColumn >= column-1 })
		if i < len(segs) {
			best = segs[i]
		} else {
			best = segs[len(segs)-1]
		}
	}
	return &Location{File: src.generated, Line: best.genLine + 1, Column: best.genColumn + 1}, nil
}

// OriginalLocation translates a generated position back to the original
// source. ok is false when the generated file has no map or the position
// is unmapped.
func (m *Mapper) OriginalLocation(generated string, line, column int) (loc Location, ok bool) {
	if m == nil {
		return Location{}, false
	}
	consumer, found := m.consumers[generated]
	if !found {
		return Location{}, false
	}
	col := column - 1
	if col < 0 {
		col = 0
	}
	source, _, origLine, origCol, found := consumer.Source(line, col)
	if !found {
		return Location{}, false
	}
	if !filepath.IsAbs(source) {
		source = filepath.Join(filepath.Dir(generated), source)
	}
	return Location{File: filepath.Clean(source), Line: origLine, Column: origCol + 1}, true
}

const base64Chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Values = func() [128]int {
	var t [128]int
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(base64Chars); i++ {
		t[base64Chars[i]] = i
	}
	return t
}()

// decodeMappings walks the VLQ "mappings" field, calling emit for every
// segment that names a source position. The optional name field of a
// segment is not used.
func decodeMappings(mappings string, emit func(genLine, genCol, srcIdx, origLine, origCol int)) error {
	var genLine, genCol, srcIdx, origLine, origCol int
	var fields [5]int

	for _, line := range strings.Split(mappings, ";") {
		genCol = 0
		if line != "" {
			for _, seg := range strings.Split(line, ",") {
				if seg == "" {
					continue
				}
				n, err := decodeVLQ(seg, fields[:])
				if err != nil {
					return err
				}
				genCol += fields[0]
				if n >= 4 {
					srcIdx += fields[1]
					origLine += fields[2]
					origCol += fields[3]
					emit(genLine, genCol, srcIdx, origLine, origCol)
				}
			}
		}
		genLine++
	}
	return nil
}

func decodeVLQ(seg string, out []int) (int, error) {
	n := 0
	value, shift := 0, 0
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c >= 128 || base64Values[c] < 0 {
			return 0, fmt.Errorf("invalid VLQ character %q", c)
		}
		digit := base64Values[c]
		value += (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}
		if n == len(out) {
			return 0, fmt.Errorf("too many fields in segment %q", seg)
		}
		if value&1 != 0 {
			out[n] = -(value >> 1)
		} else {
			out[n] = value >> 1
		}
		n++
		value, shift = 0, 0
	}
	if shift != 0 {
		return 0, fmt.Errorf("truncated VLQ segment %q", seg)
	}
	return n, nil
}
