package debugapi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/protocol"
)

func TestRegistry_SharedNativeBreakpoint(t *testing.T) {
	r := newRegistry()
	key := keyFor(&ResolvedLocation{Path: "/app/a.js", Line: 3})

	_, ok := r.nativeForLocation(key)
	assert.False(t, ok)

	r.add(&breakpointData{bp: &breakpoint.Breakpoint{ID: "a"}, native: "n1", key: key})
	native, ok := r.nativeForLocation(key)
	assert.True(t, ok)
	assert.Equal(t, protocol.NativeID("n1"), native)

	r.add(&breakpointData{bp: &breakpoint.Breakpoint{ID: "b"}, native: native, key: key})
	r.setListener("b", &listener{enabled: true})
	assert.Equal(t, []string{"a", "b"}, r.lookupByNativeID("n1"))
	assert.Equal(t, 2, r.count())
	assert.Equal(t, 1, r.numListeners())

	data, unreferenced := r.remove("b")
	assert.Equal(t, "b", data.bp.ID)
	assert.False(t, unreferenced)
	assert.Equal(t, []string{"a"}, r.lookupByNativeID("n1"))
	assert.Equal(t, 0, r.numListeners())

	data, unreferenced = r.remove("a")
	assert.Equal(t, "a", data.bp.ID)
	assert.True(t, unreferenced)

	data, _ = r.remove("a")
	assert.Nil(t, data)

	assert.Empty(t, r.breakpoints)
	assert.Empty(t, r.locations)
	assert.Empty(t, r.natives)
}

func TestRegistry_RemoveStopsPendingReenable(t *testing.T) {
	r := newRegistry()
	r.add(&breakpointData{bp: &breakpoint.Breakpoint{ID: "a"}, native: "n1", key: "k"})

	stopped := false
	r.setListener("a", &listener{stop: func() bool { stopped = true; return true }})
	r.remove("a")
	assert.True(t, stopped)
}

func TestRegistry_DistinctColumnsAreDistinctLocations(t *testing.T) {
	a := keyFor(&ResolvedLocation{Path: "/app/a.js", Line: 1, Column: 63})
	b := keyFor(&ResolvedLocation{Path: "/app/a.js", Line: 1})
	assert.NotEqual(t, a, b)
}
