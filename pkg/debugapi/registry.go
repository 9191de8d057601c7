package debugapi

import (
	"context"
	"fmt"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/protocol"
)

type locationKey string

func keyFor(loc *ResolvedLocation) locationKey {
	return locationKey(fmt.Sprintf("%s:%d:%d", loc.Path, loc.Line, loc.Column))
}

// breakpointData pairs a backend breakpoint with the native breakpoint that
// implements it.
type breakpointData struct {
	bp        *breakpoint.Breakpoint
	native    protocol.NativeID
	key       locationKey
	condition string
}

// listener is called for every pause at the breakpoint's location while it
// is enabled. err is set when the condition could not be evaluated.
type listener struct {
	enabled bool
	fire    func(ctx context.Context, frames []*protocol.CallFrame, err error)
	// stop cancels a pending re-enable.
	stop func() bool
}

// registry owns the breakpoint tables. Callers serialize access.
type registry struct {
	breakpoints map[string]*breakpointData
	locations   map[locationKey][]string
	natives     map[protocol.NativeID][]string
	listeners   map[string]*listener
}

func newRegistry() *registry {
	return &registry{
		breakpoints: make(map[string]*breakpointData),
		locations:   make(map[locationKey][]string),
		natives:     make(map[protocol.NativeID][]string),
		listeners:   make(map[string]*listener),
	}
}

// nativeForLocation returns the native breakpoint already installed at key.
func (r *registry) nativeForLocation(key locationKey) (protocol.NativeID, bool) {
	ids := r.locations[key]
	if len(ids) == 0 {
		return "", false
	}
	return r.breakpoints[ids[0]].native, true
}

func (r *registry) add(data *breakpointData) {
	id := data.bp.ID
	r.breakpoints[id] = data
	r.locations[data.key] = append(r.locations[data.key], id)
	r.natives[data.native] = append(r.natives[data.native], id)
}

// remove forgets id and its listener. unreferenced is set when no other
// breakpoint uses the native breakpoint any more.
func (r *registry) remove(id string) (data *breakpointData, unreferenced bool) {
	data, ok := r.breakpoints[id]
	if !ok {
		return nil, false
	}
	delete(r.breakpoints, id)
	r.removeListener(id)

	if ids := without(r.locations[data.key], id); len(ids) > 0 {
		r.locations[data.key] = ids
	} else {
		delete(r.locations, data.key)
	}
	if ids := without(r.natives[data.native], id); len(ids) > 0 {
		r.natives[data.native] = ids
		return data, false
	}
	delete(r.natives, data.native)
	return data, true
}

func (r *registry) lookupByNativeID(id protocol.NativeID) []string {
	return r.natives[id]
}

func (r *registry) setListener(id string, l *listener) {
	r.removeListener(id)
	r.listeners[id] = l
}

func (r *registry) removeListener(id string) {
	if l, ok := r.listeners[id]; ok {
		if l.stop != nil {
			l.stop()
		}
		delete(r.listeners, id)
	}
}

func (r *registry) count() int {
	return len(r.breakpoints)
}

func (r *registry) numListeners() int {
	return len(r.listeners)
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
