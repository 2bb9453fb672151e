// Package environ provides an explicit, copyable process environment.
//
// The provisioning pipeline never calls os.Setenv. Each stage that needs to
// change the environment (module loading, activation, deactivation) works on
// an Env value and hands the result to the next stage. Child processes
// receive Env.Slice() as their environment.
package environ

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env is an immutable view of a set of environment variables.
// Every mutating method returns a new Env and leaves the receiver unchanged.
type Env struct {
	vars map[string]string
}

// FromOS captures the current process environment.
func FromOS() Env {
	return FromSlice(os.Environ())
}

// FromSlice builds an Env from "KEY=VALUE" entries, as returned by
// os.Environ. Entries without "=" are ignored. Later duplicates win.
func FromSlice(entries []string) Env {
	vars := make(map[string]string, len(entries))
	for _, e := range entries {
		key, value, ok := strings.Cut(e, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = value
	}
	return Env{vars: vars}
}

// FromMap builds an Env from a map. The map is copied.
func FromMap(m map[string]string) Env {
	vars := make(map[string]string, len(m))
	for k, v := range m {
		vars[k] = v
	}
	return Env{vars: vars}
}

// Get returns the value of key and whether it is set.
func (e Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Value returns the value of key, or "" when unset.
func (e Env) Value(key string) string {
	return e.vars[key]
}

// Len returns the number of variables.
func (e Env) Len() int {
	return len(e.vars)
}

// With returns a copy of e with key set to value.
func (e Env) With(key, value string) Env {
	next := e.clone()
	next.vars[key] = value
	return next
}

// Without returns a copy of e with key removed.
func (e Env) Without(key string) Env {
	if _, ok := e.vars[key]; !ok {
		return e
	}
	next := e.clone()
	delete(next.vars, key)
	return next
}

// Merge returns a copy of e overlaid with every variable of other.
func (e Env) Merge(other Env) Env {
	next := e.clone()
	for k, v := range other.vars {
		next.vars[k] = v
	}
	return next
}

// PrependPath returns a copy of e with dir placed at the front of the
// list-valued variable key (PATH, LD_LIBRARY_PATH, ...). An unset or empty
// variable becomes just dir.
func (e Env) PrependPath(key, dir string) Env {
	current := e.vars[key]
	if current == "" {
		return e.With(key, dir)
	}
	return e.With(key, dir+string(filepath.ListSeparator)+current)
}

// Diff returns the variables whose value in e differs from base, including
// variables missing from base. Variables removed in e are not reported.
func (e Env) Diff(base Env) Env {
	out := make(map[string]string)
	for k, v := range e.vars {
		if old, ok := base.vars[k]; !ok || old != v {
			out[k] = v
		}
	}
	return Env{vars: out}
}

// Keys returns the variable names in sorted order.
func (e Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Slice returns the environment as sorted "KEY=VALUE" entries, suitable for
// exec.Cmd.Env and the Docker exec API.
func (e Env) Slice() []string {
	keys := e.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

// ParseNull parses NUL-separated "KEY=VALUE" records, the format produced by
// `env -0`. Values may contain newlines.
func ParseNull(data []byte) Env {
	records := strings.Split(string(data), "\x00")
	return FromSlice(records)
}

func (e Env) clone() Env {
	vars := make(map[string]string, len(e.vars)+1)
	for k, v := range e.vars {
		vars[k] = v
	}
	return Env{vars: vars}
}
