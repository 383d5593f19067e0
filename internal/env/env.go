package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables (K->V).
type Var map[string]string

// Env composes the environment handed to a re-executed child: a base taken
// from a "K=V" list, then Set overrides, then Unset removals.
type Env struct {
	base  Var
	set   Var
	unset map[string]struct{}
}

// New builds an Env on top of kvs. Malformed entries and empty keys are skipped.
func New(kvs []string) *Env {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return &Env{base: base, set: make(Var), unset: make(map[string]struct{})}
}

// FromOS builds an Env on top of the current process environment.
func FromOS() *Env { return New(os.Environ()) }

// Set overrides K=V. Later calls win; Set after Unset re-adds the key.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	delete(e.unset, k)
	e.set[k] = v
	return e
}

// Unset removes k from the result.
func (e *Env) Unset(k string) *Env {
	delete(e.set, k)
	e.unset[k] = struct{}{}
	return e
}

// SetAll applies every "K=V" entry of kvs as an override.
func (e *Env) SetAll(kvs []string) *Env {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e
}

// Lookup returns the composed value of k.
func (e *Env) Lookup(k string) (string, bool) {
	if _, gone := e.unset[k]; gone {
		return "", false
	}
	if v, ok := e.set[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

// List returns the composed environment as sorted "K=V" entries.
func (e *Env) List() []string {
	m := make(Var, len(e.base)+len(e.set))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.set {
		m[k] = v
	}
	for k := range e.unset {
		delete(m, k)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
