package request

import (
	"sort"
	"strings"
)

// Parameter is a free-form request option read by interceptors.
type Parameter struct {
	Value string
	// CacheKey is added to the result key when non-empty. Leave it empty for
	// parameters that do not change the output bytes.
	CacheKey string
}

// Parameters is an immutable set of named parameters.
type Parameters struct {
	entries map[string]Parameter
}

// Get returns the value for key.
func (p *Parameters) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.entries[key]
	return v.Value, ok
}

// Bool reports whether key is set to "true" or "1".
func (p *Parameters) Bool(key string) bool {
	v, ok := p.Get(key)
	return ok && (v == "true" || v == "1")
}

// Len returns the number of parameters.
func (p *Parameters) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Keys returns the parameter names sorted.
func (p *Parameters) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CacheKey joins the cache keys of all parameters in name order.
// It is empty when no parameter contributes to the result key.
func (p *Parameters) CacheKey() string {
	if p == nil {
		return ""
	}
	var parts []string
	for _, k := range p.Keys() {
		if ck := p.entries[k].CacheKey; ck != "" {
			parts = append(parts, k+":"+ck)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Parameters(" + strings.Join(parts, ",") + ")"
}

// merge returns a set containing p's entries plus any of other's missing
// from p. Either side may be nil.
func (p *Parameters) merge(other *Parameters) *Parameters {
	if other.Len() == 0 {
		return p
	}
	if p.Len() == 0 {
		return other
	}
	merged := &Parameters{entries: make(map[string]Parameter, len(p.entries)+len(other.entries))}
	for k, v := range other.entries {
		merged.entries[k] = v
	}
	for k, v := range p.entries {
		merged.entries[k] = v
	}
	return merged
}

func (p *Parameters) with(key string, value Parameter) *Parameters {
	entries := make(map[string]Parameter, p.Len()+1)
	if p != nil {
		for k, v := range p.entries {
			entries[k] = v
		}
	}
	entries[key] = value
	return &Parameters{entries: entries}
}
