package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// patchableKeys is the documented subset of request fields a plugin patch
// may write. system_prepend is applied as a prepended system message
// rather than a literal body field.
var patchableKeys = map[string]bool{
	"temperature":    true,
	"max_tokens":     true,
	"top_p":          true,
	"stream":         true,
	"tool_choice":    true,
	"system_prepend": true,
}

// Document is one plugin: a named YAML policy document from the policy
// directory. Requires lists the plugins whose patched fields this one
// reads; the loader orders evaluation so requirements run first.
type Document struct {
	Name     string     `yaml:"name"`
	Requires []string   `yaml:"requires,omitempty"`
	Rules    []RuleSpec `yaml:"rules"`
}

// RuleSpec is a single match → action rule. Exactly one action family is
// allowed: deny, or patch/obligations.
type RuleSpec struct {
	Match       MatchSpec      `yaml:"match,omitempty"`
	Deny        string         `yaml:"deny,omitempty"`
	Patch       map[string]any `yaml:"patch,omitempty"`
	Obligations []string       `yaml:"obligations,omitempty"`
}

// MatchSpec selects requests by route, model, and an optional body-field
// predicate. Empty fields match everything. Model supports a trailing-*
// prefix glob.
type MatchSpec struct {
	Route  string   `yaml:"route,omitempty"`
	Model  string   `yaml:"model,omitempty"`
	Field  string   `yaml:"field,omitempty"`
	Equals any      `yaml:"equals,omitempty"`
	GT     *float64 `yaml:"gt,omitempty"`
	LT     *float64 `yaml:"lt,omitempty"`
	Exists *bool    `yaml:"exists,omitempty"`
}

// LoadDir reads every *.yaml/*.yml plugin document under dir, validates
// each, and returns them in evaluation order. A missing or empty dir
// yields no plugins; any malformed document is an error so a bad policy
// tree fails startup instead of silently not enforcing.
func LoadDir(dir string) ([]Document, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", name, err)
		}
		var doc Document
		if err := yaml.UnmarshalStrict(raw, &doc); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", name, err)
		}
		doc.normalize()
		if err := doc.validate(); err != nil {
			return nil, fmt.Errorf("policy: %s: %w", name, err)
		}
		docs = append(docs, doc)
	}
	return sortByRequires(docs)
}

// normalize rewrites yaml.v2's map[interface{}]interface{} trees into the
// map[string]any form the canonical encoder and patch merge expect.
func (d *Document) normalize() {
	for i := range d.Rules {
		if d.Rules[i].Patch != nil {
			d.Rules[i].Patch = normalizeMap(d.Rules[i].Patch)
		}
		d.Rules[i].Match.Equals = normalizeYAML(d.Rules[i].Match.Equals)
	}
}

func (d *Document) validate() error {
	if d.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("plugin name %q contains whitespace", d.Name)
	}
	for i, r := range d.Rules {
		hasDeny := r.Deny != ""
		hasAllowAction := len(r.Patch) > 0 || len(r.Obligations) > 0
		if hasDeny && hasAllowAction {
			return fmt.Errorf("rule[%d]: deny cannot be combined with patch or obligations", i)
		}
		if !hasDeny && !hasAllowAction {
			return fmt.Errorf("rule[%d]: no action (deny, patch, or obligations)", i)
		}
		for key := range r.Patch {
			if !patchableKeys[key] {
				return fmt.Errorf("rule[%d]: field %q is not patchable", i, key)
			}
		}
		m := r.Match
		hasPredicate := m.Equals != nil || m.GT != nil || m.LT != nil || m.Exists != nil
		if hasPredicate && m.Field == "" {
			return fmt.Errorf("rule[%d]: predicate without match.field", i)
		}
		if m.Route != "" {
			switch m.Route {
			case RouteChat, RouteResponses, RouteEmbeddings, RouteTools:
			default:
				return fmt.Errorf("rule[%d]: unknown route %q", i, m.Route)
			}
		}
	}
	return nil
}

// sortByRequires orders docs so every plugin runs after the plugins it
// requires. Ties keep file order; unknown requirements and cycles are
// load errors.
func sortByRequires(docs []Document) ([]Document, error) {
	index := make(map[string]int, len(docs))
	for i, d := range docs {
		if _, dup := index[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePlugin, d.Name)
		}
		index[d.Name] = i
	}

	indegree := make([]int, len(docs))
	dependents := make([][]int, len(docs))
	for i, d := range docs {
		for _, req := range d.Requires {
			j, ok := index[req]
			if !ok {
				return nil, fmt.Errorf("%w: %q requires %q", ErrUnknownRequire, d.Name, req)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm with a file-order queue keeps the result stable.
	var ready []int
	for i := range docs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]Document, 0, len(docs))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, docs[i])
		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(ordered) != len(docs) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, docs[i].Name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrRequireCycle, strings.Join(stuck, ", "))
	}
	return ordered, nil
}

// matches reports whether the rule selects this request.
func (m MatchSpec) matches(req *Request) bool {
	if m.Route != "" && m.Route != req.Route {
		return false
	}
	if m.Model != "" && !modelGlob(m.Model, req.Model) {
		return false
	}
	if m.Field == "" {
		return true
	}
	val, found := lookupField(req.Body, m.Field)
	if m.Exists != nil {
		if *m.Exists != found {
			return false
		}
		if m.Equals == nil && m.GT == nil && m.LT == nil {
			return true
		}
	}
	if !found {
		return false
	}
	if m.Equals != nil && !looseEqual(val, m.Equals) {
		return false
	}
	if m.GT != nil || m.LT != nil {
		f, ok := asFloat(val)
		if !ok {
			return false
		}
		if m.GT != nil && !(f > *m.GT) {
			return false
		}
		if m.LT != nil && !(f < *m.LT) {
			return false
		}
	}
	return true
}

// modelGlob matches an exact model name or a trailing-* prefix pattern.
func modelGlob(pattern, model string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == model
}

// lookupField walks a dotted path through nested body objects.
func lookupField(body map[string]any, path string) (any, bool) {
	var cur any = body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares scalars with numeric coercion so a YAML 1 matches a
// JSON 1.0.
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		if num, ok := v.(interface{ Float64() (float64, error) }); ok {
			f, err := num.Float64()
			return f, err == nil
		}
		return 0, false
	}
}

// normalizeYAML converts yaml.v2 generic trees into JSON-compatible ones.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAML(v)
	}
	return out
}
