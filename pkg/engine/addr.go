package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Addr uniquely identifies a resource node: the module path it lives in,
// its resource type, and its logical name.
type Addr struct {
	// Module is the module path, outermost first. Empty for the root module.
	Module []string `json:"module,omitempty"`

	// Type is the resource type (e.g. "compute.network").
	Type string `json:"type"`

	// Name is the logical name within the module.
	Name string `json:"name"`
}

// String renders the address in its canonical form, e.g.
// "compute.network.core" or "module.net.compute.subnet.private".
func (a Addr) String() string {
	var b strings.Builder
	for _, m := range a.Module {
		b.WriteString("module.")
		b.WriteString(m)
		b.WriteString(".")
	}
	b.WriteString(a.Type)
	b.WriteString(".")
	b.WriteString(a.Name)
	return b.String()
}

// Child returns the address namespaced under an additional module.
func (a Addr) Child(module string) Addr {
	mod := make([]string, 0, len(a.Module)+1)
	mod = append(mod, module)
	mod = append(mod, a.Module...)
	return Addr{Module: mod, Type: a.Type, Name: a.Name}
}

// ParseAddr parses a canonical address string.
func ParseAddr(s string) (Addr, error) {
	parts := strings.Split(s, ".")
	var module []string
	for len(parts) >= 2 && parts[0] == "module" {
		module = append(module, parts[1])
		parts = parts[2:]
	}
	if len(parts) < 2 {
		return Addr{}, fmt.Errorf("invalid resource address %q", s)
	}
	return Addr{
		Module: module,
		Type:   strings.Join(parts[:len(parts)-1], "."),
		Name:   parts[len(parts)-1],
	}, nil
}

// Reference is a parsed attribute reference: another node's address plus
// the referenced attribute name.
type Reference struct {
	Target Addr   `json:"target"`
	Attr   string `json:"attr"`
}

// String renders the reference as it appears inside an expression.
func (r Reference) String() string {
	return r.Target.String() + "." + r.Attr
}

// refPattern matches ${...} interpolation expressions inside attribute
// values. The body is parsed as address + attribute.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// ParseReference parses the body of an interpolation expression. The last
// dotted segment is the attribute name, everything before it the address.
func ParseReference(expr string) (Reference, error) {
	idx := strings.LastIndex(expr, ".")
	if idx <= 0 || idx == len(expr)-1 {
		return Reference{}, fmt.Errorf("invalid reference %q", expr)
	}
	addr, err := ParseAddr(expr[:idx])
	if err != nil {
		return Reference{}, fmt.Errorf("invalid reference %q: %w", expr, err)
	}
	return Reference{Target: addr, Attr: expr[idx+1:]}, nil
}

// ExtractReferences scans an attribute set for interpolation expressions
// and returns every reference found, in no particular order. Values are
// walked recursively through nested maps and slices.
func ExtractReferences(attrs Attrs) ([]Reference, error) {
	var refs []Reference
	var walk func(v any) error
	walk = func(v any) error {
		switch val := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
				ref, err := ParseReference(m[1])
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
		case map[string]any:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, v := range attrs {
		if err := walk(v); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// LookupFunc resolves a reference to a concrete value. The second return
// reports whether the value is known; unknown values are propagated as
// Unknown markers rather than interpolated.
type LookupFunc func(Reference) (any, bool)

// Unknown marks an attribute value that cannot be known until the
// referenced node has been applied.
type Unknown struct {
	Ref Reference `json:"ref"`
}

// String implements fmt.Stringer for plan rendering.
func (u Unknown) String() string { return "(known after apply)" }

// Interpolate substitutes references in an attribute set using lookup.
// A value that consists of exactly one reference is replaced by the looked
// up value with its native type; references embedded in larger strings are
// substituted textually. Unknown lookups yield Unknown markers.
func Interpolate(attrs Attrs, lookup LookupFunc) (Attrs, error) {
	out := make(Attrs, len(attrs))
	var walk func(v any) (any, error)
	walk = func(v any) (any, error) {
		switch val := v.(type) {
		case string:
			// Whole-value reference keeps the native type.
			if m := refPattern.FindStringSubmatch(val); m != nil && m[0] == val {
				ref, err := ParseReference(m[1])
				if err != nil {
					return nil, err
				}
				resolved, known := lookup(ref)
				if !known {
					return Unknown{Ref: ref}, nil
				}
				return resolved, nil
			}
			var unknown *Unknown
			replaced := refPattern.ReplaceAllStringFunc(val, func(match string) string {
				ref, err := ParseReference(match[2 : len(match)-1])
				if err != nil {
					return match
				}
				resolved, known := lookup(ref)
				if !known {
					unknown = &Unknown{Ref: ref}
					return match
				}
				return fmt.Sprintf("%v", resolved)
			})
			if unknown != nil {
				return *unknown, nil
			}
			return replaced, nil
		case map[string]any:
			res := make(map[string]any, len(val))
			for k, item := range val {
				w, err := walk(item)
				if err != nil {
					return nil, err
				}
				res[k] = w
			}
			return res, nil
		case []any:
			res := make([]any, len(val))
			for i, item := range val {
				w, err := walk(item)
				if err != nil {
					return nil, err
				}
				res[i] = w
			}
			return res, nil
		default:
			return v, nil
		}
	}
	for k, v := range attrs {
		w, err := walk(v)
		if err != nil {
			return nil, err
		}
		out[k] = w
	}
	return out, nil
}

// ContainsUnknown reports whether any value in the attribute set is an
// Unknown marker.
func ContainsUnknown(attrs Attrs) bool {
	var found bool
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case Unknown:
			found = true
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	for _, v := range attrs {
		walk(v)
	}
	return found
}
