// Package document implements the tagged JSON tree value used by the
// Store and the AccessEngine: an untyped JSON document (decoded the usual
// Go way, as nested map[string]interface{}/[]interface{}/scalars) plus a
// distinct sentinel marking a redacted/absent projection that must never
// reach a caller — the API boundary maps it to JSON null.
package document

// Value is any node in a decoded JSON document: nil, bool, float64,
// string, []interface{}, or map[string]interface{} — or the Invalid
// sentinel produced by a projection.
type Value = interface{}

type invalidType struct{}

// Invalid is the sentinel AccessEngine emits for a node a caller may not
// see. It is distinct from JSON null (which is a legitimate document
// value) by Go identity, and is mapped to null only at the outermost
// Store.Get/HTTP boundary.
var Invalid Value = invalidType{}

// IsInvalid reports whether v is the Invalid sentinel.
func IsInvalid(v Value) bool {
	_, ok := v.(invalidType)
	return ok
}

// AsObject returns v as a JSON object and whether the assertion held.
func AsObject(v Value) (map[string]Value, bool) {
	m, ok := v.(map[string]Value)
	return m, ok
}

// AsArray returns v as a JSON array and whether the assertion held.
func AsArray(v Value) ([]Value, bool) {
	a, ok := v.([]Value)
	return a, ok
}

// PolicyNode reports whether v is an object carrying both "data" and
// "meta" sibling keys (invariant I1), returning those two values.
func PolicyNode(v Value) (data, meta Value, ok bool) {
	obj, isObj := AsObject(v)
	if !isObj {
		return nil, nil, false
	}
	d, hasData := obj["data"]
	m, hasMeta := obj["meta"]
	if !hasData || !hasMeta {
		return nil, nil, false
	}
	return d, m, true
}
