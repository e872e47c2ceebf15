// Package access implements the AccessEngine: a pure, side-effect-free
// projection of a document tree, redacting subtrees a caller's held roles
// are not permitted to see.
package access

import (
	"strconv"

	"alfred/internal/document"
)

// The six operations a policy node's meta may gate.
const (
	OpReadData   = "read_data"
	OpReadMeta   = "read_meta"
	OpWriteData  = "write_data"
	OpWriteMeta  = "write_meta"
	OpCreateData = "create_data"
	OpDeleteData = "delete_data"
)

var ops = []string{OpReadData, OpReadMeta, OpWriteData, OpWriteMeta, OpCreateData, OpDeleteData}

// permitted is the RolesPermitted tuple: one role Set per operation,
// accumulated while descending the tree.
type permitted map[string]document.Set

func newPermitted() permitted {
	return make(permitted, len(ops))
}

func (p permitted) clone() permitted {
	out := make(permitted, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// updateFromMeta applies a policy node's meta descriptor to an
// accumulated permitted tuple, per spec §3: require replaces, allow
// unions, and allow.write_{data,meta} additionally unions into the
// matching read operation.
func updateFromMeta(p permitted, meta document.Value) permitted {
	obj, ok := document.AsObject(meta)
	if !ok {
		return p
	}
	out := p.clone()
	if require, ok := document.AsObject(obj["require"]); ok {
		for _, op := range ops {
			if raw, present := require[op]; present {
				out[op] = document.StringsToSet(raw)
			}
		}
	}
	var allowWriteData, allowWriteMeta document.Set
	if allow, ok := document.AsObject(obj["allow"]); ok {
		for _, op := range ops {
			raw, present := allow[op]
			if !present {
				continue
			}
			s := document.StringsToSet(raw)
			out[op] = out[op].Union(s)
			switch op {
			case OpWriteData:
				allowWriteData = s
			case OpWriteMeta:
				allowWriteMeta = s
			}
		}
	}
	if allowWriteData != nil {
		out[OpReadData] = out[OpReadData].Union(allowWriteData)
	}
	if allowWriteMeta != nil {
		out[OpReadMeta] = out[OpReadMeta].Union(allowWriteMeta)
	}
	return out
}

// permits reports whether rolesHeld satisfies the accumulated set for op,
// applying the I3 admin-bypass rule (an empty rolesHeld passes every
// check). An op no require/allow ever touched has no entry in p at all
// (per P3, a node with no governing policy is world-readable), which is
// distinct from an op explicitly constrained to an empty role set.
func permits(rolesHeld document.Set, p permitted, op string) bool {
	if len(rolesHeld) == 0 {
		return true
	}
	set, constrained := p[op]
	if !constrained {
		return true
	}
	return rolesHeld.Intersects(set)
}

// Project walks path from root, accumulating RolesPermitted through any
// policy nodes encountered, then recursively redacts the node found
// there down to what rolesHeld may see. A missing path element, or a
// fully-redacted result, yields nil (the document.Invalid sentinel never
// escapes this function).
func Project(root document.Value, path []string, rolesHeld document.Set) document.Value {
	acc := newPermitted()
	node := root
	for _, key := range path {
		if data, meta, ok := document.PolicyNode(node); ok {
			acc = updateFromMeta(acc, meta)
			node = data
		}
		next, ok := lookup(node, key)
		if !ok {
			return nil
		}
		node = next
	}
	result := project(node, acc, rolesHeld)
	if document.IsInvalid(result) {
		return nil
	}
	return result
}

func lookup(node document.Value, key string) (document.Value, bool) {
	if obj, ok := document.AsObject(node); ok {
		v, ok := obj[key]
		return v, ok
	}
	if arr, ok := document.AsArray(node); ok {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		return arr[idx], true
	}
	return nil, false
}

// project recursively rebuilds node into a redacted copy per spec §4.1
// step 2. It may return document.Invalid, which only Project (the public
// entry point) is allowed to map to nil.
func project(node document.Value, acc permitted, rolesHeld document.Set) document.Value {
	if data, meta, ok := document.PolicyNode(node); ok {
		acc = updateFromMeta(acc, meta)
		dataProj := project(data, acc, rolesHeld)
		// The data/meta wrapper is emitted only for a caller holding a role
		// that read_meta explicitly grants; an unconstrained read_meta and
		// the empty-rolesHeld admin bypass both yield the bare data.
		if metaRoles, constrained := acc[OpReadMeta]; constrained && rolesHeld.Intersects(metaRoles) {
			if document.IsInvalid(dataProj) {
				dataProj = nil
			}
			metaProj := project(meta, acc, rolesHeld)
			if document.IsInvalid(metaProj) {
				metaProj = nil
			}
			return map[string]document.Value{
				"data": dataProj,
				"meta": metaProj,
			}
		}
		return dataProj
	}

	if obj, ok := document.AsObject(node); ok {
		out := make(map[string]document.Value, len(obj))
		for k, v := range obj {
			p := project(v, acc, rolesHeld)
			if !document.IsInvalid(p) {
				out[k] = p
			}
		}
		if permits(rolesHeld, acc, OpReadData) || len(out) > 0 {
			return out
		}
		return document.Invalid
	}

	if arr, ok := document.AsArray(node); ok {
		if !permits(rolesHeld, acc, OpReadData) {
			return document.Invalid
		}
		out := make([]document.Value, 0, len(arr))
		for _, v := range arr {
			p := project(v, acc, rolesHeld)
			if !document.IsInvalid(p) {
				out = append(out, p)
			}
		}
		return out
	}

	// Scalar, including JSON null — a legitimate value distinct from
	// document.Invalid.
	if permits(rolesHeld, acc, OpReadData) {
		return node
	}
	return document.Invalid
}
