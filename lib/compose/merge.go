/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package compose builds the engine's merged.yaml from the baked
// defaults, the active subscription and the active user profile.
package compose

import (
	"github.com/gravitational/trace"
)

// Sequence fields with prepend/append directive support. These are the
// fields where wholesale replacement is the useful default and targeted
// insertion needs an explicit directive.
var directiveFields = []string{"rules", "proxies", "proxy-groups"}

func isDirectiveKey(key string) bool {
	for _, field := range directiveFields {
		if key == "prepend-"+field || key == "append-"+field {
			return true
		}
	}
	return false
}

// Merge overlays overlay onto base and returns a new document. Nested
// mappings merge recursively except under "rules" and "proxies", where
// (like every sequence) the overlay replaces the base wholesale.
// prepend-*/append-* directive keys in the overlay splice into the
// corresponding sequence instead of appearing in the output.
func Merge(base, overlay map[string]any) (map[string]any, error) {
	result := deepCopyMap(base)
	if result == nil {
		result = map[string]any{}
	}

	for key, val := range overlay {
		if isDirectiveKey(key) {
			continue
		}
		dst, dstIsMap := result[key].(map[string]any)
		src, srcIsMap := val.(map[string]any)
		if dstIsMap && srcIsMap && key != "rules" && key != "proxies" {
			deepMergeMaps(dst, src)
			continue
		}
		result[key] = deepCopyValue(val)
	}

	for _, field := range directiveFields {
		prepend, hasPrepend := overlay["prepend-"+field]
		appendVal, hasAppend := overlay["append-"+field]
		if !hasPrepend && !hasAppend {
			continue
		}
		seq, err := spliceSequence(field, base, overlay, prepend, appendVal)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		result[field] = seq
	}
	return result, nil
}

// spliceSequence builds prepend ++ base ++ append for one field. The
// middle part comes from the overlay's own sequence when present,
// otherwise from the base document.
func spliceSequence(field string, base, overlay map[string]any, prepend, appendVal any) ([]any, error) {
	baseVal, baseSet := overlay[field]
	if !baseSet {
		baseVal, baseSet = base[field]
	}
	var middle []any
	if baseSet && baseVal != nil {
		seq, ok := baseVal.([]any)
		if !ok {
			return nil, trace.BadParameter("field %q must be a sequence when present", field)
		}
		middle = seq
	}

	head, err := directiveSequence("prepend-"+field, prepend)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tail, err := directiveSequence("append-"+field, appendVal)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := make([]any, 0, len(head)+len(middle)+len(tail))
	for _, v := range head {
		out = append(out, deepCopyValue(v))
	}
	for _, v := range middle {
		out = append(out, deepCopyValue(v))
	}
	for _, v := range tail {
		out = append(out, deepCopyValue(v))
	}
	return out, nil
}

func directiveSequence(name string, val any) ([]any, error) {
	if val == nil {
		return nil, nil
	}
	seq, ok := val.([]any)
	if !ok {
		return nil, trace.BadParameter("field %q must be a sequence when present", name)
	}
	return seq, nil
}

func deepMergeMaps(dst, src map[string]any) {
	for key, val := range src {
		dstMap, dstIsMap := dst[key].(map[string]any)
		srcMap, srcIsMap := val.(map[string]any)
		if dstIsMap && srcIsMap {
			deepMergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = deepCopyValue(val)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	}
	return v
}

// asMapping coerces a decoded YAML document root to a mapping. Empty and
// null documents count as empty mappings; any other root is an error.
func asMapping(doc any, label string) (map[string]any, error) {
	switch val := doc.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return val, nil
	}
	return nil, trace.BadParameter("%v root must be a mapping", label)
}
