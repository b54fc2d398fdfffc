// Package fieldvalue implements write-time field transforms: server
// timestamp, numeric increment, array union/remove, and field delete.
//
// A transform travels inside a document as a map value of the exact shape
// {"$op": <name>} or {"$op": <name>, "value": <argument>}. The single
// reserved key keeps the odds of colliding with genuine user data low, and
// the exact-shape check means a user map that merely contains a "$op" field
// alongside other keys is stored as ordinary data. Transforms are resolved
// against the previously stored document during a write and never appear in
// read results.
package fieldvalue

import (
	"errors"
	"fmt"
	"time"

	"github.com/emberdb/emberdb/internal/document"
)

const (
	markerKey = "$op"
	argKey    = "value"

	opServerTimestamp = "serverTimestamp"
	opIncrement       = "increment"
	opArrayUnion      = "arrayUnion"
	opArrayRemove     = "arrayRemove"
	opDelete          = "delete"
)

// ErrInvalidTransform reports a malformed or misplaced transform value.
var ErrInvalidTransform = errors.New("invalid field transform")

// ServerTimestamp returns a sentinel that resolves to the engine's current
// time in epoch milliseconds.
func ServerTimestamp() document.Value {
	return document.Map(map[string]document.Value{
		markerKey: document.String(opServerTimestamp),
	})
}

// Increment returns a sentinel that adds delta to the existing numeric value
// (0 if absent or non-numeric). delta must be an int or double.
func Increment(delta document.Value) document.Value {
	return document.Map(map[string]document.Value{
		markerKey: document.String(opIncrement),
		argKey:    delta,
	})
}

// ArrayUnion returns a sentinel that appends the given elements to the
// existing array, skipping elements already present by deep equality.
func ArrayUnion(elems ...document.Value) document.Value {
	return document.Map(map[string]document.Value{
		markerKey: document.String(opArrayUnion),
		argKey:    document.Array(elems...),
	})
}

// ArrayRemove returns a sentinel that removes every deep-equal match of the
// given elements from the existing array.
func ArrayRemove(elems ...document.Value) document.Value {
	return document.Map(map[string]document.Value{
		markerKey: document.String(opArrayRemove),
		argKey:    document.Array(elems...),
	})
}

// Delete returns a sentinel that removes the field from the document.
func Delete() document.Value {
	return document.Map(map[string]document.Value{
		markerKey: document.String(opDelete),
	})
}

// detect reports whether v is a transform sentinel. Only the exact marker
// shapes qualify.
func detect(v document.Value) (op string, arg document.Value, ok bool) {
	if v.Kind() != document.KindMap {
		return "", document.Value{}, false
	}
	marker, found := v.Field(markerKey)
	if !found || marker.Kind() != document.KindString {
		return "", document.Value{}, false
	}
	switch marker.AsString() {
	case opServerTimestamp, opDelete:
		if v.Len() != 1 {
			return "", document.Value{}, false
		}
		return marker.AsString(), document.Value{}, true
	case opIncrement, opArrayUnion, opArrayRemove:
		a, hasArg := v.Field(argKey)
		if v.Len() != 2 || !hasArg {
			return "", document.Value{}, false
		}
		return marker.AsString(), a, true
	default:
		return "", document.Value{}, false
	}
}

// Resolve materializes a write payload against the previously stored
// document. With merge false (set) the result contains only fields from
// incoming, the previous document serving solely as transform input. With
// merge true (update) incoming fields merge into existing: shallow at the
// top level, recursively for nested maps. An absent existing document plus
// merge behaves as a set of the provided fields.
func Resolve(existing, incoming document.Value, now time.Time, merge bool) (document.Value, error) {
	if incoming.Kind() != document.KindMap {
		return document.Value{}, fmt.Errorf("%w: document root must be a map, got %s",
			ErrInvalidTransform, incoming.Kind())
	}
	return resolveMap(existing, incoming, now, merge)
}

func resolveMap(existing, incoming document.Value, now time.Time, merge bool) (document.Value, error) {
	out := make(map[string]document.Value, incoming.Len())
	if merge && existing.Kind() == document.KindMap {
		for k, v := range existing.AsMap() {
			out[k] = v
		}
	}

	for k, v := range incoming.AsMap() {
		var prev document.Value
		if existing.Kind() == document.KindMap {
			prev, _ = existing.Field(k)
		}

		if op, arg, ok := detect(v); ok {
			resolved, remove, err := apply(op, arg, prev, now)
			if err != nil {
				return document.Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			if remove {
				delete(out, k)
			} else {
				out[k] = resolved
			}
			continue
		}

		switch v.Kind() {
		case document.KindMap:
			nested, err := resolveMap(prev, v, now, merge)
			if err != nil {
				return document.Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = nested
		case document.KindArray:
			if err := rejectSentinels(v); err != nil {
				return document.Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = v
		default:
			out[k] = v
		}
	}
	return document.Map(out), nil
}

// rejectSentinels refuses transform markers nested inside arrays, where no
// previous-value resolution target exists.
func rejectSentinels(arr document.Value) error {
	for _, e := range arr.AsArray() {
		if _, _, ok := detect(e); ok {
			return fmt.Errorf("%w: transform not allowed inside an array", ErrInvalidTransform)
		}
		switch e.Kind() {
		case document.KindArray:
			if err := rejectSentinels(e); err != nil {
				return err
			}
		case document.KindMap:
			for _, nested := range e.AsMap() {
				if nested.Kind() == document.KindArray {
					if err := rejectSentinels(nested); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func apply(op string, arg, prev document.Value, now time.Time) (document.Value, bool, error) {
	switch op {
	case opServerTimestamp:
		return document.Int(now.UnixMilli()), false, nil

	case opIncrement:
		if !arg.IsNumeric() {
			return document.Value{}, false, fmt.Errorf("%w: increment delta must be numeric, got %s",
				ErrInvalidTransform, arg.Kind())
		}
		// Absent or non-numeric previous values count as zero.
		base := document.Int(0)
		if prev.IsNumeric() {
			base = prev
		}
		if base.Kind() == document.KindInt && arg.Kind() == document.KindInt {
			return document.Int(base.AsInt() + arg.AsInt()), false, nil
		}
		return document.Double(asDouble(base) + asDouble(arg)), false, nil

	case opArrayUnion:
		var result []document.Value
		if prev.Kind() == document.KindArray {
			result = append(result, prev.AsArray()...)
		}
		for _, e := range arg.AsArray() {
			if !containsEqual(result, e) {
				result = append(result, e)
			}
		}
		return document.Array(result...), false, nil

	case opArrayRemove:
		var result []document.Value
		if prev.Kind() == document.KindArray {
			for _, e := range prev.AsArray() {
				if !containsEqual(arg.AsArray(), e) {
					result = append(result, e)
				}
			}
		}
		return document.Array(result...), false, nil

	case opDelete:
		return document.Value{}, true, nil

	default:
		return document.Value{}, false, fmt.Errorf("%w: unknown op %q", ErrInvalidTransform, op)
	}
}

func asDouble(v document.Value) float64 {
	if v.Kind() == document.KindInt {
		return float64(v.AsInt())
	}
	return v.AsDouble()
}

func containsEqual(list []document.Value, v document.Value) bool {
	for _, e := range list {
		if e.Equal(v) {
			return true
		}
	}
	return false
}
