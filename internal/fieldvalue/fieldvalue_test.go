package fieldvalue_test

import (
	"testing"
	"time"

	"github.com/emberdb/emberdb/internal/document"
	"github.com/emberdb/emberdb/internal/fieldvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.UnixMilli(1700000000000)

func doc(fields map[string]document.Value) document.Value {
	return document.Map(fields)
}

func TestServerTimestamp(t *testing.T) {
	incoming := doc(map[string]document.Value{
		"updated": fieldvalue.ServerTimestamp(),
	})
	out, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	require.NoError(t, err)

	updated, ok := out.Field("updated")
	require.True(t, ok)
	assert.Equal(t, document.KindInt, updated.Kind())
	assert.Equal(t, testNow.UnixMilli(), updated.AsInt())
}

func TestIncrement(t *testing.T) {
	existing := doc(map[string]document.Value{"count": document.Int(5)})
	incoming := doc(map[string]document.Value{
		"count": fieldvalue.Increment(document.Int(3)),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	count, _ := out.Field("count")
	assert.Equal(t, document.KindInt, count.Kind())
	assert.Equal(t, int64(8), count.AsInt())
}

func TestIncrement_AbsentDefaultsToZero(t *testing.T) {
	incoming := doc(map[string]document.Value{
		"count": fieldvalue.Increment(document.Int(7)),
	})
	out, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	require.NoError(t, err)

	count, _ := out.Field("count")
	assert.Equal(t, int64(7), count.AsInt())
}

func TestIncrement_NonNumericExistingDefaultsToZero(t *testing.T) {
	existing := doc(map[string]document.Value{"count": document.String("oops")})
	incoming := doc(map[string]document.Value{
		"count": fieldvalue.Increment(document.Int(2)),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	count, _ := out.Field("count")
	assert.Equal(t, int64(2), count.AsInt())
}

func TestIncrement_Widening(t *testing.T) {
	// int + double widens to double.
	existing := doc(map[string]document.Value{"n": document.Int(1)})
	incoming := doc(map[string]document.Value{
		"n": fieldvalue.Increment(document.Double(0.5)),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	n, _ := out.Field("n")
	assert.Equal(t, document.KindDouble, n.Kind())
	assert.Equal(t, 1.5, n.AsDouble())

	// double + int also widens.
	existing = doc(map[string]document.Value{"n": document.Double(2.5)})
	incoming = doc(map[string]document.Value{
		"n": fieldvalue.Increment(document.Int(1)),
	})
	out, err = fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	n, _ = out.Field("n")
	assert.Equal(t, document.KindDouble, n.Kind())
	assert.Equal(t, 3.5, n.AsDouble())
}

func TestIncrement_BadDelta(t *testing.T) {
	incoming := doc(map[string]document.Value{
		"n": fieldvalue.Increment(document.String("1")),
	})
	_, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	assert.ErrorIs(t, err, fieldvalue.ErrInvalidTransform)
}

func TestArrayUnion(t *testing.T) {
	// Union into an absent field yields just the elements.
	incoming := doc(map[string]document.Value{
		"tags": fieldvalue.ArrayUnion(document.String("a")),
	})
	out, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	require.NoError(t, err)

	tags, _ := out.Field("tags")
	require.Equal(t, 1, tags.Len())
	assert.Equal(t, "a", tags.AsArray()[0].AsString())

	// A second union of the same element is a no-op.
	incoming = doc(map[string]document.Value{
		"tags": fieldvalue.ArrayUnion(document.String("a")),
	})
	out2, err := fieldvalue.Resolve(out, incoming, testNow, true)
	require.NoError(t, err)

	tags, _ = out2.Field("tags")
	assert.Equal(t, 1, tags.Len())
}

func TestArrayUnion_PreservesOrder(t *testing.T) {
	existing := doc(map[string]document.Value{
		"tags": document.Array(document.String("x"), document.String("y")),
	})
	incoming := doc(map[string]document.Value{
		"tags": fieldvalue.ArrayUnion(document.String("y"), document.String("z")),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	tags, _ := out.Field("tags")
	require.Equal(t, 3, tags.Len())
	assert.Equal(t, "x", tags.AsArray()[0].AsString())
	assert.Equal(t, "y", tags.AsArray()[1].AsString())
	assert.Equal(t, "z", tags.AsArray()[2].AsString())
}

func TestArrayRemove(t *testing.T) {
	existing := doc(map[string]document.Value{
		"tags": document.Array(document.String("a"), document.String("b"), document.String("a")),
	})
	incoming := doc(map[string]document.Value{
		"tags": fieldvalue.ArrayRemove(document.String("a")),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	tags, _ := out.Field("tags")
	require.Equal(t, 1, tags.Len())
	assert.Equal(t, "b", tags.AsArray()[0].AsString())
}

func TestDeleteField(t *testing.T) {
	existing := doc(map[string]document.Value{
		"keep": document.Int(1),
		"drop": document.Int(2),
	})
	incoming := doc(map[string]document.Value{
		"drop": fieldvalue.Delete(),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	_, ok := out.Field("drop")
	assert.False(t, ok)
	keep, ok := out.Field("keep")
	require.True(t, ok)
	assert.Equal(t, int64(1), keep.AsInt())
}

func TestSetReplacesDocument(t *testing.T) {
	existing := doc(map[string]document.Value{
		"old": document.String("gone"),
		"n":   document.Int(10),
	})
	incoming := doc(map[string]document.Value{
		"n": fieldvalue.Increment(document.Int(1)),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, false)
	require.NoError(t, err)

	// set drops fields not present in the payload, but transforms still
	// resolve against the previous value.
	_, ok := out.Field("old")
	assert.False(t, ok)
	n, _ := out.Field("n")
	assert.Equal(t, int64(11), n.AsInt())
}

func TestUpdateMergesNestedMaps(t *testing.T) {
	existing := doc(map[string]document.Value{
		"profile": doc(map[string]document.Value{
			"name": document.String("alice"),
			"age":  document.Int(30),
		}),
		"other": document.Bool(true),
	})
	incoming := doc(map[string]document.Value{
		"profile": doc(map[string]document.Value{
			"age": document.Int(31),
		}),
	})
	out, err := fieldvalue.Resolve(existing, incoming, testNow, true)
	require.NoError(t, err)

	other, ok := out.Field("other")
	require.True(t, ok)
	assert.True(t, other.AsBool())

	profile, _ := out.Field("profile")
	name, ok := profile.Field("name")
	require.True(t, ok, "nested merge must keep sibling fields")
	assert.Equal(t, "alice", name.AsString())
	age, _ := profile.Field("age")
	assert.Equal(t, int64(31), age.AsInt())
}

func TestUpdateOnAbsentActsAsSet(t *testing.T) {
	incoming := doc(map[string]document.Value{
		"a": document.Int(1),
	})
	out, err := fieldvalue.Resolve(document.Null(), incoming, testNow, true)
	require.NoError(t, err)

	a, ok := out.Field("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.AsInt())
	assert.Equal(t, 1, out.Len())
}

func TestSentinelInsideArrayRejected(t *testing.T) {
	incoming := doc(map[string]document.Value{
		"bad": document.Array(fieldvalue.Increment(document.Int(1))),
	})
	_, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	assert.ErrorIs(t, err, fieldvalue.ErrInvalidTransform)
}

func TestLookalikeMapIsStoredAsData(t *testing.T) {
	// A map containing "$op" plus extra keys is not the sentinel shape and
	// must pass through untouched.
	incoming := doc(map[string]document.Value{
		"data": doc(map[string]document.Value{
			"$op":   document.String("increment"),
			"value": document.Int(1),
			"extra": document.Bool(true),
		}),
	})
	out, err := fieldvalue.Resolve(document.Null(), incoming, testNow, false)
	require.NoError(t, err)

	data, _ := out.Field("data")
	assert.Equal(t, 3, data.Len())
}

func TestNonMapRootRejected(t *testing.T) {
	_, err := fieldvalue.Resolve(document.Null(), document.Int(1), testNow, false)
	assert.ErrorIs(t, err, fieldvalue.ErrInvalidTransform)
}
