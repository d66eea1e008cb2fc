package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(pos int, text, clientID string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Text: text, ClientID: clientID}
}

func del(pos, length int, clientID string) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length, ClientID: clientID}
}

// applyConcurrent applies b then a-rebased-over-b.
func applyConcurrent(t *testing.T, content string, first, second Operation) string {
	t.Helper()
	doc := NewDoc(content)
	doc, err := Apply(doc, first)
	require.NoError(t, err)
	doc, err = ApplyAll(doc, Transform(second, first))
	require.NoError(t, err)
	return doc.String()
}

func TestTransform_ConcurrentInsertsSameBase(t *testing.T) {
	// content="ab", X inserts "X"@1, Y inserts "Y"@1, clientId "aaa" < "bbb"
	// so X stays first and Y shifts to 2.
	x := insert(1, "X", "aaa")
	y := insert(1, "Y", "bbb")

	yPrime := Transform(y, x)
	require.Len(t, yPrime, 1)
	assert.Equal(t, 2, yPrime[0].Position)

	assert.Equal(t, "aXYb", applyConcurrent(t, "ab", x, y))
	// The loser's perspective converges to the same content.
	assert.Equal(t, "aXYb", applyConcurrent(t, "ab", y, x))
}

func TestTransform_InsertInsideConcurrentDelete(t *testing.T) {
	// content="hello": X deletes "ell" (1,3), Y inserts "Z"@3.
	// Y's insert point is inside the deleted range and clamps to 1.
	x := del(1, 3, "aaa")
	y := insert(3, "Z", "bbb")

	yPrime := Transform(y, x)
	require.Len(t, yPrime, 1)
	assert.Equal(t, 1, yPrime[0].Position)

	assert.Equal(t, "hZo", applyConcurrent(t, "hello", x, y))
	assert.Equal(t, "hZo", applyConcurrent(t, "hello", y, x))
}

func TestTransform_DeleteSplitsAroundInsert(t *testing.T) {
	// content="abcd": a deletes "bcd" (1,3); b inserts "XY"@2 concurrently.
	// Shift-right policy: the insert survives, the delete splits.
	a := del(1, 3, "aaa")
	b := insert(2, "XY", "bbb")

	frags := Transform(a, b)
	require.Len(t, frags, 2)
	assert.Equal(t, Operation{Kind: KindDelete, Position: 1, Length: 1, ClientID: "aaa"}, frags[0])
	assert.Equal(t, Operation{Kind: KindDelete, Position: 3, Length: 2, ClientID: "aaa"}, frags[1])

	assert.Equal(t, "aXY", applyConcurrent(t, "abcd", b, a))
	assert.Equal(t, "aXY", applyConcurrent(t, "abcd", a, b))
}

func TestTransform_InsertBeforeDelete(t *testing.T) {
	a := del(3, 2, "aaa")
	b := insert(0, "xx", "bbb")

	frags := Transform(a, b)
	require.Len(t, frags, 1)
	assert.Equal(t, 5, frags[0].Position)
}

func TestTransform_DeleteBeforeInsert(t *testing.T) {
	a := insert(5, "x", "aaa")
	b := del(0, 2, "bbb")

	frags := Transform(a, b)
	require.Len(t, frags, 1)
	assert.Equal(t, 3, frags[0].Position)
}

func TestTransform_OverlappingDeletes(t *testing.T) {
	tests := []struct {
		name        string
		a, b        Operation
		wantPos     int
		wantLen     int
		wantDropped bool
	}{
		{"partial overlap right", del(2, 4, "a"), del(4, 4, "b"), 2, 2, false},
		{"partial overlap left", del(4, 4, "a"), del(2, 4, "b"), 2, 2, false},
		{"a inside b", del(3, 2, "a"), del(2, 5, "b"), 2, 0, true},
		{"b inside a", del(2, 5, "a"), del(3, 2, "b"), 2, 3, false},
		{"identical", del(2, 3, "a"), del(2, 3, "b"), 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frags := Transform(tt.a, tt.b)
			if tt.wantDropped {
				assert.Empty(t, frags)
				return
			}
			require.Len(t, frags, 1)
			assert.Equal(t, tt.wantPos, frags[0].Position)
			assert.Equal(t, tt.wantLen, frags[0].Length)
		})
	}
}

func TestTransform_DisjointOps(t *testing.T) {
	a := del(0, 2, "a")
	b := del(5, 2, "b")
	frags := Transform(a, b)
	require.Len(t, frags, 1)
	assert.Equal(t, a, frags[0])
}

func TestTransform_RetainUnchanged(t *testing.T) {
	a := Operation{Kind: KindRetain, Position: 3, Length: 1, ClientID: "a"}
	frags := Transform(a, insert(0, "zz", "b"))
	require.Len(t, frags, 1)
	assert.Equal(t, a, frags[0])
}

// Transform identity: apply(C, [b, T(a,b)]) == apply(C, [a, T(b,a)])
// for every pair of concurrent operations under the tie-break.
func TestTransform_ConvergenceProperty(t *testing.T) {
	const content = "the quick brown fox"

	ops := []Operation{
		insert(0, "A", "aaa"),
		insert(4, "BB", "aaa"),
		insert(9, "😀", "aaa"),
		insert(19, "!", "aaa"),
		del(0, 3, "aaa"),
		del(4, 5, "aaa"),
		del(10, 9, "aaa"),
		del(2, 15, "aaa"),
	}

	for i, a := range ops {
		for j, b := range ops {
			if i == j {
				continue
			}
			a := a
			b := b
			b.ClientID = "bbb"

			docA := NewDoc(content)
			docA, err := Apply(docA, b)
			require.NoError(t, err)
			docA, err = ApplyAll(docA, Transform(a, b))
			require.NoError(t, err, "case %d/%d", i, j)

			docB := NewDoc(content)
			docB, err = Apply(docB, a)
			require.NoError(t, err)
			docB, err = ApplyAll(docB, Transform(b, a))
			require.NoError(t, err, "case %d/%d", i, j)

			assert.Equal(t, docA.String(), docB.String(), "case %d/%d diverged", i, j)
		}
	}
}

func TestTransformSeries(t *testing.T) {
	// Client produced op against version 0; two ops landed since.
	series := []Operation{
		insert(0, "abc", "aaa"), // v1: "abc"
		del(1, 1, "bbb"),        // v2: "ac"
	}
	op := insert(0, "X", "ccc")

	frags := TransformSeries(op, series)
	require.Len(t, frags, 1)
	// The first insert wins the tie ("aaa" < "ccc") and pushes op to 3;
	// the delete at 1 then pulls it back to 2.
	assert.Equal(t, 2, frags[0].Position)
}

func TestTransformSeries_Positions(t *testing.T) {
	// Explicit end-state check instead of position arithmetic: fold the
	// series onto an empty doc, then the transformed op, and compare.
	series := []Operation{
		insert(0, "abc", "aaa"),
		del(1, 1, "bbb"),
	}
	doc := NewDoc("")
	doc, err := ApplyAll(doc, series)
	require.NoError(t, err)
	require.Equal(t, "ac", doc.String())

	// Produced against the empty base, so position 0 is the only valid
	// offset; it loses the tie and ends up after the surviving "ac".
	op := insert(0, "X", "ccc")

	frags := TransformSeries(op, series)
	doc, err = ApplyAll(doc, frags)
	require.NoError(t, err)
	assert.Equal(t, "acX", doc.String())
}

func TestTransformSeries_SplitThenShift(t *testing.T) {
	// A delete that splits around a concurrent insert, then shifts for a
	// later insert at the front.
	series := []Operation{
		insert(2, "XY", "bbb"), // splits the delete
		insert(0, "..", "ccc"), // shifts both fragments
	}
	op := del(1, 3, "aaa") // against "abcd"

	doc := NewDoc("abcd")
	doc, err := ApplyAll(doc, series)
	require.NoError(t, err)
	require.Equal(t, "..abXYcd", doc.String())

	frags := TransformSeries(op, series)
	doc, err = ApplyAll(doc, frags)
	require.NoError(t, err)
	assert.Equal(t, "..aXY", doc.String())
}

func TestTransformSeries_ConsumedDelete(t *testing.T) {
	series := []Operation{del(0, 5, "bbb")}
	op := del(1, 2, "aaa")

	frags := TransformSeries(op, series)
	assert.Empty(t, frags)
}
