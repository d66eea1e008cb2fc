package ot

// Transform rebases operation a over operation b, where both were produced
// against the same document state and b has already been applied. It returns
// the fragments of a to apply after b, in sequential order: each fragment is
// expressed against the document as it stands once b and the preceding
// fragments have been applied.
//
// The result is empty when a is fully consumed (a delete whose entire range
// was already deleted by b), and has two fragments when a concurrent insert
// lands inside a's deleted range (the "shift right" policy: the delete splits
// around the inserted text, which survives).
//
// Tie-break: two inserts at the same position are ordered by ClientID; the
// lexicographically smaller one keeps its position.
func Transform(a, b Operation) []Operation {
	if a.Kind == KindRetain || b.Kind == KindRetain || a.IsNoop() || b.IsNoop() {
		return []Operation{a}
	}

	switch a.Kind {
	case KindInsert:
		return []Operation{transformInsert(a, b)}
	case KindDelete:
		return transformDelete(a, b)
	}
	return []Operation{a}
}

func transformInsert(a, b Operation) Operation {
	p1 := a.Position
	p2 := b.Position

	switch b.Kind {
	case KindInsert:
		if p1 < p2 || (p1 == p2 && a.ClientID < b.ClientID) {
			return a
		}
		a.Position = p1 + b.TextLen()
		return a

	case KindDelete:
		l2 := b.Length
		switch {
		case p1 <= p2:
			return a
		case p1 >= p2+l2:
			a.Position = p1 - l2
			return a
		default:
			// Insert point was deleted out from under us; land at the
			// deletion site.
			a.Position = p2
			return a
		}
	}
	return a
}

func transformDelete(a, b Operation) []Operation {
	p1, l1 := a.Position, a.Length
	p2 := b.Position

	switch b.Kind {
	case KindInsert:
		lb := b.TextLen()
		switch {
		case p2 <= p1:
			a.Position = p1 + lb
			return []Operation{a}
		case p2 >= p1+l1:
			return []Operation{a}
		default:
			// Concurrent insert inside the deleted range: the inserted
			// text survives, the delete splits around it. The second
			// fragment is positioned for application after the first.
			left := a
			left.Length = p2 - p1
			right := a
			right.Position = p1 + lb
			right.Length = l1 - left.Length
			return []Operation{left, right}
		}

	case KindDelete:
		l2 := b.Length
		switch {
		case p1+l1 <= p2:
			return []Operation{a}
		case p1 >= p2+l2:
			a.Position = p1 - l2
			return []Operation{a}
		default:
			// Overlapping deletes: b already removed the shared span.
			overlap := min(p1+l1, p2+l2) - max(p1, p2)
			a.Position = min(p1, p2)
			a.Length = l1 - overlap
			if a.Length <= 0 {
				return nil
			}
			return []Operation{a}
		}
	}
	return []Operation{a}
}

// TransformSeries rebases op over a series of already-applied operations
// (oldest first) and returns the sequential fragments to apply. The series
// holds single inserts and deletes, exactly as logged in document history.
func TransformSeries(op Operation, series []Operation) []Operation {
	frags := []Operation{op}
	for _, b := range series {
		frags = transformFragments(frags, b)
		if len(frags) == 0 {
			break
		}
	}
	return frags
}

// transformFragments rebases a sequential fragment list over one history op.
// Fragments beyond the first are always deletes (only deletes split), and a
// delete never splits a concurrent op, so the rebased history op stays a
// single op (or vanishes) while fragments remain.
func transformFragments(frags []Operation, b Operation) []Operation {
	bCur := []Operation{b}
	out := make([]Operation, 0, len(frags)+1)
	for _, f := range frags {
		if len(bCur) == 0 {
			// b was consumed by an earlier fragment; the rest are
			// unaffected.
			out = append(out, f)
			continue
		}
		bb := bCur[0]
		out = append(out, Transform(f, bb)...)
		bCur = Transform(bb, f)
	}
	return out
}
