// Package ot implements the operational-transform algorithm that keeps
// concurrent edits convergent. It is pure: no I/O, no goroutines, no locks.
// The session dispatcher is the only caller and already serializes access.
//
// All positions and lengths are measured in UTF-16 code units to match the
// editor widget. Document content is held as a []uint16 so that offset
// arithmetic is exact; conversion to and from Go strings happens only at the
// snapshot and wire boundaries.
package ot

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	// KindRetain carries cursor hints only; it never mutates content and is
	// not logged.
	KindRetain Kind = "retain"
)

var (
	ErrInvalidKind   = errors.New("ot: invalid operation kind")
	ErrOutOfBounds   = errors.New("ot: operation out of bounds")
	ErrEmptyInsert   = errors.New("ot: insert requires non-empty text")
	ErrBadLength     = errors.New("ot: delete/retain requires positive length")
	ErrNegativeField = errors.New("ot: negative position or version")
)

// Operation is a single change to a document, expressed against the content
// at BaseVersion.
type Operation struct {
	Kind        Kind      `json:"kind"`
	Position    int       `json:"position"`
	Text        string    `json:"text,omitempty"`   // insert only
	Length      int       `json:"length,omitempty"` // delete/retain only
	BaseVersion int       `json:"baseVersion"`
	ClientID    string    `json:"clientId"`
	UserID      string    `json:"userId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"` // server-stamped on acceptance
}

// TextLen returns the length of the operation's payload in UTF-16 code units:
// the inserted text length for inserts, Length otherwise.
func (op Operation) TextLen() int {
	if op.Kind == KindInsert {
		return UTF16Len(op.Text)
	}
	return op.Length
}

// End returns the exclusive end offset of the span the operation touches.
func (op Operation) End() int {
	if op.Kind == KindDelete || op.Kind == KindRetain {
		return op.Position + op.Length
	}
	return op.Position
}

// IsNoop reports whether the operation no longer changes anything. Transforms
// can shrink a delete to zero length.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Length <= 0
	default:
		return true
	}
}

// Validate checks structural sanity independent of any document.
func (op Operation) Validate() error {
	if op.Position < 0 || op.BaseVersion < 0 {
		return ErrNegativeField
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return ErrEmptyInsert
		}
	case KindDelete, KindRetain:
		if op.Length <= 0 {
			return ErrBadLength
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, op.Kind)
	}
	return nil
}

// ValidateBounds checks the operation against a document of the given length
// (in UTF-16 code units).
func (op Operation) ValidateBounds(docLen int) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case KindInsert:
		if op.Position > docLen {
			return fmt.Errorf("%w: insert at %d, doc length %d", ErrOutOfBounds, op.Position, docLen)
		}
	case KindDelete, KindRetain:
		if op.Position+op.Length > docLen {
			return fmt.Errorf("%w: span [%d,%d), doc length %d", ErrOutOfBounds, op.Position, op.Position+op.Length, docLen)
		}
	}
	return nil
}

// Doc is document content as UTF-16 code units.
type Doc []uint16

// NewDoc converts a string into a Doc.
func NewDoc(s string) Doc {
	return Doc(utf16.Encode([]rune(s)))
}

// String converts the Doc back to a Go string.
func (d Doc) String() string {
	return string(utf16.Decode(d))
}

// Len returns the document length in UTF-16 code units.
func (d Doc) Len() int { return len(d) }

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n++
		if r > 0xFFFF {
			n++
		}
	}
	return n
}

// Apply mutates a copy of the document by the operation and returns it.
// Retain is a no-op by definition.
func Apply(d Doc, op Operation) (Doc, error) {
	if err := op.ValidateBounds(len(d)); err != nil {
		return nil, err
	}
	switch op.Kind {
	case KindInsert:
		ins := utf16.Encode([]rune(op.Text))
		out := make(Doc, 0, len(d)+len(ins))
		out = append(out, d[:op.Position]...)
		out = append(out, ins...)
		out = append(out, d[op.Position:]...)
		return out, nil
	case KindDelete:
		out := make(Doc, 0, len(d)-op.Length)
		out = append(out, d[:op.Position]...)
		out = append(out, d[op.Position+op.Length:]...)
		return out, nil
	default: // retain
		return d, nil
	}
}

// ApplyAll folds a series of operations over the document in order.
func ApplyAll(d Doc, ops []Operation) (Doc, error) {
	var err error
	for i, op := range ops {
		d, err = Apply(d, op)
		if err != nil {
			return nil, fmt.Errorf("applying op %d: %w", i, err)
		}
	}
	return d, nil
}
