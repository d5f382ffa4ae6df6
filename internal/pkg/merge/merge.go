// Package merge holds the collection primitives every reconciliation path
// goes through, so duplicate suppression and monotonic projection are decided
// in one place.
package merge

// Position selects where Upsert inserts a record that is not yet present.
type Position int

const (
	Append Position = iota
	Prepend
)

// Rules describe record identity and ordering for a collection.
type Rules[T any] struct {
	// Same reports whether a and b describe the same logical record.
	Same func(a, b T) bool
	// Newer reports whether a is strictly newer than b. A nil Newer means an
	// existing record is never replaced.
	Newer func(a, b T) bool
}

// Result reports what Upsert did.
type Result int

const (
	Unchanged Result = iota
	Inserted
	Replaced
)

// Upsert inserts incoming when no record in items is the same logical record,
// replaces the existing one when incoming is newer, and otherwise leaves items
// untouched. The returned slice may share storage with items.
func Upsert[T any](items []T, incoming T, pos Position, r Rules[T]) ([]T, Result) {
	if i := Index(items, func(e T) bool { return r.Same(e, incoming) }); i >= 0 {
		if r.Newer != nil && r.Newer(incoming, items[i]) {
			items[i] = incoming
			return items, Replaced
		}
		return items, Unchanged
	}
	if pos == Prepend {
		return append([]T{incoming}, items...), Inserted
	}
	return append(items, incoming), Inserted
}

// Index returns the position of the first record matching pred, or -1.
func Index[T any](items []T, pred func(T) bool) int {
	for i, e := range items {
		if pred(e) {
			return i
		}
	}
	return -1
}

// RemoveFunc drops every record matching pred and returns the filtered slice
// together with the removed records.
func RemoveFunc[T any](items []T, pred func(T) bool) ([]T, []T) {
	var removed []T
	kept := items[:0:0]
	for _, e := range items {
		if pred(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// Newest returns whichever of current and incoming is newer. A nil current
// always yields incoming; a nil incoming always yields current. Ties keep
// current.
func Newest[T any](current, incoming *T, newer func(a, b T) bool) *T {
	switch {
	case incoming == nil:
		return current
	case current == nil:
		return incoming
	case newer(*incoming, *current):
		return incoming
	default:
		return current
	}
}
