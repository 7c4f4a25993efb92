// Package toc defines the node kinds of a table of contents and the
// containment rules between them.
package toc

type Kind string

const (
	KindSection Kind = "section"
	KindChapter Kind = "chapter"
	KindHeading Kind = "heading"
)

// Root is the pseudo-kind of the nil-parent container at the top of a version.
const Root Kind = "root"

// containment maps a container kind to the node kinds it may hold directly.
// Sections live only at the root; chapters at the root or under a section;
// headings only under a chapter.
var containment = map[Kind]map[Kind]bool{
	Root:        {KindSection: true, KindChapter: true},
	KindSection: {KindChapter: true},
	KindChapter: {KindHeading: true},
	KindHeading: {},
}

// CanContain reports whether a node of kind child may sit directly under a
// container of kind parent (use Root for the nil parent).
func CanContain(parent, child Kind) bool {
	allowed, ok := containment[parent]
	if !ok {
		return false
	}
	return allowed[child]
}

func Valid(kind Kind) bool {
	switch kind {
	case KindSection, KindChapter, KindHeading:
		return true
	default:
		return false
	}
}

// Normalize parses a raw kind string; ok is false for anything outside the
// closed set.
func Normalize(raw string) (Kind, bool) {
	kind := Kind(raw)
	if !Valid(kind) {
		return "", false
	}
	return kind, true
}
