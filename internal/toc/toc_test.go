package toc

import "testing"

func TestCanContain(t *testing.T) {
	cases := []struct {
		name   string
		parent Kind
		child  Kind
		allow  bool
	}{
		{name: "section at root", parent: Root, child: KindSection, allow: true},
		{name: "chapter at root", parent: Root, child: KindChapter, allow: true},
		{name: "heading at root", parent: Root, child: KindHeading, allow: false},
		{name: "chapter under section", parent: KindSection, child: KindChapter, allow: true},
		{name: "section under section", parent: KindSection, child: KindSection, allow: false},
		{name: "heading under section", parent: KindSection, child: KindHeading, allow: false},
		{name: "heading under chapter", parent: KindChapter, child: KindHeading, allow: true},
		{name: "chapter under chapter", parent: KindChapter, child: KindChapter, allow: false},
		{name: "anything under heading", parent: KindHeading, child: KindHeading, allow: false},
		{name: "unknown parent", parent: Kind("part"), child: KindChapter, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanContain(tc.parent, tc.child); got != tc.allow {
				t.Fatalf("CanContain(%q, %q) = %v, want %v", tc.parent, tc.child, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if kind, ok := Normalize("chapter"); !ok || kind != KindChapter {
		t.Fatalf("Normalize(chapter) = %q, %v", kind, ok)
	}
	if _, ok := Normalize("part"); ok {
		t.Fatal("Normalize(part) should be rejected")
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("Normalize(empty) should be rejected")
	}
}
