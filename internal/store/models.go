package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type Book struct {
	ID         string
	Title      string
	AuthorName string
	CreatedBy  string
	CreatedAt  time.Time
}

// BookMembership is the book-level permission record. Per-node assignments
// (Assignment) additionally scope what an author may touch.
type BookMembership struct {
	BookID    string
	UserID    string
	Role      string // viewer | author | editor
	GrantedBy string
	CreatedAt time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type BookVersion struct {
	ID          string
	BookID      string
	VersionNo   int
	Status      string // draft | published
	TemplateRef string
	CreatedBy   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// TocNode is one entry in a version's table of contents. ParentID nil means
// the node sits at the root of the version. OrderIndex orders siblings within
// one (version, parent) container.
type TocNode struct {
	ID         string
	VersionID  string
	ParentID   *string
	Title      string
	Slug       string
	OrderIndex int
	Kind       string // section | chapter | heading
	CreatedAt  time.Time
}

// TocContent is the rich-text payload bound 1:1 to a node. ContentJSON is
// opaque to the server beyond being valid JSON.
type TocContent struct {
	NodeID         string
	ContentJSON    string
	Status         string // draft | submitted | needs_revision | approved
	EditorNote     string
	AuthorResolved bool
	UpdatedBy      string
	UpdatedAt      time.Time
}

type Assignment struct {
	NodeID    string
	UserID    string
	Role      string // author | editor
	CreatedAt time.Time
	// Joined field for API responses
	UserName string
}

// CommitInfo describes one entry in a node's content history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
