package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultBook ResultType = "book"
	ResultNode ResultType = "node"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	BookID    string     `json:"bookId"`
	VersionID string     `json:"versionId,omitempty"`
	Kind      string     `json:"kind,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterBookID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// BookRecord is the data we index for a book.
type BookRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	AuthorName string `json:"authorName"`
}

// NodeRecord is the data we index for a TOC node.
type NodeRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	BookID    string `json:"bookId"`
	VersionID string `json:"versionId"`
}
