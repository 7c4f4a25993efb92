package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/search"
	"folio/api/internal/store"
)

// fakeStore is an in-memory dataStore. Tests mutate its maps directly to
// seed state; overridable fn fields inject failures.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	refresh     map[string]refreshRecord
	revokedJTIs map[string]bool
	books       map[string]store.Book
	memberships map[string]store.BookMembership
	versions    map[string]store.BookVersion
	nodes       map[string]store.TocNode
	contents    map[string]store.TocContent
	assignments map[string]store.Assignment

	insertClonedVersionFn func(context.Context, store.BookVersion, []store.TocNode, []store.TocContent, []store.Assignment) error
	applyReorderFn        func(context.Context, string, *string, []string) error
	listVersionsFn        func(context.Context, string) ([]store.BookVersion, error)
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		refresh:     make(map[string]refreshRecord),
		revokedJTIs: make(map[string]bool),
		books:       make(map[string]store.Book),
		memberships: make(map[string]store.BookMembership),
		versions:    make(map[string]store.BookVersion),
		nodes:       make(map[string]store.TocNode),
		contents:    make(map[string]store.TocContent),
		assignments: make(map[string]store.Assignment),
	}
}

func membershipKey(bookID, userID string) string { return bookID + "|" + userID }
func assignmentKey(nodeID, userID string) string { return nodeID + "|" + userID }
func (f *fakeStore) Ping(context.Context) error  { return nil }

// ---- users ----

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) CountUsers(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

// ---- refresh sessions ----

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	record, ok := f.refresh[tokenHash]
	f.mu.Unlock()
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, record.userID)
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTIs[jti], nil
}

// ---- books & memberships ----

func (f *fakeStore) InsertBook(_ context.Context, book store.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if book.CreatedAt.IsZero() {
		book.CreatedAt = time.Now()
	}
	f.books[book.ID] = book
	return nil
}

func (f *fakeStore) GetBook(_ context.Context, bookID string) (store.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[bookID]
	if !ok {
		return store.Book{}, sql.ErrNoRows
	}
	return book, nil
}

func (f *fakeStore) ListBooks(_ context.Context, userID string, admin bool) ([]store.Book, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Book, 0)
	for _, book := range f.books {
		if admin {
			items = append(items, book)
			continue
		}
		if _, ok := f.memberships[membershipKey(book.ID, userID)]; ok {
			items = append(items, book)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) UpsertMembership(_ context.Context, m store.BookMembership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[membershipKey(m.BookID, m.UserID)] = m
	return nil
}

func (f *fakeStore) GetMembershipRole(_ context.Context, bookID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[membershipKey(bookID, userID)]
	if !ok {
		return "", nil
	}
	return m.Role, nil
}

func (f *fakeStore) ListMembers(_ context.Context, bookID string) ([]store.BookMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.BookMembership, 0)
	for _, m := range f.memberships {
		if m.BookID == bookID {
			items = append(items, m)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

// ---- versions ----

func (f *fakeStore) InsertVersion(_ context.Context, v store.BookVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	f.versions[v.ID] = v
	return nil
}

func (f *fakeStore) GetVersion(_ context.Context, versionID string) (store.BookVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[versionID]
	if !ok {
		return store.BookVersion{}, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeStore) ListVersions(ctx context.Context, bookID string) ([]store.BookVersion, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, bookID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.BookVersion, 0)
	for _, v := range f.versions {
		if v.BookID == bookID {
			items = append(items, v)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].VersionNo > items[j].VersionNo })
	return items, nil
}

func (f *fakeStore) LatestPublishedVersion(_ context.Context, bookID string) (*store.BookVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.BookVersion
	for _, v := range f.versions {
		if v.BookID != bookID || v.Status != "published" {
			continue
		}
		if latest == nil || v.VersionNo > latest.VersionNo {
			candidate := v
			latest = &candidate
		}
	}
	return latest, nil
}

func (f *fakeStore) NextVersionNo(_ context.Context, bookID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxNo := 0
	for _, v := range f.versions {
		if v.BookID == bookID && v.VersionNo > maxNo {
			maxNo = v.VersionNo
		}
	}
	return maxNo + 1, nil
}

func (f *fakeStore) MarkVersionPublished(_ context.Context, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[versionID]
	if !ok || v.Status != "draft" {
		return errors.New("version is not a draft")
	}
	now := time.Now()
	v.Status = "published"
	v.PublishedAt = &now
	f.versions[versionID] = v
	return nil
}

// ---- nodes ----

func (f *fakeStore) InsertNode(_ context.Context, node store.TocNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	f.nodes[node.ID] = node
	return nil
}

func (f *fakeStore) GetNode(_ context.Context, nodeID string) (store.TocNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return store.TocNode{}, sql.ErrNoRows
	}
	return node, nil
}

func sortSiblings(items []store.TocNode) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].OrderIndex != items[j].OrderIndex {
			return items[i].OrderIndex < items[j].OrderIndex
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (f *fakeStore) ListNodesByVersion(_ context.Context, versionID string) ([]store.TocNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.TocNode, 0)
	for _, node := range f.nodes {
		if node.VersionID == versionID {
			items = append(items, node)
		}
	}
	sortSiblings(items)
	return items, nil
}

func (f *fakeStore) ListChildren(_ context.Context, versionID string, parentID *string) ([]store.TocNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.TocNode, 0)
	for _, node := range f.nodes {
		if node.VersionID == versionID && sameParent(node.ParentID, parentID) {
			items = append(items, node)
		}
	}
	sortSiblings(items)
	return items, nil
}

func (f *fakeStore) MaxOrderIndex(_ context.Context, versionID string, parentID *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxIdx := 0
	for _, node := range f.nodes {
		if node.VersionID == versionID && sameParent(node.ParentID, parentID) && node.OrderIndex > maxIdx {
			maxIdx = node.OrderIndex
		}
	}
	return maxIdx, nil
}

func (f *fakeStore) UpdateNodeTitle(_ context.Context, nodeID, title, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return sql.ErrNoRows
	}
	node.Title = title
	node.Slug = slug
	f.nodes[nodeID] = node
	return nil
}

func (f *fakeStore) MoveNode(_ context.Context, versionID, nodeID string, newParentID *string, orderIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok || node.VersionID != versionID {
		return sql.ErrNoRows
	}
	node.ParentID = newParentID
	node.OrderIndex = orderIndex
	f.nodes[nodeID] = node
	return nil
}

func (f *fakeStore) ApplyReorder(ctx context.Context, versionID string, parentID *string, orderedIDs []string) error {
	if f.applyReorderFn != nil {
		return f.applyReorderFn(ctx, versionID, parentID, orderedIDs)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, nodeID := range orderedIDs {
		node, ok := f.nodes[nodeID]
		if !ok || node.VersionID != versionID || !sameParent(node.ParentID, parentID) {
			return errors.New("reorder node " + nodeID + ": no longer in container")
		}
		node.OrderIndex = i + 1
		f.nodes[nodeID] = node
	}
	return nil
}

func (f *fakeStore) DeleteSubtree(_ context.Context, nodeIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, nodeID := range nodeIDs {
		delete(f.nodes, nodeID)
		delete(f.contents, nodeID)
		for key := range f.assignments {
			if strings.HasPrefix(key, nodeID+"|") {
				delete(f.assignments, key)
			}
		}
	}
	return nil
}

// ---- content ----

func (f *fakeStore) GetContent(_ context.Context, nodeID string) (store.TocContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[nodeID]
	if !ok {
		return store.TocContent{}, sql.ErrNoRows
	}
	return content, nil
}

func (f *fakeStore) UpsertContent(_ context.Context, c store.TocContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(c.ContentJSON) == "" {
		c.ContentJSON = "{}"
	}
	if c.Status == "" {
		c.Status = "draft"
	}
	if existing, ok := f.contents[c.NodeID]; ok {
		c.Status = existing.Status
		c.EditorNote = existing.EditorNote
		c.AuthorResolved = existing.AuthorResolved
	}
	c.UpdatedAt = time.Now()
	f.contents[c.NodeID] = c
	return nil
}

func (f *fakeStore) UpdateContentStatus(_ context.Context, nodeID, status, editorNote string, authorResolved bool, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[nodeID]
	if !ok {
		return sql.ErrNoRows
	}
	content.Status = status
	content.EditorNote = editorNote
	content.AuthorResolved = authorResolved
	content.UpdatedBy = updatedBy
	content.UpdatedAt = time.Now()
	f.contents[nodeID] = content
	return nil
}

func (f *fakeStore) ListContentByNodeIDs(_ context.Context, nodeIDs []string) ([]store.TocContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.TocContent, 0)
	for _, nodeID := range nodeIDs {
		if content, ok := f.contents[nodeID]; ok {
			items = append(items, content)
		}
	}
	return items, nil
}

// ---- assignments ----

func (f *fakeStore) InsertAssignment(_ context.Context, a store.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	f.assignments[assignmentKey(a.NodeID, a.UserID)] = a
	return nil
}

func (f *fakeStore) DeleteAssignment(_ context.Context, nodeID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := assignmentKey(nodeID, userID)
	if _, ok := f.assignments[key]; !ok {
		return false, nil
	}
	delete(f.assignments, key)
	return true, nil
}

func (f *fakeStore) GetAssignmentRole(_ context.Context, nodeID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignmentKey(nodeID, userID)]
	if !ok {
		return "", nil
	}
	return a.Role, nil
}

func (f *fakeStore) ListAssignments(_ context.Context, nodeID string) ([]store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Assignment, 0)
	for _, a := range f.assignments {
		if a.NodeID == nodeID {
			items = append(items, a)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (f *fakeStore) ListAssignmentsByNodeIDs(_ context.Context, nodeIDs []string) ([]store.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		wanted[nodeID] = true
	}
	items := make([]store.Assignment, 0)
	for _, a := range f.assignments {
		if wanted[a.NodeID] {
			items = append(items, a)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].NodeID != items[j].NodeID {
			return items[i].NodeID < items[j].NodeID
		}
		return items[i].UserID < items[j].UserID
	})
	return items, nil
}

// ---- clone ----

func (f *fakeStore) InsertClonedVersion(ctx context.Context, v store.BookVersion, nodes []store.TocNode, contents []store.TocContent, assignments []store.Assignment) error {
	if f.insertClonedVersionFn != nil {
		return f.insertClonedVersionFn(ctx, v, nodes, contents, assignments)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	f.versions[v.ID] = v
	for _, node := range nodes {
		if node.CreatedAt.IsZero() {
			node.CreatedAt = time.Now()
		}
		f.nodes[node.ID] = node
	}
	for _, content := range contents {
		f.contents[content.NodeID] = content
	}
	for _, a := range assignments {
		f.assignments[assignmentKey(a.NodeID, a.UserID)] = a
	}
	return nil
}

// ---- fake archive ----

type fakeArchive struct {
	mu      sync.Mutex
	commits []store.CommitInfo
}

func (f *fakeArchive) EnsureBookArchive(string, string) error { return nil }

func (f *fakeArchive) CommitNodeContent(_, nodeID string, _ []byte, author, message string) (store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commit := store.CommitInfo{Hash: "abc1234", Message: message, Author: author, CreatedAt: time.Now()}
	f.commits = append(f.commits, commit)
	return commit, nil
}

func (f *fakeArchive) NodeHistory(string, string, int) ([]store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := make([]store.CommitInfo, len(f.commits))
	copy(history, f.commits)
	return history, nil
}

// ---- fake search ----

// fakeSearch records the last query so tests can assert what the handler
// parsed out of the request.
type fakeSearch struct {
	mu        sync.Mutex
	lastQuery search.Query
	results   []search.Result
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return search.Response{Results: f.results, Total: len(f.results), Query: q.Text}
}

func (f *fakeSearch) IndexBook(search.BookRecord) {}
func (f *fakeSearch) IndexNode(search.NodeRecord) {}
func (f *fakeSearch) DeleteNodes([]string)        {}

// ---- harness ----

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		sessions: fs,
		archive:  &fakeArchive{},
		authpw:   authpw.NewService(fs),
	}
}

// seedWorkspace loads one editor user with a book holding a draft version and
// returns that editor's session.
func seedWorkspace(fs *fakeStore) (Session, string, string) {
	fs.users["usr_ed"] = store.User{ID: "usr_ed", DisplayName: "Edna", Email: "edna@example.com"}
	fs.books["bok_1"] = store.Book{ID: "bok_1", Title: "Field Notes", AuthorName: "Harriet Stone", CreatedBy: "usr_ed", CreatedAt: time.Now()}
	fs.memberships[membershipKey("bok_1", "usr_ed")] = store.BookMembership{BookID: "bok_1", UserID: "usr_ed", Role: "editor"}
	fs.versions["ver_1"] = store.BookVersion{ID: "ver_1", BookID: "bok_1", VersionNo: 1, Status: "draft", CreatedBy: "usr_ed", CreatedAt: time.Now()}
	return Session{UserID: "usr_ed", UserName: "Edna"}, "bok_1", "ver_1"
}

var nodeSeedClock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seedNode(fs *fakeStore, id, versionID string, parentID *string, title, kind string, orderIndex int) {
	nodeSeedClock = nodeSeedClock.Add(time.Second)
	fs.nodes[id] = store.TocNode{
		ID:         id,
		VersionID:  versionID,
		ParentID:   parentID,
		Title:      title,
		Slug:       title,
		OrderIndex: orderIndex,
		Kind:       kind,
		CreatedAt:  nodeSeedClock,
	}
}

func seedMember(fs *fakeStore, bookID, userID, name, role string) Session {
	fs.users[userID] = store.User{ID: userID, DisplayName: name, Email: userID + "@example.com"}
	fs.memberships[membershipKey(bookID, userID)] = store.BookMembership{BookID: bookID, UserID: userID, Role: role}
	return Session{UserID: userID, UserName: name}
}

func storeContent(nodeID string) store.TocContent {
	return store.TocContent{NodeID: nodeID, ContentJSON: `{"type":"doc"}`, Status: "draft", UpdatedBy: "Edna", UpdatedAt: time.Now()}
}

func storeAssignment(nodeID, userID string) store.Assignment {
	return store.Assignment{NodeID: nodeID, UserID: userID, Role: "author", CreatedAt: time.Now()}
}

func strPtr(s string) *string { return &s }

func domainCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func asDomainError(err error, target **DomainError) bool {
	return errors.As(err, target)
}

// ---- bootstrap ----

func TestBootstrapSeedsAdminAndDemoBook(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.AdminEmail = "admin@folio.local"
	svc.cfg.AdminPassword = "folio-admin"

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if len(fs.books) != 1 {
		t.Fatalf("books = %d, want 1", len(fs.books))
	}
	if len(fs.nodes) != 4 {
		t.Fatalf("seeded nodes = %d, want 4", len(fs.nodes))
	}

	// A second run is a no-op once users exist.
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if len(fs.books) != 1 {
		t.Fatalf("books after rerun = %d, want 1", len(fs.books))
	}
}

func TestBootstrapFailsWhenSeedBookHasNoVersions(t *testing.T) {
	fs := newFakeStore()
	fs.listVersionsFn = func(context.Context, string) ([]store.BookVersion, error) {
		return nil, nil
	}
	svc := newTestService(fs)
	svc.cfg.AdminEmail = "admin@folio.local"
	svc.cfg.AdminPassword = "folio-admin"

	if err := svc.Bootstrap(context.Background()); err == nil {
		t.Fatal("expected an error when the seed book has no versions")
	}
}
