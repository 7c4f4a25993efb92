package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"folio/api/internal/archive"
	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	IsAdmin      bool
	JTI          string
	ExpiresAt    time.Time
}

type CreateNodeInput struct {
	ParentID *string `json:"parentId"`
	Title    string  `json:"title"`
	Kind     string  `json:"kind"`
}

type PatchNodeInput struct {
	Title    *string `json:"title"`
	ParentID *string `json:"parentId"`
	// SetParent distinguishes "move to root" from "no parent change": clients
	// send parentId (possibly null) only when moving.
	SetParent bool `json:"-"`
}

type ReorderInput struct {
	ParentID   *string  `json:"parentId"`
	OrderedIDs []string `json:"orderedIds"`
}

type MoveChaptersInput struct {
	ChapterIDs []string `json:"chapterIds"`
}

type SaveContentInput struct {
	ContentJSON json.RawMessage `json:"contentJson"`
}

type AssignmentInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CountUsers(context.Context) (int, error)

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertBook(context.Context, store.Book) error
	GetBook(context.Context, string) (store.Book, error)
	ListBooks(context.Context, string, bool) ([]store.Book, error)
	UpsertMembership(context.Context, store.BookMembership) error
	GetMembershipRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.BookMembership, error)

	InsertVersion(context.Context, store.BookVersion) error
	GetVersion(context.Context, string) (store.BookVersion, error)
	ListVersions(context.Context, string) ([]store.BookVersion, error)
	LatestPublishedVersion(context.Context, string) (*store.BookVersion, error)
	NextVersionNo(context.Context, string) (int, error)
	MarkVersionPublished(context.Context, string) error

	InsertNode(context.Context, store.TocNode) error
	GetNode(context.Context, string) (store.TocNode, error)
	ListNodesByVersion(context.Context, string) ([]store.TocNode, error)
	ListChildren(context.Context, string, *string) ([]store.TocNode, error)
	MaxOrderIndex(context.Context, string, *string) (int, error)
	UpdateNodeTitle(context.Context, string, string, string) error
	MoveNode(context.Context, string, string, *string, int) error
	ApplyReorder(context.Context, string, *string, []string) error
	DeleteSubtree(context.Context, []string) error

	GetContent(context.Context, string) (store.TocContent, error)
	UpsertContent(context.Context, store.TocContent) error
	UpdateContentStatus(context.Context, string, string, string, bool, string) error
	ListContentByNodeIDs(context.Context, []string) ([]store.TocContent, error)

	InsertAssignment(context.Context, store.Assignment) error
	DeleteAssignment(context.Context, string, string) (bool, error)
	GetAssignmentRole(context.Context, string, string) (string, error)
	ListAssignments(context.Context, string) ([]store.Assignment, error)
	ListAssignmentsByNodeIDs(context.Context, []string) ([]store.Assignment, error)

	InsertClonedVersion(context.Context, store.BookVersion, []store.TocNode, []store.TocContent, []store.Assignment) error
}

// sessionStore holds refresh tokens. Redis when configured, otherwise the
// Postgres store satisfies the same interface.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type archiveService interface {
	EnsureBookArchive(bookID, author string) error
	CommitNodeContent(bookID, nodeID string, payload []byte, author, message string) (store.CommitInfo, error)
	NodeHistory(bookID, nodeID string, limit int) ([]store.CommitInfo, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexBook(b search.BookRecord)
	IndexNode(n search.NodeRecord)
	DeleteNodes(ids []string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	archive  archiveService
	search   searchIndex
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, archiveService *archive.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		archive:  archiveService,
		authpw:   authpw.NewService(dataStore),
	}
}

// WithSessionStore swaps refresh-token storage to Redis.
func (s *Service) WithSessionStore(sessions sessionStore) *Service {
	s.sessions = sessions
	return s
}

// WithSearch attaches the search facade. Without it, /api/search is
// unavailable and indexing is skipped.
func (s *Service) WithSearch(index searchIndex) *Service {
	s.search = index
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthService() *authpw.Service {
	return s.authpw
}

// Bootstrap seeds the workspace admin account on first start. When the
// workspace is empty it also creates a demo book so a fresh install has
// something to look at.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if s.cfg.AdminEmail == "" || s.cfg.AdminPassword == "" {
		return nil
	}

	admin, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       s.cfg.AdminEmail,
		Password:    s.cfg.AdminPassword,
		DisplayName: "Workspace Admin",
	})
	if err != nil {
		return err
	}

	session := Session{UserID: admin.ID, UserName: admin.DisplayName, IsAdmin: true}
	book, err := s.CreateBook(ctx, session, "Field Notes on Tidal Marshes", "Harriet Stone")
	if err != nil {
		return err
	}
	bookID, _ := book["id"].(string)
	versions, err := s.store.ListVersions(ctx, bookID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("bootstrap: book %s has no versions", bookID)
	}
	versionID := versions[0].ID

	part, err := s.CreateNode(ctx, session, versionID, CreateNodeInput{Title: "Part One: The Estuary", Kind: "section"})
	if err != nil {
		return err
	}
	partID, _ := part["id"].(string)
	chapter, err := s.CreateNode(ctx, session, versionID, CreateNodeInput{ParentID: &partID, Title: "Chapter 1: Brackish Water", Kind: "chapter"})
	if err != nil {
		return err
	}
	chapterID, _ := chapter["id"].(string)
	if _, err := s.CreateNode(ctx, session, versionID, CreateNodeInput{ParentID: &chapterID, Title: "Salinity Gradients", Kind: "heading"}); err != nil {
		return err
	}
	if _, err := s.CreateNode(ctx, session, versionID, CreateNodeInput{Title: "Appendix: Field Methods", Kind: "chapter"}); err != nil {
		return err
	}
	return nil
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The Redis backend only persists the user id; hydrate the rest.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Admin: user.IsAdmin,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		IsAdmin:      user.IsAdmin,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		IsAdmin:   user.IsAdmin,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(503, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if q.FilterBookID != "" {
		if err := s.requireBookAction(ctx, session, q.FilterBookID, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
	}
	resp := s.search.Search(q)
	if q.FilterBookID == "" && !session.IsAdmin {
		resp.Results = s.filterVisibleResults(ctx, session, resp.Results)
	}
	return resp, nil
}

// filterVisibleResults drops hits on books the caller cannot read.
func (s *Service) filterVisibleResults(ctx context.Context, session Session, results []search.Result) []search.Result {
	visible := make(map[string]bool)
	filtered := make([]search.Result, 0, len(results))
	for _, result := range results {
		if result.BookID == "" {
			continue
		}
		allowed, ok := visible[result.BookID]
		if !ok {
			role, err := s.roleForBook(ctx, session, result.BookID)
			allowed = err == nil && rbac.Can(role, rbac.ActionRead)
			visible[result.BookID] = allowed
		}
		if allowed {
			filtered = append(filtered, result)
		}
	}
	return filtered
}

func (s *Service) indexNodeForSearch(ctx context.Context, bookID string, node store.TocNode) {
	if s.search == nil {
		return
	}
	body := ""
	if content, err := s.store.GetContent(ctx, node.ID); err == nil {
		body = content.ContentJSON
	}
	s.search.IndexNode(search.NodeRecord{
		ID:        node.ID,
		Title:     node.Title,
		Body:      body,
		Kind:      node.Kind,
		BookID:    bookID,
		VersionID: node.VersionID,
	})
}

func logWarn(format string, args ...any) {
	log.Printf("warn: "+format, args...)
}
