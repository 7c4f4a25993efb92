package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleAuthor Role = "author"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionWriteContent   Action = "write-content"
	ActionWriteStructure Action = "write-structure"
	ActionPublish        Action = "publish"
	ActionAdmin          Action = "admin"
)

// Can reports whether a book-level role permits an action class. Authors get
// write-content here; whether they may touch a specific node additionally
// depends on a per-node assignment, which the service layer checks.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWriteContent || action == ActionWriteStructure || action == ActionPublish
	case RoleAuthor:
		return action == ActionRead || action == ActionWriteContent
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAuthor, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
