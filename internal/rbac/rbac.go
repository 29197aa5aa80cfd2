package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleAnnotator Role = "annotator"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionImport   Action = "import"
	ActionTagset   Action = "tagset"
	ActionAdmin    Action = "admin"
)

// Can reports whether role may perform action. Annotators edit lines of
// documents they open; editors additionally import documents and maintain
// tagsets; admins may also force-unlock and delete any document.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionAnnotate || action == ActionImport || action == ActionTagset
	case RoleAnnotator:
		return action == ActionRead || action == ActionAnnotate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnnotator, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
