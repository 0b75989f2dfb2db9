package domain

type ScopeKind string

const (
	ScopeDomain  ScopeKind = "domain"
	ScopeProject ScopeKind = "project"
)

// Scope is a quota owner: a domain, or a project nested under a domain.
type Scope struct {
	ID       string    `json:"id" db:"id"`
	Kind     ScopeKind `json:"kind" db:"kind"`
	ParentID *string   `json:"parent_id,omitempty" db:"parent_id"`
}

func (s Scope) IsDomain() bool {
	return s.Kind == ScopeDomain
}

// Parent returns the parent domain id of a project, or "" for a domain.
func (s Scope) Parent() string {
	if s.ParentID == nil {
		return ""
	}
	return *s.ParentID
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	Roles     []string `json:"roles"`
}

func (c Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}
