package guard

import (
	"cmp"
	"slices"
	"strings"

	"github.com/nkiryanov/campusportal/internal/models"
)

// Rule restricts every path starting with Prefix to Roles.
// Empty Roles means any authenticated user.
type Rule struct {
	Prefix string
	Roles  []models.Role
}

// Policy maps request paths to required roles. The longest matching prefix wins.
type Policy struct {
	rules []Rule
}

func NewPolicy(rules ...Rule) Policy {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(len(b.Prefix), len(a.Prefix))
	})
	return Policy{rules: sorted}
}

// DefaultPolicy gives every role its own dashboard
func DefaultPolicy() Policy {
	return NewPolicy(
		Rule{Prefix: "/admin/", Roles: []models.Role{models.RoleAdmin}},
		Rule{Prefix: "/student/", Roles: []models.Role{models.RoleStudent}},
		Rule{Prefix: "/teacher/", Roles: []models.Role{models.RoleTeacher}},
		Rule{Prefix: "/resource-person/", Roles: []models.Role{models.RoleResourcePerson}},
	)
}

// Lookup returns roles required for the path. ok is false when no rule matches.
func (p Policy) Lookup(path string) (roles []models.Role, ok bool) {
	for _, r := range p.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Roles, true
		}
	}
	return nil, false
}

// Home returns the dashboard of the role: the first rule reserved to it alone.
// Falls back to "/" for roles without a dashboard.
func (p Policy) Home(role models.Role) string {
	for _, r := range p.rules {
		if len(r.Roles) == 1 && r.Roles[0] == role {
			return r.Prefix
		}
	}
	return "/"
}

func (p Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}
