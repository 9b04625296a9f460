package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of case roles that routing can target.
type Role string

const (
	RolePartner    Role = "partner"
	RoleDealLead   Role = "deal_lead"
	RoleManager    Role = "manager"
	RoleAnalyst    Role = "analyst"
	RoleReviewer   Role = "reviewer"
	RoleExpert     Role = "expert"
	RoleCompliance Role = "compliance"
)

var allRoles = []Role{RolePartner, RoleDealLead, RoleManager, RoleAnalyst, RoleReviewer, RoleExpert, RoleCompliance}

func Roles() []Role {
	return append([]Role(nil), allRoles...)
}

func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole rejects unknown roles instead of routing to nobody.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q: %w", raw, ErrInvalidInput)
	}
	return r, nil
}

type RoleAssignment struct {
	ID        int64     `json:"id"`
	CaseID    string    `json:"case_id"`
	Role      Role      `json:"role"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}
