package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Access control follows tuple-based policies: (subject, domain, object,
// action) plus role assignments (subject, role, domain). domain is always
// the org id; roles expand to the policies granted to the role subject.

// ActionAny is the wildcard granting every action on an object.
const ActionAny = "*"

// Well-known actions.
const (
	ActionRead       = "read"
	ActionContribute = "contribute"
	ActionApprove    = "approve"
	ActionDelete     = "delete"
	ActionPublish    = "publish"
	ActionManage     = "manage"
)

// PolicyRule is one (subject, domain, object, action) tuple.
type PolicyRule struct {
	Subject string    `json:"subject"` // agent id or role name
	Domain  uuid.UUID `json:"domain"`  // org id
	Object  string    `json:"object"`  // namespace:<org>, category:<name>, item:<id>
	Action  string    `json:"action"`
}

// RoleAssignment binds a subject to a role within a domain.
type RoleAssignment struct {
	Subject string    `json:"subject"`
	Role    string    `json:"role"`
	Domain  uuid.UUID `json:"domain"`
}

// ObjectNamespace formats the org-wide object for an org.
// Holding (*, namespace:<org>) is the admin gate.
func ObjectNamespace(orgID uuid.UUID) string {
	return "namespace:" + orgID.String()
}

// ObjectCategory formats the per-category object.
func ObjectCategory(c Category) string {
	return "category:" + string(c)
}

// ObjectItem formats the per-item object.
func ObjectItem(id uuid.UUID) string {
	return fmt.Sprintf("item:%s", id)
}
