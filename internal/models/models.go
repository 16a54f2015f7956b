package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantKind is the role of a tenant in the management hierarchy.
type TenantKind string

const (
	KindRoot     TenantKind = "root"
	KindPartner  TenantKind = "partner"
	KindFolder   TenantKind = "folder"
	KindUnit     TenantKind = "unit"
	KindCustomer TenantKind = "customer"
)

// CanHaveChildren reports whether tenants of this kind may own child tenants.
func (k TenantKind) CanHaveChildren() bool {
	switch k {
	case KindPartner, KindFolder, KindUnit:
		return true
	}
	return false
}

// CanOwnAgents reports whether tenants of this kind may own agents directly.
// A unit is both a leaf and a branch.
func (k TenantKind) CanOwnAgents() bool {
	switch k {
	case KindCustomer, KindUnit:
		return true
	}
	return false
}

// Tenant is a node of the tenant hierarchy.
type Tenant struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Kind       TenantKind `json:"kind"`
	ParentID   uuid.UUID  `json:"parent_id"`
	ParentName string     `json:"parent_name"`
	Users      []User     `json:"users"`
}

// User is a login belonging to exactly one tenant.
type User struct {
	ID               uuid.UUID `json:"id"`
	Username         string    `json:"username"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	Email            string    `json:"email"`
	TenantID         uuid.UUID `json:"tenant_id"`
	PersonalTenantID uuid.UUID `json:"personal_tenant_id"`
}

// Agent is an endpoint component registered to a tenant. Agents are fetched
// fresh for every (tenant, user) pair and never cached.
type Agent struct {
	ID               uuid.UUID `json:"id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	Hostname         string    `json:"hostname"`
	OS               string    `json:"os"`
	CurrentVersion   string    `json:"current_version"`
	AvailableVersion string    `json:"available_version"`
	Online           bool      `json:"online"`
	UpdateAvailable  bool      `json:"update_available"`
}

// UpdateRecord is written once per agent for which an update was dispatched.
// (RunID, AgentID) is the record key.
type UpdateRecord struct {
	RunID            string    `json:"run_id"`
	AgentID          uuid.UUID `json:"agent_id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	TenantName       string    `json:"tenant_name"`
	ParentTenantID   uuid.UUID `json:"parent_tenant_id"`
	ParentTenantName string    `json:"parent_tenant_name"`
	Hostname         string    `json:"hostname"`
	OS               string    `json:"os"`
	VersionBefore    string    `json:"version_before"`
	VersionAfter     string    `json:"version_after"`
	ActivityID       uuid.UUID `json:"activity_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// TraversalResult is the outcome of a tenant tree walk. MaxDepth is the
// length of the longest root-to-leaf path actually traversed.
type TraversalResult struct {
	LeafTenants []Tenant `json:"leaf_tenants"`
	MaxDepth    int      `json:"max_depth"`
}

// Merge folds other into r: leaf tenants are unioned and the depth is the
// maximum of both.
func (r *TraversalResult) Merge(other TraversalResult) {
	r.LeafTenants = append(r.LeafTenants, other.LeafTenants...)
	if other.MaxDepth > r.MaxDepth {
		r.MaxDepth = other.MaxDepth
	}
}

// RunIDFormat is the timestamp layout used for run identifiers.
const RunIDFormat = "2006-01-02T15:04:05"

// NewRunID derives a run identifier from the run start time.
func NewRunID(start time.Time) string {
	return start.Format(RunIDFormat)
}
