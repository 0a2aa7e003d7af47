package core

import (
	"errors"
	"fmt"
	"log"

	"ragline.dev/ragline/internal/auth"
	"ragline.dev/ragline/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrTenantExists       = errors.New("tenant already exists")
	ErrTenantNotFound     = errors.New("tenant not found")
)

// SharedCollection holds documents visible to every tenant.
const SharedCollection = "shared"

// PrivateCollection names a tenant's own document collection.
func PrivateCollection(tenantID int64) string {
	return fmt.Sprintf("docs_tenant_%d", tenantID)
}

// Scope restricts retrieval to a fixed set of collections. Only the tenant
// service mints scopes, and retrieval requires one, so a query can never
// reach another tenant's documents by accident.
type Scope struct {
	tenantID    int64
	collections []string
}

func (s Scope) TenantID() int64 { return s.tenantID }

func (s Scope) Collections() []string {
	out := make([]string, len(s.collections))
	copy(out, s.collections)
	return out
}

// TenantService owns tenant records and their lifecycle. Removing a tenant
// destroys its documents and history with it.
type TenantService struct {
	db *store.SQLiteStore
}

func NewTenantService(db *store.SQLiteStore) (*TenantService, error) {
	ts := &TenantService{db: db}

	n, err := db.CountTenants()
	if err != nil {
		return nil, fmt.Errorf("failed to check tenant table: %w", err)
	}
	if n == 0 {
		hash, err := auth.HashPassword("admin")
		if err != nil {
			return nil, fmt.Errorf("failed to hash bootstrap password: %w", err)
		}
		if _, err := db.CreateTenant("admin", hash, store.RoleAdmin); err != nil {
			return nil, fmt.Errorf("failed to create bootstrap admin: %w", err)
		}
		log.Println("No tenants found. Created default admin user (username: admin, password: admin). Change this password.")
	}

	return ts, nil
}

// Authenticate verifies the credential and returns the tenant record.
func (ts *TenantService) Authenticate(username, password string) (*store.Tenant, error) {
	tenant, err := ts.db.GetTenantByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	if tenant == nil || !auth.CheckPasswordHash(password, tenant.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return tenant, nil
}

func (ts *TenantService) GetByUsername(username string) (*store.Tenant, error) {
	return ts.db.GetTenantByUsername(username)
}

// AddUser creates a tenant. Only admins may call it.
func (ts *TenantService) AddUser(actor *store.Tenant, username, password, role string) (*store.Tenant, error) {
	if actor.Role != store.RoleAdmin {
		return nil, ErrNotAuthorized
	}
	if role != store.RoleAdmin && role != store.RoleUser {
		role = store.RoleUser
	}

	existing, err := ts.db.GetTenantByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing tenant: %w", err)
	}
	if existing != nil {
		return nil, ErrTenantExists
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return ts.db.CreateTenant(username, hash, role)
}

// RemoveUser deletes the tenant and, with it, the tenant's private documents
// and chat history.
func (ts *TenantService) RemoveUser(actor *store.Tenant, username string) error {
	if actor.Role != store.RoleAdmin {
		return ErrNotAuthorized
	}

	tenant, err := ts.db.GetTenantByUsername(username)
	if err != nil {
		return fmt.Errorf("failed to look up tenant: %w", err)
	}
	if tenant == nil {
		return ErrTenantNotFound
	}

	return ts.db.DeleteTenant(tenant.ID, PrivateCollection(tenant.ID))
}

// ScopeFor returns the tenant's own retrieval scope: private documents plus
// the shared collection.
func (ts *TenantService) ScopeFor(tenant *store.Tenant) Scope {
	return Scope{
		tenantID:    tenant.ID,
		collections: []string{PrivateCollection(tenant.ID), SharedCollection},
	}
}

// ScopeForTarget lets an admin explicitly target another tenant's
// collection. Non-admins get ErrNotAuthorized; targeting is never implicit.
func (ts *TenantService) ScopeForTarget(actor *store.Tenant, targetUsername string) (Scope, error) {
	if actor.Role != store.RoleAdmin {
		return Scope{}, ErrNotAuthorized
	}
	target, err := ts.db.GetTenantByUsername(targetUsername)
	if err != nil {
		return Scope{}, fmt.Errorf("failed to look up target tenant: %w", err)
	}
	if target == nil {
		return Scope{}, ErrTenantNotFound
	}
	return Scope{
		tenantID:    target.ID,
		collections: []string{PrivateCollection(target.ID), SharedCollection},
	}, nil
}
