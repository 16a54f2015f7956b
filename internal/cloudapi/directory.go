package cloudapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleetupdater/internal/models"
)

type userWire struct {
	ID               string `json:"id"`
	Login            string `json:"login"`
	TenantID         string `json:"tenant_id"`
	PersonalTenantID string `json:"personal_tenant_id"`
	Contact          struct {
		FirstName string `json:"firstname"`
		LastName  string `json:"lastname"`
		Email     string `json:"email"`
	} `json:"contact"`
}

type tenantWire struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	ParentID string `json:"parent_id"`
}

func (w userWire) toModel() (models.User, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("user id %q: %w", w.ID, err)
	}
	tenantID, err := uuid.Parse(w.TenantID)
	if err != nil {
		return models.User{}, fmt.Errorf("user %s tenant_id %q: %w", id, w.TenantID, err)
	}
	personal, err := parseOptionalUUID(w.PersonalTenantID)
	if err != nil {
		return models.User{}, fmt.Errorf("user %s personal_tenant_id: %w", id, err)
	}
	return models.User{
		ID:               id,
		Username:         w.Login,
		FirstName:        w.Contact.FirstName,
		LastName:         w.Contact.LastName,
		Email:            w.Contact.Email,
		TenantID:         tenantID,
		PersonalTenantID: personal,
	}, nil
}

func (w tenantWire) toModel(parentName string) (models.Tenant, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("tenant id %q: %w", w.ID, err)
	}
	parentID, err := parseOptionalUUID(w.ParentID)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("tenant %s parent_id: %w", id, err)
	}
	return models.Tenant{
		ID:         id,
		Name:       w.Name,
		Kind:       models.TenantKind(w.Kind),
		ParentID:   parentID,
		ParentName: parentName,
	}, nil
}

// parseOptionalUUID maps an empty string to uuid.Nil.
func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// CurrentUser returns the user the session is signed in as.
func (s *Session) CurrentUser(ctx context.Context) (models.User, error) {
	var w userWire
	if err := s.do(ctx, http.MethodGet, "/api/2/users/me", nil, nil, &w); err != nil {
		return models.User{}, err
	}
	return w.toModel()
}

// User fetches a user record by id.
func (s *Session) User(ctx context.Context, id uuid.UUID) (models.User, error) {
	var w userWire
	if err := s.do(ctx, http.MethodGet, "/api/2/users/"+id.String(), nil, nil, &w); err != nil {
		return models.User{}, err
	}
	return w.toModel()
}

// Tenant fetches a tenant record by id. ParentName is left empty.
func (s *Session) Tenant(ctx context.Context, id uuid.UUID) (models.Tenant, error) {
	var w tenantWire
	if err := s.do(ctx, http.MethodGet, "/api/2/tenants/"+id.String(), nil, nil, &w); err != nil {
		return models.Tenant{}, err
	}
	return w.toModel("")
}

// ChildTenants lists the immediate children of parent. Each child carries
// parent's name; users are not resolved.
func (s *Session) ChildTenants(ctx context.Context, parent models.Tenant) ([]models.Tenant, error) {
	s.log.WithFields(logrus.Fields{"tenant": parent.Name, "kind": parent.Kind}).Debug("getting sub tenants")

	var out struct {
		Items []tenantWire `json:"items"`
	}
	q := url.Values{"parent_id": {parent.ID.String()}}
	if err := s.do(ctx, http.MethodGet, "/api/2/tenants", q, nil, &out); err != nil {
		return nil, err
	}

	children := make([]models.Tenant, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := item.toModel(parent.Name)
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}
	return children, nil
}

// TenantUsers lists the users of a tenant, resolving each id to a full record.
func (s *Session) TenantUsers(ctx context.Context, tenantID uuid.UUID) ([]models.User, error) {
	var out struct {
		Items []string `json:"items"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/2/tenants/"+tenantID.String()+"/users", nil, nil, &out); err != nil {
		return nil, err
	}

	users := make([]models.User, 0, len(out.Items))
	for _, raw := range out.Items {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("tenant %s user id %q: %w", tenantID, raw, err)
		}
		u, err := s.User(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}
