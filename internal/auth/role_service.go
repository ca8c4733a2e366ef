package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
)

// RoleAssignment is a request to change the role of a company member
type RoleAssignment struct {
	Actor        rbac.Subject
	CompanyID    string
	TargetUserID string
	Role         rbac.Role
	ClientIP     string
	UserAgent    string
}

// RoleService changes user roles under the role-escalation guard
type RoleService struct {
	identities repository.IdentityRepository
	resolver   *rbac.Resolver
	events     *events.Log
}

// NewRoleService creates a RoleService
func NewRoleService(identities repository.IdentityRepository, resolver *rbac.Resolver, log *events.Log) *RoleService {
	return &RoleService{identities: identities, resolver: resolver, events: log}
}

// Assign sets the role of the target user. A target outside CompanyID is
// reported as repository.ErrUserNotFound. Guard failures are rbac errors.
func (s *RoleService) Assign(ctx context.Context, a RoleAssignment) error {
	if !s.resolver.RequireCompanyAccess(a.Actor, a.CompanyID) {
		return s.reject(ctx, a, rbac.ErrCompanyScope)
	}

	target, err := s.identities.GetIdentity(ctx, a.TargetUserID)
	if err != nil {
		return err
	}
	if target.CompanyID != a.CompanyID {
		return repository.ErrUserNotFound
	}

	subject := rbac.Subject{UserID: target.UserID, Role: target.Role, CompanyID: target.CompanyID}
	if err := s.resolver.CanManageUser(a.Actor, subject); err != nil {
		return s.reject(ctx, a, err)
	}
	if err := s.resolver.CanAssignRole(a.Actor, a.Role); err != nil {
		return s.reject(ctx, a, err)
	}

	if err := s.identities.UpdateRole(ctx, a.TargetUserID, a.Role); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}

	if s.events != nil {
		s.events.Log(ctx, events.Event{
			Type:      events.TypeRoleChanged,
			Severity:  events.SeverityMedium,
			UserID:    a.Actor.UserID,
			ClientIP:  a.ClientIP,
			UserAgent: a.UserAgent,
			Details: map[string]any{
				"targetUserId": a.TargetUserID,
				"from":         target.Role.String(),
				"to":           a.Role.String(),
			},
		})
	}
	return nil
}

func (s *RoleService) reject(ctx context.Context, a RoleAssignment, err error) error {
	if s.events != nil && !errors.Is(err, rbac.ErrInvalidTargetRole) {
		s.events.Log(ctx, events.Event{
			Type:      events.TypeRoleChangeRejected,
			Severity:  events.SeverityHigh,
			UserID:    a.Actor.UserID,
			ClientIP:  a.ClientIP,
			UserAgent: a.UserAgent,
			Details: map[string]any{
				"targetUserId": a.TargetUserID,
				"requested":    a.Role.String(),
				"reason":       err.Error(),
			},
		})
	}
	return err
}
