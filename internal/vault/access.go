package vault

import (
	"context"
	"slices"
)

// HasRole reports whether principal holds role.
func (v *Vault) HasRole(ctx context.Context, role Role, principal Principal) (bool, error) {
	if !role.Valid() {
		return false, ErrInvalidArgument
	}
	var ok bool
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		var err error
		ok, err = s.tx.HasRole(ctx, role, principal)
		return err
	})
	return ok, err
}

// RoleMembers lists the holders of role.
func (v *Vault) RoleMembers(ctx context.Context, role Role) ([]Principal, error) {
	if !role.Valid() {
		return nil, ErrInvalidArgument
	}
	var members []Principal
	err := v.view(ctx, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		var err error
		members, err = s.tx.RoleMembers(ctx, role)
		return err
	})
	return members, err
}

// GrantRole gives role to principal. Admin only; granting a held role is a
// no-op.
func (v *Vault) GrantRole(ctx context.Context, caller Principal, role Role, principal Principal) error {
	if !role.Valid() || !principal.Valid() {
		return ErrInvalidArgument
	}
	return v.mutate(ctx, "grant_role", nil, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		held, err := s.tx.HasRole(ctx, role, principal)
		if err != nil || held {
			return err
		}
		if err := s.tx.SetRole(ctx, role, principal, true); err != nil {
			return err
		}
		event := newEvent(EventRoleGranted, caller)
		event.Subject, event.Role = principal, role
		s.emit(event)
		return nil
	})
}

// RevokeRole removes role from principal. Admin only; the last admin cannot
// be revoked.
func (v *Vault) RevokeRole(ctx context.Context, caller Principal, role Role, principal Principal) error {
	if !role.Valid() || !principal.Valid() {
		return ErrInvalidArgument
	}
	return v.mutate(ctx, "revoke_role", nil, func(ctx context.Context, s *session) error {
		if err := s.require(V1); err != nil {
			return err
		}
		if err := s.requireRole(ctx, caller, RoleAdmin); err != nil {
			return err
		}
		held, err := s.tx.HasRole(ctx, role, principal)
		if err != nil || !held {
			return err
		}
		if role == RoleAdmin {
			admins, err := s.tx.RoleMembers(ctx, RoleAdmin)
			if err != nil {
				return err
			}
			remaining := slices.DeleteFunc(slices.Clone(admins), func(p Principal) bool { return p == principal })
			if len(remaining) == 0 {
				return ErrLastAdmin
			}
		}
		if err := s.tx.SetRole(ctx, role, principal, false); err != nil {
			return err
		}
		event := newEvent(EventRoleRevoked, caller)
		event.Subject, event.Role = principal, role
		s.emit(event)
		return nil
	})
}
