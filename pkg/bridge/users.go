package bridge

import (
	"context"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/domain"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/security"
)

// User operation names
const (
	OpUserCurrent           = "users.get_current_user"
	OpUserHasPermission     = "users.has_permission"
	OpUserHasRole           = "users.has_role"
	OpUserGetPreferences    = "users.get_preferences"
	OpUserUpdatePreferences = "users.update_preferences"
)

// UserAPI is the user surface a plugin reaches. Identity always comes from
// the authenticated session in the request context; a plugin cannot name a
// user.
type UserAPI struct {
	bridge *Bridge
	token  security.Token
}

func (u *UserAPI) current(ctx context.Context, userID string) (*domain.User, error) {
	user, err := u.bridge.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, pluginerrors.ErrNotFound
	}
	return user, nil
}

// GetCurrentUser returns the sanitized session user
func (u *UserAPI) GetCurrentUser(ctx context.Context) (*domain.PluginUser, bool) {
	var found *domain.PluginUser
	err := u.bridge.guard(ctx, u.token, OpUserCurrent, capability.UserRead, func(userID string) error {
		user, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		found = user.Sanitize()
		return nil
	})
	if err != nil || found == nil {
		return nil, false
	}
	return found, true
}

// HasPermission reports whether the session user holds permission
func (u *UserAPI) HasPermission(ctx context.Context, permission string) bool {
	var ok bool
	err := u.bridge.guard(ctx, u.token, OpUserHasPermission, capability.UserRead, func(userID string) error {
		user, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		ok = contains(user.Authorities, permission)
		return nil
	})
	return err == nil && ok
}

// HasRole reports whether the session user holds role
func (u *UserAPI) HasRole(ctx context.Context, role string) bool {
	var ok bool
	err := u.bridge.guard(ctx, u.token, OpUserHasRole, capability.UserRead, func(userID string) error {
		user, err := u.current(ctx, userID)
		if err != nil {
			return err
		}
		ok = contains(user.Roles, role) || contains(user.Roles, "ROLE_"+role)
		return nil
	})
	return err == nil && ok
}

// GetPreferences returns a copy of the session user's preferences
func (u *UserAPI) GetPreferences(ctx context.Context) domain.Preferences {
	prefs := domain.Preferences{}
	err := u.bridge.guard(ctx, u.token, OpUserGetPreferences, capability.UserRead, func(userID string) error {
		out, err := u.bridge.users.GetPreferences(ctx, userID)
		for k, v := range out {
			prefs[k] = v
		}
		return err
	})
	if err != nil {
		return domain.Preferences{}
	}
	return prefs
}

// UpdatePreferences replaces the session user's preferences
func (u *UserAPI) UpdatePreferences(ctx context.Context, prefs domain.Preferences) error {
	err := u.bridge.guard(ctx, u.token, OpUserUpdatePreferences, capability.UserWrite, func(userID string) error {
		in := make(domain.Preferences, len(prefs))
		for k, v := range prefs {
			in[k] = v
		}
		return u.bridge.users.UpdatePreferences(ctx, userID, in)
	})
	if err != nil {
		return pluginerrors.OperationFailed(OpUserUpdatePreferences)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
