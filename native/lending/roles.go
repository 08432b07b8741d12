package lending

import (
	"fmt"

	"lendmarket/crypto"
)

const (
	// RoleAdmin may list markets and change any risk parameter.
	RoleAdmin = "ROLE_LENDING_ADMIN"
	// RoleEmergency may only toggle pauses.
	RoleEmergency = "ROLE_LENDING_EMERGENCY"
)

// RoleChecker answers role membership for a principal.
type RoleChecker interface {
	HasRole(role string, addr []byte) bool
}

func (e *Engine) requireRole(caller crypto.Address, roles ...string) error {
	if e.roles != nil {
		for _, role := range roles {
			if e.roles.HasRole(role, caller.Bytes()) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
}
