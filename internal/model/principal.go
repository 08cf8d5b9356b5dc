package model

// Principal is a verified caller: either an authenticated user with a role
// or an unauthenticated guest identified by contact email. Credential
// checks happen outside the core; the core only consumes the result.
type Principal struct {
	ID    string
	Name  string
	Email string
	Role  Role
}

// Identity returns the identity key for this principal.
func (p Principal) Identity() string {
	if p.ID != "" {
		return p.ID
	}
	if p.Email != "" {
		return GuestIdentity(p.Email)
	}
	return ""
}

// Staff reports whether the principal may perform staff-only actions.
func (p Principal) Staff() bool {
	return p.Role.Staff()
}
