package topup

const (
	// RoleAdmin gates every configuration setter and role grant on the
	// settlement engine.
	RoleAdmin = "ROLE_TOPUP_ADMIN"
	// RoleTopup gates the intermediary's forwarding entry point.
	RoleTopup = "ROLE_TOPUP"
)

// Authorizer is the capability check queried at the top of every gated entry
// point, before any state is touched.
type Authorizer interface {
	Authorize(caller [20]byte) bool
}

// OwnerAuth authorizes exactly one principal, fixed at construction. It
// matches the single-owner contract variant.
type OwnerAuth struct {
	Owner [20]byte
}

// Authorize implements the Authorizer interface.
func (a OwnerAuth) Authorize(caller [20]byte) bool {
	return a.Owner != ([20]byte{}) && caller == a.Owner
}

type roleView interface {
	HasRole(role string, addr []byte) bool
}

// RoleAuth authorizes any holder of a named role in the role registry. It
// matches the multi-admin contract variant.
type RoleAuth struct {
	st   roleView
	role string
}

// NewRoleAuth creates a role-backed authorizer for the provided role.
func NewRoleAuth(st roleView, role string) RoleAuth {
	return RoleAuth{st: st, role: role}
}

// Authorize implements the Authorizer interface.
func (a RoleAuth) Authorize(caller [20]byte) bool {
	if a.st == nil || a.role == "" {
		return false
	}
	return a.st.HasRole(a.role, caller[:])
}
