package go_adminconsole

// Role is the role the backend assigns to a user, it is reported in the "rol" field.
type Role string

const (
	RoleAdministrator Role = "ADMINISTRADOR"
	RoleExternal      Role = "EXTERNO"
)

func (r Role) String() string {
	return string(r)
}

// Known reports whether the role is one the backend is known to assign.
func (r Role) Known() bool {
	switch r {
	case RoleAdministrator, RoleExternal:
		return true
	default:
		return false
	}
}
