package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin      = "admin"
	RoleRep        = "rep"
	RoleSupervisor = "supervisor"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleRep, RoleSupervisor:
		return true
	default:
		return false
	}
}
