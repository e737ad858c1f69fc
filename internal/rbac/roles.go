package rbac

// Role names. Keep these stable; they are embedded in issued tokens.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	RoleParent  = "parent"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsLearner reports roles that receive incoming calls. A parent signs in on behalf of one student
// and uses that student's id as user id.
func IsLearner(role string) bool { return role == RoleStudent || role == RoleParent }
