package chat

// Role identifies one of the three conversation logs.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Roles lists all roles in log order: system first, then the turn pair.
var Roles = []Role{RoleSystem, RoleUser, RoleAssistant}
