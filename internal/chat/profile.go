package chat

import "time"

// Profile carries the per-(user, room) role labels and sampling parameters.
// Role labels are stored by value so histories never point back into the
// profile.
type Profile struct {
	UserID           string  `json:"user_id"`
	RoomID           int64   `json:"room_id"`
	CreatedAt        int64   `json:"created_at"`
	UserRole         string  `json:"user_role"`
	AssistantRole    string  `json:"assistant_role"`
	SystemRole       string  `json:"system_role"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

// DefaultProfile returns the sampling defaults every new room starts with.
func DefaultProfile(userID string, roomID int64) Profile {
	return Profile{
		UserID:           userID,
		RoomID:           roomID,
		CreatedAt:        Timestamp(time.Now().UTC()),
		UserRole:         string(RoleUser),
		AssistantRole:    string(RoleAssistant),
		SystemRole:       string(RoleSystem),
		Temperature:      0.9,
		TopP:             1.0,
		PresencePenalty:  0,
		FrequencyPenalty: 1.1,
	}
}

// RoleLabel maps a canonical role to the label this profile uses for it.
func (p Profile) RoleLabel(role Role) string {
	switch role {
	case RoleUser:
		return p.UserRole
	case RoleAssistant:
		return p.AssistantRole
	default:
		return p.SystemRole
	}
}
