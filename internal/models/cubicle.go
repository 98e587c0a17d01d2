package models

// Cubicle is a physical attention station. At most one non-terminal turn
// occupies a cubicle at any time.
type Cubicle struct {
	CubicleID       string  `json:"cubicle_id"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Active          bool    `json:"active"`
	OccupyingTurnID *string `json:"occupying_turn_id,omitempty"`
	PhlebotomistID  *string `json:"phlebotomist_id,omitempty"`
}

type Phlebotomist struct {
	PhlebotomistID    string  `json:"phlebotomist_id"`
	Name              string  `json:"name"`
	Active            bool    `json:"active"`
	AssignedCubicleID *string `json:"assigned_cubicle_id,omitempty"`
}

// ClassAllowed reports whether a turn of the given attention class may be
// attended at a cubicle of the given type. Special cubicles may also take
// general turns when the cross-bucket fallback is enabled.
func ClassAllowed(cubicleType, attentionClass string, specialPullsGeneral bool) bool {
	switch cubicleType {
	case ClassSpecial:
		if attentionClass == ClassSpecial {
			return true
		}
		return specialPullsGeneral
	case ClassGeneral:
		return attentionClass == ClassGeneral
	default:
		return false
	}
}
