package incident

// transitions is the allowed edge set of the lifecycle state machine.
// postmortem_required is reachable from every non-terminal state; failed can
// only be left through an explicit reset back to ingested.
var transitions = map[Status][]Status{
	StatusIngested:            {StatusEvidenceCollecting, StatusPostmortemRequired},
	StatusEvidenceCollecting:  {StatusAwaitingHumanReview, StatusFailed, StatusPostmortemRequired},
	StatusAwaitingHumanReview: {StatusTriaged, StatusPostmortemRequired},
	StatusTriaged:             {StatusMitigated, StatusResolved, StatusPostmortemRequired},
	StatusMitigated:           {StatusResolved, StatusPostmortemRequired},
	StatusFailed:              {StatusIngested},
	StatusResolved:            nil,
	StatusPostmortemRequired:  nil,
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s accepts no further transitions other than an
// explicit failed reset.
func Terminal(s Status) bool {
	switch s {
	case StatusResolved, StatusPostmortemRequired, StatusFailed:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusIngested, StatusEvidenceCollecting, StatusAwaitingHumanReview,
		StatusTriaged, StatusMitigated, StatusResolved,
		StatusPostmortemRequired, StatusFailed:
		return true
	}
	return false
}
