package execution

import "morning-star-delivery/internal/models"

// transitions is the legal stop-status state machine:
//
//	pending -> enroute -> arrived -> delivered
//
// with skipped reachable from pending, enroute and arrived. delivered and
// skipped are terminal; nothing transitions back into pending. Progress is
// monotonic: no transition ever moves a stop backwards.
var transitions = map[models.StopStatus]map[models.StopStatus]bool{
	models.StopStatusPending: {
		models.StopStatusEnroute: true,
		models.StopStatusSkipped: true,
	},
	models.StopStatusEnroute: {
		models.StopStatusArrived: true,
		models.StopStatusSkipped: true,
	},
	models.StopStatusArrived: {
		models.StopStatusDelivered: true,
		models.StopStatusSkipped:   true,
	},
	models.StopStatusDelivered: {},
	models.StopStatusSkipped:   {},
}

// IsValidTransition reports whether current -> next is in the transition
// table. Unknown statuses on either side are simply not in the table.
func IsValidTransition(current, next models.StopStatus) bool {
	return transitions[current][next]
}

// NextExpectedStatus returns the status a stop naturally advances to on the
// happy path, or "" when the stop is terminal or unknown.
func NextExpectedStatus(current models.StopStatus) models.StopStatus {
	switch current {
	case models.StopStatusPending:
		return models.StopStatusEnroute
	case models.StopStatusEnroute:
		return models.StopStatusArrived
	case models.StopStatusArrived:
		return models.StopStatusDelivered
	default:
		return ""
	}
}
