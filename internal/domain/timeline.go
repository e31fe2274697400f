package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле выкупа.
type TimelineEvent struct {
	RedeemID string
	Type     string
	Reason   string
	Occurred time.Time
}
