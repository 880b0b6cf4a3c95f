package broker

import (
	"time"
)

// NSE/BSE equity derivatives session, IST.
const (
	sessionOpenHour    = 9
	sessionOpenMinute  = 15
	sessionCloseHour   = 15
	sessionCloseMinute = 30
)

var ist = time.FixedZone("IST", 5*3600+1800)

// MarketOpen reports whether the exchange session is open at t. Weekends
// are closed; exchange holidays are not modeled, a closed upstream simply
// returns empty data for them.
func MarketOpen(t time.Time) bool {
	local := t.In(ist)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	open := sessionOpenHour*60 + sessionOpenMinute
	close := sessionCloseHour*60 + sessionCloseMinute
	return minutes >= open && minutes < close
}
