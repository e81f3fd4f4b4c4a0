package authbroker

import (
	"sync/atomic"

	"github.com/IMQS/log"
)

// Stats counts notable broker events. Counts are logged with power-of-two
// damping so that a flood of failures does not flood the log with it.
type Stats struct {
	GoodLogins        uint64
	FailedLogins      uint64
	ThrottleDrops     uint64
	InvalidCookies    uint64
	StaleResumeTokens uint64
}

func isPowerOf2(x uint64) bool {
	return 0 == x&(x-1)
}

func (x *Stats) IncrementAndLog(name string, val *uint64, logger *log.Logger) {
	n := atomic.AddUint64(val, 1)
	if isPowerOf2(n) || (n&255) == 0 {
		logger.Infof("%v %v", n, name)
	}
}

func (x *Stats) IncrementGoodLogin(logger *log.Logger) {
	x.IncrementAndLog("good logins", &x.GoodLogins, logger)
}

func (x *Stats) IncrementFailedLogin(logger *log.Logger) {
	x.IncrementAndLog("failed logins", &x.FailedLogins, logger)
}

func (x *Stats) IncrementThrottleDrop(logger *log.Logger) {
	x.IncrementAndLog("throttled login attempts", &x.ThrottleDrops, logger)
}

func (x *Stats) IncrementInvalidCookie(logger *log.Logger) {
	x.IncrementAndLog("invalid session cookies", &x.InvalidCookies, logger)
}

func (x *Stats) IncrementStaleResumeToken(logger *log.Logger) {
	x.IncrementAndLog("stale resume tokens", &x.StaleResumeTokens, logger)
}
