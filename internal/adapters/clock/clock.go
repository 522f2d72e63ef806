package clock

import "time"

// Clock provides time.Now() access.
type Clock struct{}

// NowUnix returns current unix seconds.
func (Clock) NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current unix milliseconds.
func (Clock) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
