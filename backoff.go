package realtime

import (
	"math"
	"time"
)

// maxBackoffFailures caps the failure count fed into the backoff curve.
const maxBackoffFailures = 20

// ReconnectDelay returns how long to wait before reconnecting after n
// consecutive failed or dropped connections:
//
//	round(ln(m) * ln(m+1) * 1000) ms, m = clamp(n, 1, 20)
//
// The first retry is immediate, the second waits ~762ms and the curve
// flattens at ~9.1s from the 20th failure on.
func ReconnectDelay(n int) time.Duration {
	m := float64(min(max(n, 1), maxBackoffFailures))
	ms := math.Round(math.Log(m) * math.Log(m+1) * 1000)
	return time.Duration(ms) * time.Millisecond
}
