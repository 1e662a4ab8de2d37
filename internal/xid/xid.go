// Package xid generates wall-clock-derived id tokens. Ids are decimal
// millisecond timestamps bumped past the previous value when the clock has
// not advanced, so they are strictly increasing within a process and sort in
// creation order.
package xid

import (
	"strconv"
	"sync"
	"time"
)

var (
	mu   sync.Mutex
	last int64
)

func Next() string {
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= last {
		now = last + 1
	}
	last = now
	return strconv.FormatInt(now, 10)
}
