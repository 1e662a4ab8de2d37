package xid

import (
	"strconv"
	"testing"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := Next()
		val, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			t.Fatalf("id %q is not a decimal integer: %v", id, err)
		}
		if val <= prev {
			t.Fatalf("id %d is not greater than previous %d", val, prev)
		}
		prev = val
	}
}

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 200

	results := make(chan string, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				results <- Next()
			}
		}()
	}

	seen := make(map[string]bool, goroutines*perGoroutine)
	for i := 0; i < goroutines*perGoroutine; i++ {
		id := <-results
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
