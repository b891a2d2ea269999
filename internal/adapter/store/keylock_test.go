package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (k *keyLocker) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func TestKeyLocker_DistinctIDsDoNotBlock(t *testing.T) {
	var k keyLocker

	// an id that lands in the same index shard as "a"
	other := ""
	for i := 0; other == ""; i++ {
		if id := fmt.Sprintf("chunk-%d", i); shardOf(id) == shardOf("a") {
			other = id
		}
	}

	unlockA := k.lock("a")

	acquired := make(chan func())
	go func() { acquired <- k.lock(other) }()
	select {
	case unlock := <-acquired:
		unlock()
	case <-time.After(time.Second):
		t.Fatalf("lock on %q waited for lock on %q", other, "a")
	}

	go func() { acquired <- k.lock("a") }()
	select {
	case <-acquired:
		t.Fatal("second lock on the same id did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case unlock := <-acquired:
		unlock()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}

	require.Eventually(t, func() bool { return k.held() == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, k.held())
}
