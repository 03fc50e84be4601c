package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("0xb000000000000000000000000000000000000001")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("counter = %d, want 100 (lost update under same key)", counter)
	}
}

func TestShardedMutex_DifferentShardsDoNotBlock(t *testing.T) {
	var m ShardedMutex

	keyA := "0xb000000000000000000000000000000000000001"
	keyB := "0x5000000000000000000000000000000000000001"
	if m.shard(keyA) == m.shard(keyB) {
		t.Skip("keys collide into one shard; nothing to verify")
	}

	unlockA := m.Lock(keyA)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock(keyB)
		unlockB()
		close(done)
	}()
	<-done
}
