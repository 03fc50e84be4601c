package health

import (
	"context"
	"sync"
	"testing"
)

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_AggregatesVerdict(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Name: "rpc", Healthy: true, Detail: "block 1042"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	r.Register("database-replica", func(_ context.Context) Status {
		return Status{Name: "database-replica", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses = r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one unhealthy subsystem should fail the aggregate")
	}
	if statuses[2].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[2].Detail)
	}
}

func TestCheckAll_PassesDeadlineToCheckers(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		if _, ok := ctx.Deadline(); !ok {
			return Status{Name: "database", Healthy: false, Detail: "no deadline"}
		}
		return Status{Name: "database", Healthy: true}
	})

	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("checker should have seen a per-check deadline")
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(_ context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
