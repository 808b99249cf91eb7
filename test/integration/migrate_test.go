//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/migrations"
)

func TestMigrator_ConcurrentUpIsNoOp(t *testing.T) {
	ctx := context.Background()

	var wg sync.WaitGroup
	counts := make([]int, 3)
	errs := make([]error, 3)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], errs[i] = db.NewMigrator(globalPool, migrations.FS).Up(ctx)
		}(i)
	}
	wg.Wait()

	for i := range counts {
		if errs[i] != nil {
			t.Fatalf("replica %d: Up: %v", i, errs[i])
		}
		if counts[i] != 0 {
			t.Errorf("replica %d applied %d migrations, want 0 after setup", i, counts[i])
		}
	}

	statuses, err := db.NewMigrator(globalPool, migrations.FS).Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied || s.Modified {
			t.Errorf("migration %s: applied=%v modified=%v", s.Name, s.Applied, s.Modified)
		}
	}
}
