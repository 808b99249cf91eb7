//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/migrations"
)

// globalPool is the shared database, migrated once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, cleanup, err := setupDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up database: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupDatabase connects to TEST_DATABASE_URL when set, otherwise starts a
// throwaway container, then applies the embedded migrations.
func setupDatabase(ctx context.Context) (*pgxpool.Pool, func(), error) {
	connStr := os.Getenv("TEST_DATABASE_URL")
	stop := func() {}
	if connStr == "" {
		var err error
		connStr, stop, err = startPostgres(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, connStr, db.PoolOptions{MaxConns: 10, MinConns: 1})
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		stop()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	return pool, func() {
		pool.Close()
		stop()
	}, nil
}

// resetTables empties every table the tests write to.
func resetTables(t *testing.T) {
	t.Helper()
	_, err := globalPool.Exec(context.Background(), `
		TRUNCATE learning_event, confidence_adjustment, suggestion_feedback,
			suggestion, patient_image, lab_result, vital_sign, patient CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func createTestPatient(t *testing.T, ctx context.Context) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := globalPool.Exec(ctx,
		`INSERT INTO patient (id, mrn, birth_date, sex) VALUES ($1, $2, $3, $4)`,
		id, "MRN-"+id.String()[:8], time.Date(1950, 6, 1, 0, 0, 0, 0, time.UTC), "female")
	if err != nil {
		t.Fatalf("create test patient: %v", err)
	}
	return id
}

func createTestSuggestion(t *testing.T, ctx context.Context, patientID uuid.UUID, source string, confidence float64) *suggestion.Suggestion {
	t.Helper()
	s := &suggestion.Suggestion{
		PatientID:   patientID,
		Type:        suggestion.TypeVitalRisk,
		Text:        "Vital signs may indicate elevated risk; consider review",
		Source:      source,
		Explanation: "heart rate above threshold",
		Confidence:  &confidence,
	}
	if err := suggestion.NewRepoPG(globalPool).Create(ctx, s); err != nil {
		t.Fatalf("create test suggestion: %v", err)
	}
	return s
}
