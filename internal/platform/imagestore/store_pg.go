package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
)

// PGStore keeps image bytes in the patient_image table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const imageCols = `id, patient_id, image_type, content_type, file_name, size_bytes, sha256, COALESCE(created_by, ''), created_at`

func scanImage(row pgx.Row, withContent bool) (*Image, []byte, error) {
	var img Image
	var content []byte
	dest := []interface{}{&img.ID, &img.PatientID, &img.ImageType, &img.ContentType,
		&img.FileName, &img.Size, &img.Hash, &img.CreatedBy, &img.CreatedAt}
	if withContent {
		dest = append(dest, &content)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrImageNotFound
		}
		return nil, nil, err
	}
	return &img, content, nil
}

func (s *PGStore) Put(ctx context.Context, meta Image, content io.Reader) (*Image, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO patient_image (id, patient_id, image_type, content_type, file_name, size_bytes, sha256, content, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		meta.ID, meta.PatientID, meta.ImageType, meta.ContentType, meta.FileName,
		meta.Size, meta.Hash, data, meta.CreatedBy, meta.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert patient image: %w", err)
	}
	return &meta, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Image, []byte, error) {
	row := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+imageCols+`, content FROM patient_image WHERE id = $1`, id)
	return scanImage(row, true)
}

func (s *PGStore) LatestForPatient(ctx context.Context, patientID uuid.UUID) (*Image, []byte, error) {
	row := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+imageCols+`, content FROM patient_image
		 WHERE patient_id = $1 ORDER BY created_at DESC LIMIT 1`, patientID)
	return scanImage(row, true)
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Image, int, error) {
	conn := db.Conn(ctx, s.pool)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_image WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patient images: %w", err)
	}

	rows, err := conn.Query(ctx,
		`SELECT `+imageCols+` FROM patient_image
		 WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patient images: %w", err)
	}
	defer rows.Close()

	var items []*Image
	for rows.Next() {
		img, _, err := scanImage(rows, false)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, img)
	}
	return items, total, rows.Err()
}
