package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/glee/core/internal/entities"
	"github.com/glee/core/internal/glerr"
	"github.com/glee/core/internal/store"
)

// DownloadRepo is the relational backing for the external
// DownloadSupervisor collaborator (C11); the interface it's built
// against lives in internal/download.
type DownloadRepo struct {
	db *store.Store
}

func NewDownloadRepo(db *store.Store) *DownloadRepo { return &DownloadRepo{db: db} }

const downloadColumns = `id, url, destination, total_bytes, downloaded_bytes, status, checksum, created_at, updated_at`

func scanDownload(row store.Scanner) (entities.Download, error) {
	var d entities.Download
	var checksum sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&d.ID, &d.URL, &d.Destination, &d.TotalBytes, &d.DownloadedBytes, &d.Status,
		&checksum, &createdAt, &updatedAt)
	if err != nil {
		return entities.Download{}, err
	}
	if checksum.Valid {
		d.Checksum = &checksum.String
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return d, nil
}

func (r *DownloadRepo) Create(ctx context.Context, url, destination string, checksum *string) (entities.Download, error) {
	now := time.Now().UTC()
	d := entities.Download{
		ID: uuid.NewString(), URL: url, Destination: destination, Status: entities.DownloadPending,
		Checksum: checksum, CreatedAt: now, UpdatedAt: now,
	}
	_, err := r.db.Execute(ctx,
		`INSERT INTO downloads (`+downloadColumns+`) VALUES ($1,$2,$3,0,0,$4,$5,$6,$7)`,
		d.ID, d.URL, d.Destination, d.Status, d.Checksum, d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	if err != nil {
		return entities.Download{}, err
	}
	return d, nil
}

func (r *DownloadRepo) Get(ctx context.Context, id string) (entities.Download, error) {
	return store.QueryOne(ctx, r.db, `SELECT `+downloadColumns+` FROM downloads WHERE id=$1`, scanDownload, id)
}

func (r *DownloadRepo) UpdateProgress(ctx context.Context, id string, downloaded, total int64) error {
	_, err := r.db.Execute(ctx,
		`UPDATE downloads SET downloaded_bytes=$1, total_bytes=$2, status='downloading', updated_at=$3 WHERE id=$4`,
		downloaded, total, time.Now().UTC().Unix(), id)
	return err
}

// Touch refreshes updated_at without altering progress, used by the
// heartbeat goroutine that keeps a download from reading as stale
// while a slow chunk read blocks the main progress update.
func (r *DownloadRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.Execute(ctx, `UPDATE downloads SET updated_at=$1 WHERE id=$2`, time.Now().UTC().Unix(), id)
	return err
}

// StaleDownloading returns downloads stuck in status=downloading whose
// updated_at is older than staleAfter — the heartbeat goroutine died
// (process crash, panic) without anyone flipping the status.
func (r *DownloadRepo) StaleDownloading(ctx context.Context, staleAfter time.Duration) ([]entities.Download, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Unix()
	return store.QueryAll(ctx, r.db,
		`SELECT `+downloadColumns+` FROM downloads WHERE status='downloading' AND updated_at<$1`,
		scanDownload, cutoff)
}

func (r *DownloadRepo) SetStatus(ctx context.Context, id string, status entities.DownloadStatus) error {
	n, err := r.db.Execute(ctx,
		`UPDATE downloads SET status=$1, updated_at=$2 WHERE id=$3`, status, time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return glerr.NotFound("download not found")
	}
	return nil
}

// Fail is sticky: the row remains in failed; only the status is written (the spec
// records the error via a log, not a column on Download, so the
// message is surfaced through the event sink at call time, not stored
// here).
func (r *DownloadRepo) Fail(ctx context.Context, id string) error {
	return r.SetStatus(ctx, id, entities.DownloadFailed)
}
