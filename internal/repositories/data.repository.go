package repositories

import (
	"context"

	"shellac/internal/database"
	. "shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/lib/pq"
	"gorm.io/gorm/clause"
)

type DataRepository interface {
	// FetchHashes bulk-probes the stored content hashes for a set of record
	// ids. Ids with no stored row are absent from the result.
	FetchHashes(ctx context.Context, dataType DataType, ids []string) (map[string]string, error)
	// UpsertBatch writes rows keyed by data_id, overwriting hash and data on
	// conflict.
	UpsertBatch(ctx context.Context, dataType DataType, rows []DataRow) error
}

type dataRepository struct {
	db  database.DB
	log logger.Logger
}

func NewDataRepository(db database.DB) DataRepository {
	return &dataRepository{
		db:  db,
		log: logger.New("dataRepository"),
	}
}

func (r *dataRepository) FetchHashes(
	ctx context.Context,
	dataType DataType,
	ids []string,
) (map[string]string, error) {
	log := r.log.Function("FetchHashes")

	hashes := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return hashes, nil
	}

	var rows []DataRow
	err := r.db.SQL.WithContext(ctx).
		Table(dataType.String()).
		Select("data_id", "hash").
		Where("data_id = ANY(?)", pq.Array(ids)).
		Find(&rows).Error
	if err != nil {
		return nil, log.Err("failed to fetch hashes", err, "dataType", dataType, "ids", len(ids))
	}

	for _, row := range rows {
		hashes[row.DataID] = row.Hash
	}

	return hashes, nil
}

func (r *dataRepository) UpsertBatch(
	ctx context.Context,
	dataType DataType,
	rows []DataRow,
) error {
	log := r.log.Function("UpsertBatch")

	if len(rows) == 0 {
		return nil
	}

	err := r.db.SQL.WithContext(ctx).
		Table(dataType.String()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "data_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"hash", "data"}),
		}).
		Create(&rows).Error
	if err != nil {
		return log.Err("failed to upsert batch", err, "dataType", dataType, "rows", len(rows))
	}

	return nil
}
