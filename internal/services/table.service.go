package services

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"shellac/internal/models"
	"shellac/internal/repositories"

	logger "github.com/Bparsons0904/goLogger"
	"gorm.io/datatypes"
)

// TableService applies record batches to Postgres, one table per data type,
// skipping rows whose stored content hash already matches.
type TableService struct {
	repo repositories.DataRepository
	log  logger.Logger
}

func NewTableService(repo repositories.DataRepository) *TableService {
	return &TableService{
		repo: repo,
		log:  logger.New("tableService"),
	}
}

// Transient treats connection-level failures as retryable; everything else
// dead-letters the batch.
func (ts *TableService) Transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (ts *TableService) Apply(ctx context.Context, dataType models.DataType, bodies [][]byte) error {
	log := ts.log.Function("Apply")

	type keyed struct {
		id   string
		hash string
		body []byte
	}

	records := make([]keyed, 0, len(bodies))
	ids := make([]string, 0, len(bodies))
	for _, body := range bodies {
		var probe struct {
			ID     string `json:"id"`
			SHA256 string `json:"sha256"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return fmt.Errorf("malformed record payload: %w", err)
		}
		if probe.ID == "" {
			return fmt.Errorf("record payload has no id")
		}

		records = append(records, keyed{id: probe.ID, hash: probe.SHA256, body: body})
		ids = append(ids, probe.ID)
	}

	stored, err := ts.repo.FetchHashes(ctx, dataType, ids)
	if err != nil {
		return err
	}

	rows := make([]models.DataRow, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		if stored[record.id] == record.hash && record.hash != "" {
			continue
		}
		// A batch can carry the same id twice after redelivery; last write
		// wins within the batch
		if seen[record.id] {
			for i := range rows {
				if rows[i].DataID == record.id {
					rows[i].Hash = record.hash
					rows[i].Data = datatypes.JSON(record.body)
				}
			}
			continue
		}
		seen[record.id] = true

		rows = append(rows, models.DataRow{
			Hash:   record.hash,
			DataID: record.id,
			Data:   datatypes.JSON(record.body),
		})
	}

	if len(rows) == 0 {
		log.Debug("Batch unchanged, skipping", "dataType", dataType, "size", len(records))
		return nil
	}

	return ts.repo.UpsertBatch(ctx, dataType, rows)
}
