package services

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"shellac/internal/models"
	"shellac/internal/utils"
)

// fakeDataRepository serves canned hashes and records upserted rows.
type fakeDataRepository struct {
	hashes   map[string]string
	upserted []models.DataRow
	fetchErr error
}

func (f *fakeDataRepository) FetchHashes(
	_ context.Context,
	_ models.DataType,
	ids []string,
) (map[string]string, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	out := make(map[string]string)
	for _, id := range ids {
		if hash, ok := f.hashes[id]; ok {
			out[id] = hash
		}
	}
	return out, nil
}

func (f *fakeDataRepository) UpsertBatch(
	_ context.Context,
	_ models.DataType,
	rows []models.DataRow,
) error {
	f.upserted = append(f.upserted, rows...)
	return nil
}

func stampedPayload(t *testing.T, body map[string]any) (string, []byte) {
	t.Helper()

	hash, err := utils.StampRecordHash(body)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return hash, payload
}

func TestTableServiceSkipsUnchangedRows(t *testing.T) {
	unchangedHash, unchangedPayload := stampedPayload(t, map[string]any{
		"id": "1", "name": "Same As Stored",
	})
	_, changedPayload := stampedPayload(t, map[string]any{
		"id": "2", "name": "New Content",
	})

	repo := &fakeDataRepository{
		hashes: map[string]string{
			"1": unchangedHash,
			"2": "stale-hash",
		},
	}
	ts := NewTableService(repo)

	err := ts.Apply(
		context.Background(),
		models.DataTypeArtists,
		[][]byte{unchangedPayload, changedPayload},
	)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(repo.upserted) != 1 {
		t.Fatalf("upserted %d rows, want only the changed one", len(repo.upserted))
	}
	if repo.upserted[0].DataID != "2" {
		t.Errorf("upserted id = %s, want 2", repo.upserted[0].DataID)
	}
	if string(repo.upserted[0].Data) != string(changedPayload) {
		t.Error("stored data does not match the payload")
	}
}

func TestTableServiceInsertsNewRows(t *testing.T) {
	hash, payload := stampedPayload(t, map[string]any{"id": "9", "name": "Brand New"})

	repo := &fakeDataRepository{hashes: map[string]string{}}
	ts := NewTableService(repo)

	if err := ts.Apply(context.Background(), models.DataTypeLabels, [][]byte{payload}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(repo.upserted) != 1 || repo.upserted[0].Hash != hash {
		t.Fatalf("upserted = %+v, want one row with hash %s", repo.upserted, hash)
	}
}

func TestTableServiceDeduplicatesWithinBatch(t *testing.T) {
	_, first := stampedPayload(t, map[string]any{"id": "5", "name": "First"})
	secondHash, second := stampedPayload(t, map[string]any{"id": "5", "name": "Second"})

	repo := &fakeDataRepository{hashes: map[string]string{}}
	ts := NewTableService(repo)

	if err := ts.Apply(context.Background(), models.DataTypeMasters, [][]byte{first, second}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if len(repo.upserted) != 1 {
		t.Fatalf("upserted %d rows, want 1 after in-batch dedupe", len(repo.upserted))
	}
	if repo.upserted[0].Hash != secondHash {
		t.Error("last write in the batch should win")
	}
}

func TestTableServiceMalformedPayloadPoisons(t *testing.T) {
	ts := NewTableService(&fakeDataRepository{})

	err := ts.Apply(context.Background(), models.DataTypeArtists, [][]byte{[]byte("{not json")})
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if ts.Transient(err) {
		t.Error("malformed payloads must dead-letter, not retry")
	}
}

func TestTableServiceTransientClassification(t *testing.T) {
	ts := NewTableService(&fakeDataRepository{})

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"bad connection", driver.ErrBadConn, true},
		{"deadline", context.DeadlineExceeded, true},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"wrapped network", errors.Join(errors.New("query"), &net.DNSError{IsTimeout: true}), true},
		{"constraint", errors.New("duplicate key value"), false},
		{"nil-ish", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ts.Transient(tc.err); got != tc.want {
				t.Errorf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTableServicePropagatesFetchErrors(t *testing.T) {
	netErr := &net.OpError{Op: "read", Err: errors.New("reset")}
	repo := &fakeDataRepository{fetchErr: netErr}
	ts := NewTableService(repo)

	_, payload := stampedPayload(t, map[string]any{"id": "1", "name": "X"})
	err := ts.Apply(context.Background(), models.DataTypeArtists, [][]byte{payload})
	if !errors.Is(err, netErr) {
		t.Fatalf("Apply() error = %v, want fetch error", err)
	}
	if !ts.Transient(err) {
		t.Error("connection-level fetch errors should be retryable")
	}
}
