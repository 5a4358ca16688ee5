package projectstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// RepairRecord summarizes one finished self-healing run.
type RepairRecord struct {
	ID           string    `json:"id"`
	ProjectKey   string    `json:"project_key"`
	Mode         string    `json:"mode"`
	Outcome      string    `json:"outcome"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	FilesChanged int       `json:"files_changed,omitempty"`
	LinesChanged int       `json:"lines_changed,omitempty"`
	Message      string    `json:"message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// repairKey sorts records by finish time so cursor order is chronological.
func repairKey(record RepairRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", record.FinishedAt.UnixNano(), record.ID))
}

func (store *Store) SaveRepair(record RepairRecord) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(repairsBucket).Put(repairKey(record), payload)
	})
}

// ListRepairs returns the newest records first, optionally filtered by project.
func (store *Store) ListRepairs(projectKey string, limit int) ([]RepairRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	result := make([]RepairRecord, 0, limit)
	err := store.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(repairsBucket).Cursor()
		for key, value := cursor.Last(); key != nil && len(result) < limit; key, value = cursor.Prev() {
			record := RepairRecord{}
			if decodeErr := json.Unmarshal(value, &record); decodeErr != nil {
				continue
			}
			if projectKey != "" && record.ProjectKey != projectKey {
				continue
			}
			result = append(result, record)
		}
		return nil
	})
	return result, err
}
