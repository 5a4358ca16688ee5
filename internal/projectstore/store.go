package projectstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/BegaDeveloper/devheal/internal/security"
)

var projectsBucket = []byte("projects")
var repairsBucket = []byte("repairs")

// LastKnownGood is the most recent start that reached a healthy state.
type LastKnownGood struct {
	Command    security.SafeCommand `json:"command"`
	Port       int                  `json:"port,omitempty"`
	Framework  string               `json:"framework,omitempty"`
	ScriptName string               `json:"script_name,omitempty"`
	SpawnDir   string               `json:"spawn_dir,omitempty"`
	RecordedAt time.Time            `json:"recorded_at"`
}

type Failure struct {
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Override is a command the user pinned for the project.
type Override struct {
	Command    security.SafeCommand `json:"command"`
	Port       int                  `json:"port,omitempty"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// ProjectConfig is the durable per-project record.
type ProjectConfig struct {
	LastKnownGood *LastKnownGood `json:"last_known_good,omitempty"`
	LastFailure   *Failure       `json:"last_failure,omitempty"`
	UserOverride  *Override      `json:"user_override,omitempty"`
}

func (config ProjectConfig) IsEmpty() bool {
	return config.LastKnownGood == nil && config.LastFailure == nil && config.UserOverride == nil
}

type Store struct {
	db *bolt.DB
}

// DefaultPath honors DEVHEAL_DAEMON_DB and otherwise uses ~/.devheal/devheal.db.
func DefaultPath() string {
	if path := os.Getenv("DEVHEAL_DAEMON_DB"); path != "" {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".devheal.db"
	}
	return filepath.Join(homeDir, ".devheal", "devheal.db")
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open project store failed: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, createErr := tx.CreateBucketIfNotExists(projectsBucket); createErr != nil {
			return createErr
		}
		_, createRepairsErr := tx.CreateBucketIfNotExists(repairsBucket)
		return createRepairsErr
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (store *Store) Close() error {
	if store == nil || store.db == nil {
		return nil
	}
	return store.db.Close()
}

// Get returns the record for projectKey, or an empty record when none exists.
func (store *Store) Get(projectKey string) (ProjectConfig, error) {
	config := ProjectConfig{}
	err := store.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(projectsBucket).Get([]byte(projectKey))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &config)
	})
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("read project config failed: %w", err)
	}
	return config, nil
}

// Merge applies mutate to the current record inside one write transaction.
// A record left empty by mutate is deleted.
func (store *Store) Merge(projectKey string, mutate func(config *ProjectConfig)) error {
	err := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(projectsBucket)
		config := ProjectConfig{}
		if raw := bucket.Get([]byte(projectKey)); raw != nil {
			if decodeErr := json.Unmarshal(raw, &config); decodeErr != nil {
				return decodeErr
			}
		}
		mutate(&config)
		if config.IsEmpty() {
			return bucket.Delete([]byte(projectKey))
		}
		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(projectKey), payload)
	})
	if err != nil {
		return fmt.Errorf("update project config failed: %w", err)
	}
	return nil
}

// SetLastKnownGood stores a healthy start and clears the last failure.
func (store *Store) SetLastKnownGood(projectKey string, lastKnownGood LastKnownGood) error {
	return store.Merge(projectKey, func(config *ProjectConfig) {
		config.LastKnownGood = &lastKnownGood
		config.LastFailure = nil
	})
}

func (store *Store) RecordFailure(projectKey string, message string, at time.Time) error {
	return store.Merge(projectKey, func(config *ProjectConfig) {
		config.LastFailure = &Failure{Message: message, RecordedAt: at}
	})
}

func (store *Store) SetOverride(projectKey string, override Override) error {
	return store.Merge(projectKey, func(config *ProjectConfig) {
		config.UserOverride = &override
	})
}

func (store *Store) ClearOverride(projectKey string) error {
	return store.Merge(projectKey, func(config *ProjectConfig) {
		config.UserOverride = nil
	})
}

// Reset deletes everything remembered about the project.
func (store *Store) Reset(projectKey string) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(projectsBucket).Delete([]byte(projectKey))
	})
}

// ProjectKey normalizes a project directory into the key every component
// uses for per-project state.
func ProjectKey(projectDir string) string {
	absolutePath, err := filepath.Abs(projectDir)
	if err != nil {
		return filepath.Clean(projectDir)
	}
	if resolvedPath, resolveErr := filepath.EvalSymlinks(absolutePath); resolveErr == nil {
		return resolvedPath
	}
	return absolutePath
}
