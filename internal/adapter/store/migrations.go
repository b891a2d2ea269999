package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"docqa/config"
)

// CurrentSchemaVersion is the current schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 3

// legacyProviderID tags vectors migrated from the single-provider layout,
// which did not record who produced them.
const legacyProviderID = "legacy"

var (
	keySchemaVersion = []byte("schema_version")
	keyConfigHash    = []byte("config_hash")
	bucketVectors    = []byte("vectors")
)

// SchemaInfo stores schema version and configuration hash.
type SchemaInfo struct {
	Version    int    `json:"version"`
	ConfigHash string `json:"config_hash"`
}

func (s *BoltStore) GetSchemaInfo() (*SchemaInfo, error) {
	var info SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if b == nil {
			return nil
		}

		if versionData := b.Get(keySchemaVersion); versionData != nil {
			if err := json.Unmarshal(versionData, &info.Version); err != nil {
				info.Version = 1
			}
		}

		if hashData := b.Get(keyConfigHash); hashData != nil {
			info.ConfigHash = string(hashData)
		}
		return nil
	})
	return &info, err
}

func (s *BoltStore) SetSchemaInfo(info *SchemaInfo) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStats)

		versionData, err := json.Marshal(info.Version)
		if err != nil {
			return err
		}
		if err := b.Put(keySchemaVersion, versionData); err != nil {
			return err
		}

		return b.Put(keyConfigHash, []byte(info.ConfigHash))
	})
}

// ComputeConfigHash hashes the settings that shape stored chunks. Provider
// settings are excluded: records carry their own provider and dimensionality.
func ComputeConfigHash(cfg *config.Config) string {
	relevant := struct {
		TargetSize int `json:"target_size"`
		Overlap    int `json:"overlap"`
		MinChars   int `json:"min_chars"`
	}{
		TargetSize: cfg.Chunking.TargetSize,
		Overlap:    cfg.Chunking.Overlap,
		MinChars:   cfg.Chunking.MinChars,
	}

	data, _ := json.Marshal(relevant)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// MigrationResult describes the result of a migration check.
type MigrationResult struct {
	NeedsMigration bool
	NeedsRebuild   bool
	// ConfigChanged reports that chunking settings differ from the ones the
	// stored chunks were cut with. Existing chunks stay valid.
	ConfigChanged bool
	OldVersion    int
	NewVersion    int
	Reason        string
}

func (s *BoltStore) CheckMigration(cfg *config.Config) (*MigrationResult, error) {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema info: %w", err)
	}

	result := &MigrationResult{
		OldVersion: info.Version,
		NewVersion: CurrentSchemaVersion,
	}

	switch {
	case info.Version == 0:
		result.NeedsMigration = true
		result.Reason = "initializing schema version"
	case info.Version < CurrentSchemaVersion:
		result.NeedsMigration = true
		result.Reason = fmt.Sprintf("schema upgrade from v%d to v%d", info.Version, CurrentSchemaVersion)
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("database created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
		return result, nil
	}

	if info.ConfigHash != "" && info.ConfigHash != ComputeConfigHash(cfg) {
		result.ConfigChanged = true
		if result.Reason == "" {
			result.Reason = "chunking configuration changed"
		}
	}

	return result, nil
}

// Migrate upgrades the schema step by step, then records the current version.
func (s *BoltStore) Migrate(cfg *config.Config) error {
	info, err := s.GetSchemaInfo()
	if err != nil {
		return err
	}
	if info.Version > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", info.Version, CurrentSchemaVersion)
	}

	for v := info.Version; v < CurrentSchemaVersion; v++ {
		if err := s.runMigration(v, v+1); err != nil {
			return fmt.Errorf("migration from v%d to v%d failed: %w", v, v+1, err)
		}
	}

	return s.SetSchemaInfo(&SchemaInfo{
		Version:    CurrentSchemaVersion,
		ConfigHash: ComputeConfigHash(cfg),
	})
}

func (s *BoltStore) runMigration(from, to int) error {
	switch {
	case from == 1 && to == 2:
		return s.db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketDocChunks)
			return err
		})
	case from == 2 && to == 3:
		return s.db.Update(migrateVectorsToEmbeddings)
	default:
		return nil
	}
}

type legacyVector struct {
	Vector []float32 `json:"v"`
}

// migrateVectorsToEmbeddings moves the single-dimension "vectors" bucket into
// per-record embeddings tagged with their own dimensionality, and builds the
// dims index for them.
func migrateVectorsToEmbeddings(tx *bbolt.Tx) error {
	embeddings, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
	if err != nil {
		return err
	}
	dims, err := tx.CreateBucketIfNotExists(bucketDims)
	if err != nil {
		return err
	}

	if legacy := tx.Bucket(bucketVectors); legacy != nil {
		now := time.Now().UnixNano()
		err := legacy.ForEach(func(k, v []byte) error {
			var lv legacyVector
			if err := json.Unmarshal(v, &lv); err != nil || len(lv.Vector) == 0 {
				return nil
			}
			data, err := json.Marshal(storedRecord{
				Provider:  legacyProviderID,
				Dim:       len(lv.Vector),
				Vector:    lv.Vector,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			return embeddings.Put(k, data)
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketVectors); err != nil {
			return err
		}
	}

	return embeddings.ForEach(func(k, v []byte) error {
		var rec storedRecord
		if err := json.Unmarshal(v, &rec); err != nil || rec.Dim <= 0 {
			return nil
		}
		b, err := dims.CreateBucketIfNotExists(dimKey(rec.Dim))
		if err != nil {
			return err
		}
		return b.Put(k, []byte{})
	})
}

// Clear removes all documents, chunks and embeddings, keeping schema info.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocs, bucketChunks, bucketBlobs, bucketDocChunks, bucketEmbeddings, bucketDims} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// NeedsRebuild reports whether the database cannot be used as is.
func (s *BoltStore) NeedsRebuild(cfg *config.Config) (bool, string, error) {
	result, err := s.CheckMigration(cfg)
	if err != nil {
		return false, "", err
	}
	return result.NeedsRebuild, result.Reason, nil
}
