package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrDuplicateGroupKey indicates that a group key is already registered.
	ErrDuplicateGroupKey = errors.New("store: duplicate group key")
	// ErrPurgeForbidden indicates a purge attempt outside the test environment.
	ErrPurgeForbidden = errors.New("store: purge is only available in the test environment")
)

const (
	opStoreNew       = "store.new"
	opRegisterGroup  = "store.register_group"
	opAuthGroup      = "store.auth_group"
	opPutEvent       = "store.put_event"
	opGetEvents      = "store.get_events"
	opPutSnapshot    = "store.put_snapshot"
	opGetSnapshot    = "store.get_snapshot"
	opFetch          = "store.fetch"
	opPurgeAll       = "store.purge_all"
	fieldGroupKey    = "group_key"
	queryGroupKey    = fieldGroupKey + " = ?"
	queryGroupSince  = fieldGroupKey + " = ? AND timestamp >= ?"
	queryGroupUpTo   = fieldGroupKey + " = ? AND timestamp <= ?"
	orderTimestampUp = "timestamp ASC, event_id ASC"
)

// StoreError wraps a storage failure with an operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies required to build a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
	// AllowPurge gates PurgeAll; only the test environment sets it.
	AllowPurge bool
}

// Store provides durable group-key, event-log and snapshot persistence.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	allowPurge bool
}

// New validates the configuration and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		logger:     logger,
		allowPurge: cfg.AllowPurge,
	}, nil
}

// Record is a stored payload together with its server-assigned timestamp.
type Record struct {
	Content   []byte
	Timestamp int64
}

// RegisterGroup inserts a new group key. A key that already exists yields
// ErrDuplicateGroupKey; registration never mutates an existing row.
func (s *Store) RegisterGroup(ctx context.Context, key string) error {
	if key == "" {
		return newStoreError(opRegisterGroup, "empty_key", errors.New("group key is required"))
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupKeyRecord{Value: key})
	if result.Error != nil {
		s.logError(opRegisterGroup, "insert_failed", result.Error)
		return newStoreError(opRegisterGroup, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateGroupKey
	}
	return nil
}

// AuthGroup reports whether the group key is registered.
func (s *Store) AuthGroup(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&GroupKeyRecord{}).
		Where("value = ?", key).
		Count(&count).Error; err != nil {
		s.logError(opAuthGroup, "query_failed", err)
		return false, newStoreError(opAuthGroup, "query_failed", err)
	}
	return count > 0, nil
}

// PutEvent appends one event payload to the group's log.
func (s *Store) PutEvent(ctx context.Context, key string, timestamp int64, content []byte) error {
	record := EventRecord{
		GroupKey:  key,
		Timestamp: timestamp,
		Content:   string(content),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opPutEvent, "insert_failed", err, zap.String(fieldGroupKey, key))
		return newStoreError(opPutEvent, "insert_failed", err)
	}
	return nil
}

// GetEvents returns every event for the group with timestamp at or after
// since, in chronological replay order.
func (s *Store) GetEvents(ctx context.Context, key string, since int64) ([]Record, error) {
	var rows []EventRecord
	if err := s.db.WithContext(ctx).
		Where(queryGroupSince, key, since).
		Order(orderTimestampUp).
		Find(&rows).Error; err != nil {
		s.logError(opGetEvents, "query_failed", err, zap.String(fieldGroupKey, key))
		return nil, newStoreError(opGetEvents, "query_failed", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{Content: []byte(row.Content), Timestamp: row.Timestamp})
	}
	return records, nil
}

// PutSnapshot performs the compacting snapshot write: the previous
// snapshot is removed, the new one inserted, and every event at or before
// the snapshot timestamp deleted, all inside one transaction. A crash
// mid-sequence never leaves two snapshots or a snapshot newer than
// retained events.
func (s *Store) PutSnapshot(ctx context.Context, key string, timestamp int64, content []byte) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryGroupKey, key).Delete(&SnapshotRecord{}).Error; err != nil {
			return newStoreError(opPutSnapshot, "delete_previous_failed", err)
		}
		record := SnapshotRecord{
			GroupKey:  key,
			Timestamp: timestamp,
			Content:   string(content),
		}
		if err := tx.Create(&record).Error; err != nil {
			return newStoreError(opPutSnapshot, "insert_failed", err)
		}
		if err := tx.Where(queryGroupUpTo, key, timestamp).Delete(&EventRecord{}).Error; err != nil {
			return newStoreError(opPutSnapshot, "compact_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPutSnapshot, "transaction_failed", txErr, zap.String(fieldGroupKey, key))
		return txErr
	}
	return nil
}

// GetSnapshot returns the group's snapshot when its timestamp is at or
// after since. An older snapshot is useless to the caller and is omitted
// rather than returned stale.
func (s *Store) GetSnapshot(ctx context.Context, key string, since int64) (*Record, error) {
	var row SnapshotRecord
	err := s.db.WithContext(ctx).
		Where(queryGroupKey, key).
		Order("timestamp DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetSnapshot, "query_failed", err, zap.String(fieldGroupKey, key))
		return nil, newStoreError(opGetSnapshot, "query_failed", err)
	}
	if row.Timestamp < since {
		return nil, nil
	}
	return &Record{Content: []byte(row.Content), Timestamp: row.Timestamp}, nil
}

// Fetch reads the group's snapshot and trailing events in one
// transaction. A concurrent compacting write is therefore either fully
// visible (snapshot present, covered events gone) or not at all; the two
// reads can never straddle it.
func (s *Store) Fetch(ctx context.Context, key string, since int64) (*Record, []Record, error) {
	var snapshot *Record
	var events []Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SnapshotRecord
		err := tx.Where(queryGroupKey, key).
			Order("timestamp DESC").
			Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return newStoreError(opFetch, "snapshot_query_failed", err)
		case row.Timestamp >= since:
			snapshot = &Record{Content: []byte(row.Content), Timestamp: row.Timestamp}
		}

		var rows []EventRecord
		if err := tx.Where(queryGroupSince, key, since).
			Order(orderTimestampUp).
			Find(&rows).Error; err != nil {
			return newStoreError(opFetch, "events_query_failed", err)
		}
		events = make([]Record, 0, len(rows))
		for _, eventRow := range rows {
			events = append(events, Record{Content: []byte(eventRow.Content), Timestamp: eventRow.Timestamp})
		}
		return nil
	})
	if txErr != nil {
		s.logError(opFetch, "transaction_failed", txErr, zap.String(fieldGroupKey, key))
		return nil, nil, txErr
	}
	return snapshot, events, nil
}

// PurgeAll removes every stored row. It refuses to run unless the store
// was built for the test environment.
func (s *Store) PurgeAll(ctx context.Context) error {
	if !s.allowPurge {
		return ErrPurgeForbidden
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&EventRecord{}, &SnapshotRecord{}, &GroupKeyRecord{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return newStoreError(opPurgeAll, "delete_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPurgeAll, "transaction_failed", txErr)
		return txErr
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
