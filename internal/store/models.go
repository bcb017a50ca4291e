package store

// GroupKeyRecord stores a registered group credential. Keys are opaque
// bearer tokens; once registered they are never reused or mutated.
type GroupKeyRecord struct {
	Value string `gorm:"column:value;primaryKey;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GroupKeyRecord) TableName() string {
	return "group_keys"
}

// EventRecord stores one append-only mutation payload for a group.
type EventRecord struct {
	EventID   int64  `gorm:"column:event_id;primaryKey;autoIncrement"`
	GroupKey  string `gorm:"column:group_key;size:64;not null;index:idx_events_group_time,priority:1"`
	Timestamp int64  `gorm:"column:timestamp;not null;index:idx_events_group_time,priority:2"`
	Content   string `gorm:"column:content;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "events"
}

// SnapshotRecord stores a full-state checkpoint for a group. The
// compacting write keeps at most one row per group key.
type SnapshotRecord struct {
	SnapshotID int64  `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	GroupKey   string `gorm:"column:group_key;size:64;not null;index:idx_snapshots_group"`
	Timestamp  int64  `gorm:"column:timestamp;not null"`
	Content    string `gorm:"column:content;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "snapshots"
}
