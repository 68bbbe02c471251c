package device

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/internal/protocol"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS offline_queue (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_queue_category
	ON offline_queue (category, priority, created_at);
`

// Queue is the device's persistent offline queue. It is only touched
// from the device event loop, so operations need no locking beyond
// what sqlite provides.
type Queue struct {
	db *sql.DB
}

// OpenQueue opens (and if needed creates) the queue database at path.
func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) enqueue(id string, category entities.OfflineCategory, payload interface{}, priority int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	_, err = q.db.Exec(
		`INSERT OR IGNORE INTO offline_queue (id, category, payload, priority, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(category), string(data), priority, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s item: %w", category, err)
	}
	return nil
}

// EnqueueConversation queues an offline conversation turn.
func (q *Queue) EnqueueConversation(c protocol.SyncConversation) error {
	return q.enqueue(c.ConversationID, entities.OfflineConversation, c, 0)
}

// EnqueueEvent queues a safety/moderation event with elevated
// priority.
func (q *Queue) EnqueueEvent(item protocol.SyncOfflineItem) error {
	return q.enqueue(item.ID, entities.OfflineEvent, item, item.Priority)
}

// EnqueueMetric queues a usage metric.
func (q *Queue) EnqueueMetric(m protocol.SyncMetric) error {
	return q.enqueue(m.ID, entities.OfflineMetric, m, 0)
}

// Pending returns the total number of queued items.
func (q *Queue) Pending() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// BuildBatch assembles one sync batch from everything queued,
// oldest-priority-first within each category. Categories in omit are
// left queued and excluded from the batch.
func (q *Queue) BuildBatch(deviceID string, omit map[string]bool) (*protocol.SyncBatchPayload, error) {
	batch := &protocol.SyncBatchPayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        deviceID,
		Conversations:   []protocol.SyncConversation{},
		Offline:         []protocol.SyncOfflineItem{},
		Metrics:         []protocol.SyncMetric{},
		Timestamp:       time.Now().UnixMilli(),
	}

	rows, err := q.db.Query(
		`SELECT category, payload FROM offline_queue ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, payload string
		if err := rows.Scan(&category, &payload); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		switch entities.OfflineCategory(category) {
		case entities.OfflineConversation:
			if omit[protocol.SyncCategoryConversations] {
				continue
			}
			var c protocol.SyncConversation
			if err := json.Unmarshal([]byte(payload), &c); err != nil {
				continue
			}
			batch.Conversations = append(batch.Conversations, c)
		case entities.OfflineEvent:
			if omit[protocol.SyncCategoryOffline] {
				continue
			}
			var item protocol.SyncOfflineItem
			if err := json.Unmarshal([]byte(payload), &item); err != nil {
				continue
			}
			batch.Offline = append(batch.Offline, item)
		case entities.OfflineMetric:
			if omit[protocol.SyncCategoryMetrics] {
				continue
			}
			var m protocol.SyncMetric
			if err := json.Unmarshal([]byte(payload), &m); err != nil {
				continue
			}
			batch.Metrics = append(batch.Metrics, m)
		}
	}
	return batch, rows.Err()
}

// PurgeCategory deletes all queued items of one sync category. Called
// only after the gateway acknowledged the category.
func (q *Queue) PurgeCategory(category string) error {
	var dbCategory entities.OfflineCategory
	switch category {
	case protocol.SyncCategoryConversations:
		dbCategory = entities.OfflineConversation
	case protocol.SyncCategoryOffline:
		dbCategory = entities.OfflineEvent
	case protocol.SyncCategoryMetrics:
		dbCategory = entities.OfflineMetric
	default:
		return fmt.Errorf("unknown sync category %q", category)
	}
	if _, err := q.db.Exec(`DELETE FROM offline_queue WHERE category = ?`, string(dbCategory)); err != nil {
		return fmt.Errorf("purge %s: %w", category, err)
	}
	return nil
}
