package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	journalBucket  = "journal"
	journalTimeout = 2 * time.Second

	DefaultMaxRecords = 10000
)

// Kind 审计记录类型
type Kind string

const (
	KindAlert      Kind = "alert"
	KindQuarantine Kind = "quarantine"
	KindResponse   Kind = "response"
	KindRestore    Kind = "restore"
)

// Record 审计记录
type Record struct {
	Seq  uint64          `json:"seq"`
	Kind Kind            `json:"kind"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Journal 基于 bbolt 的只追加审计日志
// 每次操作单独打开数据库，命令行可以在探针运行时读取
type Journal struct {
	path       string
	maxRecords int
	mu         sync.Mutex
}

func NewJournal(path string, maxRecords int) *Journal {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Journal{path: path, maxRecords: maxRecords}
}

// Path 数据库路径
func (j *Journal) Path() string {
	return j.path
}

// Append 追加一条记录，超出上限时删除最旧的记录
func (j *Journal) Append(kind Kind, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	db, err := j.openDB(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(journalBucket))
		if err != nil {
			return fmt.Errorf("创建审计桶失败: %w", err)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("获取审计序列失败: %w", err)
		}

		payload, err := json.Marshal(Record{
			Seq:  seq,
			Kind: kind,
			Time: time.Now().UnixMilli(),
			Data: data,
		})
		if err != nil {
			return fmt.Errorf("序列化审计记录失败: %w", err)
		}

		if err := bucket.Put(seqKey(seq), payload); err != nil {
			return fmt.Errorf("写入审计记录失败: %w", err)
		}

		// 序列号连续且只从头部删除，低于 floor 的都是过期记录
		if seq <= uint64(j.maxRecords) {
			return nil
		}
		floor := seqKey(seq - uint64(j.maxRecords) + 1)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytes.Compare(k, floor) < 0; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("删除过期审计记录失败: %w", err)
			}
		}
		return nil
	})
}

// Recent 按时间倒序返回最近 n 条记录，kinds 为空表示全部类型
func (j *Journal) Recent(n int, kinds ...Kind) ([]Record, error) {
	if _, err := os.Stat(j.path); err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	db, err := j.openDB(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	filter := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		filter[k] = struct{}{}
	}

	records := make([]Record, 0)
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(journalBucket))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if n > 0 && len(records) >= n {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if len(filter) > 0 {
				if _, ok := filter[r.Kind]; !ok {
					continue
				}
			}
			records = append(records, r)
		}
		return nil
	})
	return records, err
}

func (j *Journal) openDB(readOnly bool) (*bolt.DB, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
			return nil, fmt.Errorf("创建审计目录失败: %w", err)
		}
	}

	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: journalTimeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("打开审计数据库失败: %w", err)
	}
	return db, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
