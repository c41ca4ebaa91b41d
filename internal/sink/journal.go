package sink

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Journal appends every payload to a local bbolt file, keyed by a
// monotonically increasing sequence number.
type Journal struct {
	db *bbolt.DB
}

// Entry is one journaled payload.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Recorded time.Time       `json:"recorded"`
	Payload  json.RawMessage `json:"payload"`
}

type journalRecord struct {
	Recorded time.Time `json:"recorded"`
	Payload  string    `json:"payload"`
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Send implements Sink.
func (j *Journal) Send(_ context.Context, payload string) error {
	rec, err := json.Marshal(journalRecord{Recorded: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}

	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), rec)
	})
	if err != nil {
		return &DeliveryError{Sink: "journal", Payload: payload, Err: err}
	}
	return nil
}

// Entries returns up to limit entries with a sequence greater than after,
// oldest first. A limit of zero or less returns everything.
func (j *Journal) Entries(after uint64, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var rec journalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, Entry{
				Seq:      binary.BigEndian.Uint64(k),
				Recorded: rec.Recorded,
				Payload:  rawPayload(rec.Payload),
			})
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// Len returns the number of journaled events.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// Close implements Sink.
func (j *Journal) Close() error {
	return j.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func rawPayload(p string) json.RawMessage {
	if json.Valid([]byte(p)) {
		return json.RawMessage(p)
	}
	quoted, _ := json.Marshal(p)
	return quoted
}
