package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry is a publish the platform accepted but the store never recorded.
type Entry struct {
	SubscriberID   string    `json:"subscriberId"`
	PostID         string    `json:"postId"`
	PlatformPostID string    `json:"platformPostId"`
	PublishedAt    time.Time `json:"publishedAt"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	JournaledAt    time.Time `json:"journaledAt"`
}

// Journal stores unrecorded publishes until Reconcile applies them.
type Journal interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, postID string) error
}

const journalPrefix = "reconcile/"

func journalKey(postID string) []byte {
	return []byte(journalPrefix + postID)
}

// JournalConfig controls where the badger journal lives.
type JournalConfig struct {
	Path     string
	InMemory bool
}

// BadgerJournal keys entries by post id, so appending twice for the same post
// overwrites rather than duplicates.
type BadgerJournal struct {
	db *badger.DB
}

func OpenJournal(cfg JournalConfig) (*BadgerJournal, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal path is required")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

func (j *BadgerJournal) Append(_ context.Context, e Entry) error {
	if e.PostID == "" || e.PlatformPostID == "" {
		return fmt.Errorf("journal entry needs post id and platform post id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(e.PostID), data)
	})
}

func (j *BadgerJournal) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(journalPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (j *BadgerJournal) Remove(_ context.Context, postID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(postID))
	})
}

var _ Journal = (*BadgerJournal)(nil)
