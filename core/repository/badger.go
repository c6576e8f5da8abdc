package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/errors"
)

// BadgerConfig holds configuration for the embedded badger backend
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM, for tests and ephemeral runs.
	InMemory bool

	SyncWrites bool

	// GCInterval is how often the value log is garbage collected; 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64

	// Logger receives badger's internal logs. Nil silences them.
	Logger logrus.FieldLogger
}

// InMemoryBadgerConfig returns a configuration suited for tests
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

const conflictRetries = 8

// key layout, NUL separated:
//
//	r <ns> <id>        -> badgerRecord
//	i <ns> <seq>       -> id   (insertion order index)
//	l <list> <seq>     -> item
var (
	sequenceKey = []byte("m\x00seq")
)

type badgerRecord struct {
	Seq   uint64     `json:"seq"`
	Attrs Attributes `json:"attrs"`
}

// BadgerStore is the embedded Store backend
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	stopGC chan struct{}
	gcDone sync.WaitGroup
}

// OpenBadger opens a badger database with the given configuration
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.InvalidArgument("store", "badger path is required unless in_memory is set")
	}

	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger.WithField("component", "badger"))
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.StoreUnavailable("store", "open badger", err)
	}

	seq, err := db.GetSequence(sequenceKey, 1000)
	if err != nil {
		db.Close()
		return nil, errors.StoreUnavailable("store", "badger sequence", err)
	}

	s := &BadgerStore{db: db, seq: seq, stopGC: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gcDone.Add(1)
		go s.runGC(cfg.GCInterval, ratio)
	}

	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer s.gcDone.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// rewrite until there is nothing left worth collecting
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

// Close stops the GC loop, releases the sequence and closes the database
func (s *BadgerStore) Close() error {
	close(s.stopGC)
	s.gcDone.Wait()

	seqErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return err
	}
	return seqErr
}

func recordKey(ns Namespace, id string) []byte {
	return []byte("r\x00" + string(ns) + "\x00" + id)
}

func indexPrefix(ns Namespace) []byte {
	return []byte("i\x00" + string(ns) + "\x00")
}

func indexKey(ns Namespace, seq uint64) []byte {
	return append(indexPrefix(ns), []byte(fmt.Sprintf("%020d", seq))...)
}

func listPrefix(list string) []byte {
	return []byte("l\x00" + list + "\x00")
}

func listKey(list string, seq uint64) []byte {
	return append(listPrefix(list), []byte(fmt.Sprintf("%020d", seq))...)
}

// update runs fn in a read-write transaction, retrying on conflicts
func (s *BadgerStore) update(ctx context.Context, entity string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.StoreUnavailable(entity, "update", ctxErr)
		}
		err = s.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return translateBadgerErr(entity, "update", err)
}

func (s *BadgerStore) view(ctx context.Context, entity string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(entity, "view", err)
	}
	return translateBadgerErr(entity, "view", s.db.View(fn))
}

func getRecord(txn *badger.Txn, ns Namespace, id string) (*badgerRecord, error) {
	item, err := txn.Get(recordKey(ns, id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.NotFound(string(ns), fmt.Sprintf("%s (%s) not found", ns, id))
	}
	if err != nil {
		return nil, err
	}

	var rec badgerRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.Attrs == nil {
		rec.Attrs = Attributes{}
	}
	return &rec, nil
}

func setRecord(txn *badger.Txn, ns Namespace, id string, rec *badgerRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(ns, id), val)
}

// Insert creates a record
func (s *BadgerStore) Insert(ctx context.Context, ns Namespace, id string, attrs Attributes) error {
	return s.update(ctx, string(ns), func(txn *badger.Txn) error {
		_, err := getRecord(txn, ns, id)
		if err == nil {
			return errors.AlreadyExists(string(ns), fmt.Sprintf("%s (%s) already exists", ns, id))
		}
		if !errors.IsNotFound(err) {
			return err
		}

		seq, err := s.seq.Next()
		if err != nil {
			return err
		}
		if err := setRecord(txn, ns, id, &badgerRecord{Seq: seq, Attrs: copyAttrs(attrs)}); err != nil {
			return err
		}
		return txn.Set(indexKey(ns, seq), []byte(id))
	})
}

// Get returns a record's attributes
func (s *BadgerStore) Get(ctx context.Context, ns Namespace, id string) (Attributes, error) {
	var attrs Attributes
	err := s.view(ctx, string(ns), func(txn *badger.Txn) error {
		rec, err := getRecord(txn, ns, id)
		if err != nil {
			return err
		}
		attrs = rec.Attrs
		return nil
	})
	return attrs, err
}

// Patch merges attrs into an existing record
func (s *BadgerStore) Patch(ctx context.Context, ns Namespace, id string, attrs Attributes) error {
	return s.update(ctx, string(ns), func(txn *badger.Txn) error {
		rec, err := getRecord(txn, ns, id)
		if err != nil {
			return err
		}
		for k, v := range attrs {
			rec.Attrs[k] = v
		}
		return setRecord(txn, ns, id, rec)
	})
}

// Delete removes a record and its index entry
func (s *BadgerStore) Delete(ctx context.Context, ns Namespace, id string) error {
	return s.update(ctx, string(ns), func(txn *badger.Txn) error {
		rec, err := getRecord(txn, ns, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(recordKey(ns, id)); err != nil {
			return err
		}
		return txn.Delete(indexKey(ns, rec.Seq))
	})
}

// List returns a page of records in insertion order
func (s *BadgerStore) List(ctx context.Context, ns Namespace, offset, limit int) ([]Record, error) {
	records := []Record{}
	err := s.view(ctx, string(ns), func(txn *badger.Txn) error {
		prefix := indexPrefix(ns)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		var ids []string
		skipped := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(ids) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(val))
		}

		for _, id := range ids {
			rec, err := getRecord(txn, ns, id)
			if err != nil {
				return err
			}
			records = append(records, Record{ID: id, Attrs: rec.Attrs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of records in a namespace
func (s *BadgerStore) Count(ctx context.Context, ns Namespace) (int, error) {
	count := 0
	err := s.view(ctx, string(ns), func(txn *badger.Txn) error {
		count = countPrefix(txn, indexPrefix(ns))
		return nil
	})
	return count, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// ListAppend adds item at the end of list
func (s *BadgerStore) ListAppend(ctx context.Context, list, item string) error {
	return s.update(ctx, "list", func(txn *badger.Txn) error {
		seq, err := s.seq.Next()
		if err != nil {
			return err
		}
		return txn.Set(listKey(list, seq), []byte(item))
	})
}

type listEntry struct {
	key  []byte
	item string
}

func listEntries(txn *badger.Txn, list string) ([]listEntry, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: listPrefix(list), PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	entries := []listEntry{}
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, listEntry{key: item.KeyCopy(nil), item: string(val)})
	}
	return entries, nil
}

// ListItems returns the items of list in order
func (s *BadgerStore) ListItems(ctx context.Context, list string) ([]string, error) {
	var items []string
	err := s.view(ctx, "list", func(txn *badger.Txn) error {
		entries, err := listEntries(txn, list)
		if err != nil {
			return err
		}
		items = make([]string, len(entries))
		for i, e := range entries {
			items[i] = e.item
		}
		return nil
	})
	return items, err
}

// ListRemove deletes the first occurrence of item from list
func (s *BadgerStore) ListRemove(ctx context.Context, list, item string) (bool, error) {
	removed := false
	err := s.update(ctx, "list", func(txn *badger.Txn) error {
		removed = false
		entries, err := listEntries(txn, list)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.item == item {
				removed = true
				return txn.Delete(e.key)
			}
		}
		return nil
	})
	return removed, err
}

// ListLen returns the number of items in list
func (s *BadgerStore) ListLen(ctx context.Context, list string) (int, error) {
	count := 0
	err := s.view(ctx, "list", func(txn *badger.Txn) error {
		count = countPrefix(txn, listPrefix(list))
		return nil
	})
	return count, err
}

// ListClear deletes every item of list and returns them in order
func (s *BadgerStore) ListClear(ctx context.Context, list string) ([]string, error) {
	var items []string
	err := s.update(ctx, "list", func(txn *badger.Txn) error {
		entries, err := listEntries(txn, list)
		if err != nil {
			return err
		}
		items = make([]string, len(entries))
		for i, e := range entries {
			items[i] = e.item
			if err := txn.Delete(e.key); err != nil {
				return err
			}
		}
		return nil
	})
	return items, err
}

func translateBadgerErr(entity, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		return err
	}
	if stderrors.Is(err, badger.ErrDBClosed) || stderrors.Is(err, badger.ErrConflict) {
		return errors.StoreUnavailable(entity, op, err)
	}
	return errors.Internal(entity, op, err)
}
