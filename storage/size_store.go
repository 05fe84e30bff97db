package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	runPrefix  = "run/"
	sizePrefix = "size/"
)

// SizeStore keeps code-size measurements per run in LevelDB, so a report
// can compare runs across commits.
// Thread-safe: LevelDB handles its own synchronization.
type SizeStore struct {
	db *leveldb.DB
}

// Run describes one pipeline invocation.
type Run struct {
	ID      string    `json:"id"`
	Commit  string    `json:"commit"`
	Profile string    `json:"profile"`
	Started time.Time `json:"started"`
}

// SizeEntry is one function measured by one pass in one run.
type SizeEntry struct {
	Run  string `json:"run"`
	Pass string `json:"pass"`
	Func string `json:"func"`
	Old  int    `json:"old"`
	New  int    `json:"new"`
}

// NewSizeStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewSizeStore(path string) (*SizeStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open size history at %s: %w", path, err)
	}
	return &SizeStore{db: db}, nil
}

// NewRunID orders lexically by start time.
func NewRunID(started time.Time) string {
	return fmt.Sprintf("%020d", started.UnixNano())
}

func (s *SizeStore) BeginRun(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(runPrefix+run.ID), data, nil)
}

func sizeKey(e SizeEntry) []byte {
	return []byte(sizePrefix + e.Run + "/" + e.Pass + "/" + e.Func)
}

// PutSizes writes the entries in one batch.
func (s *SizeStore) PutSizes(entries []SizeEntry) error {
	batch := new(leveldb.Batch)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(sizeKey(e), data)
	}
	return s.db.Write(batch, nil)
}

// Runs returns every run, oldest first.
func (s *SizeStore) Runs() ([]Run, error) {
	var out []Run
	err := s.scan(runPrefix, func(v []byte) error {
		var r Run
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Sizes returns a run's entries ordered by pass, then function.
func (s *SizeStore) Sizes(runID string) ([]SizeEntry, error) {
	return s.entries(sizePrefix+runID+"/", nil)
}

// History returns fn's entries across every run, oldest first.
func (s *SizeStore) History(fn string) ([]SizeEntry, error) {
	return s.entries(sizePrefix, func(e SizeEntry) bool { return e.Func == fn })
}

func (s *SizeStore) entries(prefix string, keep func(SizeEntry) bool) ([]SizeEntry, error) {
	var out []SizeEntry
	err := s.scan(prefix, func(v []byte) error {
		var e SizeEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *SizeStore) scan(prefix string, fn func(v []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("scan %s: key %s: %w", strings.TrimSuffix(prefix, "/"), iter.Key(), err)
		}
	}
	return iter.Error()
}

func (s *SizeStore) Close() error {
	return s.db.Close()
}
