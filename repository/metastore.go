package repository

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"dcap"
)

// ReplicaInfo is what the pool remembers about a replica between transfers.
type ReplicaInfo struct {
	ID               dcap.ReplicaID
	Size             int64
	ClientChecksum   string // as asserted by the last writer, "<type>:<hex>"
	ComputedChecksum string // as digested by the mover while writing
	Modified         time.Time
}

// MetaStore persists ReplicaInfo records in LevelDB, keyed by replica id.
type MetaStore struct {
	filename string
	db       *leveldb.DB
	quitLock sync.Mutex
}

func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		Filter:                 filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open metadata %s", path)
	}
	return &MetaStore{filename: path, db: db}, nil
}

func (m *MetaStore) Get(id dcap.ReplicaID) (ReplicaInfo, bool, error) {
	var info ReplicaInfo
	data, err := m.db.Get([]byte(id), nil)
	if err == leveldb.ErrNotFound {
		return info, false, nil
	}
	if err != nil {
		return info, false, err
	}
	err = gob.NewDecoder(bytes.NewReader(data)).Decode(&info)
	return info, err == nil, err
}

func (m *MetaStore) Put(info ReplicaInfo) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		return err
	}
	return m.db.Put([]byte(info.ID), buf.Bytes(), nil)
}

func (m *MetaStore) Delete(id dcap.ReplicaID) error {
	return m.db.Delete([]byte(id), nil)
}

// ForEach calls fn for every record in key order and stops at the first
// error.
func (m *MetaStore) ForEach(fn func(ReplicaInfo) error) error {
	it := m.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		var info ReplicaInfo
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&info); err != nil {
			return errors.Wrapf(err, "decode record %q", it.Key())
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return it.Error()
}

func (m *MetaStore) Close() error {
	m.quitLock.Lock()
	defer m.quitLock.Unlock()

	if m.db == nil {
		return nil
	}
	db := m.db
	m.db = nil
	return db.Close()
}
