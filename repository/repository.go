package repository

import (
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/util"
)

const (
	dataDir = "data"
	metaDir = "meta"
)

// Repository holds the replicas of one pool: data files under root/data
// and their records in root/meta. At most one channel per replica may be
// open for writing.
type Repository struct {
	root    string
	meta    *MetaStore
	writers util.ArraySet[dcap.ReplicaID]
}

// Open creates the directory layout if necessary and drops records whose
// data file has disappeared.
func Open(root string) (*Repository, error) {
	for _, d := range []string{root, path.Join(root, dataDir)} {
		info, err := os.Stat(d)
		if err != nil {
			log.Infof("%s not found, creating...", d)
			if err := os.MkdirAll(d, 0755); err != nil {
				return nil, errors.Wrapf(err, "create %s", d)
			}
		} else if !info.IsDir() {
			return nil, errors.Errorf("%s is not a directory", d)
		}
	}
	meta, err := OpenMetaStore(path.Join(root, metaDir))
	if err != nil {
		return nil, err
	}
	r := &Repository{root: root, meta: meta}

	// check if the replica files exist
	var stale []dcap.ReplicaID
	err = meta.ForEach(func(info ReplicaInfo) error {
		if _, err := os.Stat(r.dataPath(info.ID)); err != nil {
			log.Warnf("replica %v not found", info.ID)
			stale = append(stale, info.ID)
		}
		return nil
	})
	if err != nil {
		meta.Close()
		return nil, err
	}
	for _, id := range stale {
		meta.Delete(id)
	}
	return r, nil
}

func (r *Repository) dataPath(id dcap.ReplicaID) string {
	return path.Join(r.root, dataDir, string(id))
}

// OpenChannel opens the replica's data. Write mode creates the replica if
// needed and fails with dcap.ErrReplicaBusy while another writer holds it.
func (r *Repository) OpenChannel(id dcap.ReplicaID, mode dcap.IoMode) (Channel, error) {
	if !id.Valid() {
		return nil, errors.Errorf("invalid replica id %q", id)
	}
	if mode != dcap.ModeWrite {
		return OpenFile(r.dataPath(id), mode)
	}
	if !r.writers.Add(id) {
		return nil, errors.Wrapf(dcap.ErrReplicaBusy, "%v", id)
	}
	c, err := OpenFile(r.dataPath(id), mode)
	if err != nil {
		r.writers.Delete(id)
		return nil, err
	}
	return &exclusiveChannel{FileChannel: c, release: func() { r.writers.Delete(id) }}, nil
}

// exclusiveChannel gives up the replica's write slot when closed.
type exclusiveChannel struct {
	*FileChannel
	once    sync.Once
	release func()
}

func (c *exclusiveChannel) Close() error {
	err := c.FileChannel.Close()
	c.once.Do(c.release)
	return err
}

func (r *Repository) Writing(id dcap.ReplicaID) bool {
	return r.writers.Contains(id)
}

// Info returns the stored record, with the size taken from disk.
func (r *Repository) Info(id dcap.ReplicaID) (ReplicaInfo, error) {
	st, err := os.Stat(r.dataPath(id))
	if err != nil {
		return ReplicaInfo{}, err
	}
	info, ok, err := r.meta.Get(id)
	if err != nil {
		return ReplicaInfo{}, err
	}
	if !ok {
		info = ReplicaInfo{ID: id, Modified: st.ModTime()}
	}
	info.Size = st.Size()
	return info, nil
}

func (r *Repository) Update(info ReplicaInfo) error {
	if info.Modified.IsZero() {
		info.Modified = time.Now()
	}
	return r.meta.Put(info)
}

// List returns every replica present in the data directory.
func (r *Repository) List() ([]ReplicaInfo, error) {
	entries, err := os.ReadDir(path.Join(r.root, dataDir))
	if err != nil {
		return nil, err
	}
	var infos []ReplicaInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := r.Info(dcap.ReplicaID(e.Name()))
		if err != nil {
			log.Warnf("skip replica %s: %v", e.Name(), err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// TotalSize is the space taken by all replicas.
func (r *Repository) TotalSize() (int64, error) {
	infos, err := r.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, i := range infos {
		total += i.Size
	}
	return total, nil
}

func (r *Repository) Close() error {
	return r.meta.Close()
}
