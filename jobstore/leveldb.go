package jobstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	preJob      = "job:"
	preStatus   = "status:"
	preEvent    = "event:"
	keyEventSeq = "sequence:EVENT"
)

// LevelDB stores job records as JSON values under key prefixes with a
// secondary status index, same layout idea as the leveldb driver this store
// descends from.
type LevelDB struct {
	db *leveldb.DB
	mu sync.Mutex
}

func OpenLevelDB(path string) (*LevelDB, error) {
	var db *leveldb.DB
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		db, err = leveldb.RecoverFile(path, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func jobKey(uuid string) []byte {
	return []byte(preJob + uuid)
}

func statusKey(status, uuid string) []byte {
	return []byte(preStatus + status + ":" + uuid)
}

func eventKey(uuid string, seq uint64) []byte {
	key := make([]byte, 0, len(preEvent)+len(uuid)+9)
	key = append(key, []byte(preEvent+uuid+":")...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(key, seqBuf[:]...)
}

func (l *LevelDB) AddJob(job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if job.Status == "" {
		job.Status = StatusNew
	}
	normalizeJob(&job)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("leveldb add job: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(jobKey(job.UUID), data)
	batch.Put(statusKey(job.Status, job.UUID), []byte(job.UUID))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) UpdateJob(uuid string, upd JobUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, err := l.get(uuid)
	if err != nil {
		return err
	}
	oldStatus := job.Status
	applyUpdate(&job, upd)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("leveldb update job: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(jobKey(uuid), data)
	if job.Status != oldStatus {
		batch.Delete(statusKey(oldStatus, uuid))
		batch.Put(statusKey(job.Status, uuid), []byte(uuid))
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDB) get(uuid string) (Job, error) {
	data, err := l.db.Get(jobKey(uuid), nil)
	if err == leveldb.ErrNotFound {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("leveldb get job %s: %w", uuid, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("leveldb decode job %s: %w", uuid, err)
	}
	return job, nil
}

func (l *LevelDB) GetJob(uuid string) (Job, error) {
	return l.get(uuid)
}

func (l *LevelDB) FetchJobs(statuses []string, limit int) ([]Job, error) {
	var jobs []Job
	for _, status := range statuses {
		iter := l.db.NewIterator(util.BytesPrefix([]byte(preStatus+status+":")), nil)
		for iter.Next() {
			job, err := l.get(string(iter.Value()))
			if err == ErrNotFound {
				continue // stale index entry
			}
			if err != nil {
				iter.Release()
				return nil, err
			}
			jobs = append(jobs, job)
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("leveldb fetch jobs: %w", err)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (l *LevelDB) DeleteJob(uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, err := l.get(uuid)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(jobKey(uuid))
	batch.Delete(statusKey(job.Status, uuid))
	// cascade events
	iter := l.db.NewIterator(util.BytesPrefix([]byte(preEvent+uuid+":")), nil)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	return l.db.Write(batch, nil)
}

func (l *LevelDB) AddEvent(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(1)
	if data, err := l.db.Get([]byte(keyEventSeq), nil); err == nil {
		seq = binary.BigEndian.Uint64(data) + 1
	}
	ev.ID = int64(seq)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("leveldb add event: %w", err)
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	batch := new(leveldb.Batch)
	batch.Put([]byte(keyEventSeq), seqBuf[:])
	batch.Put(eventKey(ev.JobUUID, seq), data)
	return l.db.Write(batch, nil)
}

func (l *LevelDB) GetEvents(jobUUID string) ([]Event, error) {
	var events []Event
	iter := l.db.NewIterator(util.BytesPrefix([]byte(preEvent+jobUUID+":")), nil)
	defer iter.Release()
	for iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("leveldb decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb get events: %w", err)
	}
	return events, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func normalizeJob(job *Job) {
	if job.Args == nil {
		job.Args = []any{}
	}
	if job.Kwargs == nil {
		job.Kwargs = map[string]any{}
	}
	if job.Errors == nil {
		job.Errors = []string{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = nowFunc()
	}
	if job.ReceivedTimestamp == "" {
		job.ReceivedTimestamp = nowFunc().Format(ansic)
	}
}
