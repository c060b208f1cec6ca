package validity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/types"
)

type Status int

const (
	Scheduled Status = iota
	Checking
	Correct
	Dirty
)

func (s Status) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Checking:
		return "checking"
	case Correct:
		return "correct"
	case Dirty:
		return "dirty"
	}
	return "unknown"
}

// Record is the outcome of challenging one partner holding one chunk.
type Record struct {
	ChunkName   types.ChunkName
	Partner     types.PeerID
	LastChecked time.Time
	Status      Status
}

// RecordStore persists records in the vault database.
type RecordStore struct {
	bucket *kvstore.Bucket
}

func NewRecordStore(bucket *kvstore.Bucket) *RecordStore {
	return &RecordStore{bucket: bucket}
}

func recordKey(name types.ChunkName, partner types.PeerID) string {
	return string(name) + "/" + string(partner)
}

func (s *RecordStore) Put(rec Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode validity record: %w", err)
	}
	return s.bucket.Put(recordKey(rec.ChunkName, rec.Partner), data)
}

func (s *RecordStore) Get(name types.ChunkName, partner types.PeerID) (Record, error) {
	data, err := s.bucket.Get(recordKey(name, partner))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: corrupt validity record: %v", types.ErrLocalStorage, err)
	}
	return rec, nil
}

// Ensure creates a Scheduled record unless one exists.
func (s *RecordStore) Ensure(name types.ChunkName, partner types.PeerID) error {
	_, err := s.Get(name, partner)
	if errors.Is(err, types.ErrNotFound) {
		return s.Put(Record{ChunkName: name, Partner: partner, Status: Scheduled})
	}
	return err
}

func (s *RecordStore) Delete(name types.ChunkName, partner types.PeerID) error {
	return s.bucket.Delete(recordKey(name, partner))
}

// All returns every record ordered by chunk then partner.
func (s *RecordStore) All() ([]Record, error) {
	var out []Record
	err := s.bucket.ForEach(func(k string, v []byte) error {
		var rec Record
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("%w: corrupt validity record %s: %v", types.ErrLocalStorage, k, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ForChunk returns the records for one chunk.
func (s *RecordStore) ForChunk(name types.ChunkName) ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.ChunkName == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DropChunk removes every record for name.
func (s *RecordStore) DropChunk(name types.ChunkName) error {
	recs, err := s.ForChunk(name)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.Delete(name, rec.Partner); err != nil {
			return err
		}
	}
	return nil
}

// Due picks, for each chunk, the partner checked longest ago, provided that
// check is older than minAge. Records being checked are skipped. Dirty
// partners are challenged again once minAge has passed.
func (s *RecordStore) Due(now time.Time, minAge time.Duration) ([]Record, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	oldest := make(map[types.ChunkName]Record)
	for _, rec := range all {
		if rec.Status == Checking {
			continue
		}
		if !rec.LastChecked.IsZero() && now.Sub(rec.LastChecked) < minAge {
			continue
		}
		cur, ok := oldest[rec.ChunkName]
		if !ok || rec.LastChecked.Before(cur.LastChecked) {
			oldest[rec.ChunkName] = rec
		}
	}
	out := make([]Record, 0, len(oldest))
	for _, rec := range oldest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(string(out[i].ChunkName), string(out[j].ChunkName)) < 0
	})
	return out, nil
}
