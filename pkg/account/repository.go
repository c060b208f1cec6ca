package account

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"vaultnet/pkg/kvstore"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// seenAmendments bounds how many amendment IDs are remembered for dedup.
const seenAmendments = 4096

// Record is one account ledger held on behalf of its owner. Charged is the
// Taken total each vault has charged, so a refund can only come from the
// vault that charged it.
type Record struct {
	Owner   types.PeerID
	Status  types.AccountStatus
	Charged map[types.PeerID]uint64 `cbor:",omitempty"`
}

// Repository stores the ledgers this vault holds for other vaults. A vault
// never holds its own ledger.
type Repository struct {
	self   types.PeerID
	bucket *kvstore.Bucket
	seen   *lru.Cache
	logger *zap.Logger

	mu    sync.Mutex
	locks map[types.PeerID]*sync.Mutex
}

func NewRepository(self types.PeerID, bucket *kvstore.Bucket, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, err := lru.New(seenAmendments)
	if err != nil {
		return nil, fmt.Errorf("failed to create amendment cache: %w", err)
	}
	return &Repository{
		self:   self,
		bucket: bucket,
		seen:   seen,
		logger: logger,
		locks:  make(map[types.PeerID]*sync.Mutex),
	}, nil
}

func (r *Repository) lock(subject types.PeerID) func() {
	r.mu.Lock()
	l, ok := r.locks[subject]
	if !ok {
		l = &sync.Mutex{}
		r.locks[subject] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Repository) checkSubject(subject types.PeerID) error {
	if subject == "" {
		return fmt.Errorf("%w: empty account owner", types.ErrInvalidRequest)
	}
	if subject == r.self {
		return fmt.Errorf("%w: vault %s cannot hold its own account", types.ErrPermission, subject.Short())
	}
	return nil
}

// Apply records one amendment sent by the vault by. Replayed amendment IDs
// are accepted without being applied twice.
func (r *Repository) Apply(subject, by types.PeerID, a Amendment) error {
	if err := r.checkSubject(subject); err != nil {
		return err
	}
	if err := authorize(subject, by, a); err != nil {
		return err
	}

	unlock := r.lock(subject)
	defer unlock()

	seenKey := string(subject) + "/" + a.ID
	if r.seen.Contains(seenKey) {
		return nil
	}
	err := r.bucket.Update(string(subject), func(old []byte) ([]byte, error) {
		var rec Record
		switch {
		case old == nil && !a.Create:
			return nil, fmt.Errorf("%w: no account for %s", types.ErrNotFound, subject.Short())
		case old == nil:
			rec = Record{Owner: subject}
		default:
			if err := cbor.Unmarshal(old, &rec); err != nil {
				return nil, fmt.Errorf("%w: corrupt account record: %v", types.ErrLocalStorage, err)
			}
			if a.Create && a.Field == protocol.FieldOffered && rec.Status.Offered > 0 {
				// Account already created; creation is idempotent.
				return old, nil
			}
		}
		if a.Field == protocol.FieldTaken {
			if err := charge(&rec, by, a); err != nil {
				return nil, err
			}
		}
		if err := applyAmendment(&rec.Status, a); err != nil {
			return nil, err
		}
		return cbor.Marshal(rec)
	})
	if err != nil {
		return err
	}
	r.seen.Add(seenKey, struct{}{})
	r.logger.Debug("Applied account amendment",
		zap.String("subject", subject.Short()),
		zap.String("by", by.Short()),
		zap.String("field", a.Field.String()),
		zap.Uint64("amount", a.Amount),
		zap.Bool("increase", a.Increase))
	return nil
}

// authorize lets the owner alone set what it offers and gives, and lets
// only other vaults charge or refund what it takes.
func authorize(subject, by types.PeerID, a Amendment) error {
	if by == "" {
		return fmt.Errorf("%w: amendment without sender", types.ErrPermission)
	}
	if a.Field == protocol.FieldTaken {
		if by == subject {
			return fmt.Errorf("%w: %s may not amend its own %s", types.ErrPermission, by.Short(), a.Field)
		}
		return nil
	}
	if by != subject {
		return fmt.Errorf("%w: %s may not amend %s of %s", types.ErrPermission, by.Short(), a.Field, subject.Short())
	}
	return nil
}

// charge tracks Taken per charging vault. A decrease may not exceed what
// the sender itself charged.
func charge(rec *Record, by types.PeerID, a Amendment) error {
	if rec.Charged == nil {
		rec.Charged = make(map[types.PeerID]uint64)
	}
	if a.Increase {
		rec.Charged[by] += a.Amount
		return nil
	}
	if a.Amount > rec.Charged[by] {
		return fmt.Errorf("%w: %s charged %d of %s, cannot refund %d",
			types.ErrPermission, by.Short(), rec.Charged[by], rec.Owner.Short(), a.Amount)
	}
	rec.Charged[by] -= a.Amount
	if rec.Charged[by] == 0 {
		delete(rec.Charged, by)
	}
	return nil
}

func applyAmendment(s *types.AccountStatus, a Amendment) error {
	var field *uint64
	switch a.Field {
	case protocol.FieldOffered:
		field = &s.Offered
	case protocol.FieldGiven:
		field = &s.Given
	case protocol.FieldTaken:
		field = &s.Taken
	default:
		return fmt.Errorf("%w: unknown account field %d", types.ErrInvalidRequest, a.Field)
	}
	if a.Increase {
		*field += a.Amount
		return nil
	}
	if a.Amount > *field {
		return fmt.Errorf("%w: cannot decrease %s by %d below zero", types.ErrInvalidRequest, a.Field, a.Amount)
	}
	*field -= a.Amount
	return nil
}

// Status returns the ledger held for subject.
func (r *Repository) Status(subject types.PeerID) (types.AccountStatus, error) {
	data, err := r.bucket.Get(string(subject))
	if err != nil {
		return types.AccountStatus{}, err
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return types.AccountStatus{}, fmt.Errorf("%w: corrupt account record: %v", types.ErrLocalStorage, err)
	}
	return rec.Status, nil
}

func (r *Repository) Has(subject types.PeerID) bool {
	_, err := r.bucket.Get(string(subject))
	return err == nil
}

// Put replaces the ledger status for subject, used when adopting a record
// corroborated by the rest of the group.
func (r *Repository) Put(subject types.PeerID, status types.AccountStatus) error {
	if err := r.checkSubject(subject); err != nil {
		return err
	}
	unlock := r.lock(subject)
	defer unlock()

	return r.bucket.Update(string(subject), func(old []byte) ([]byte, error) {
		rec := Record{Owner: subject}
		if old != nil {
			// Keep what this holder knows about who charged the account.
			if err := cbor.Unmarshal(old, &rec); err != nil {
				rec = Record{Owner: subject}
			}
		}
		rec.Status = status
		data, err := cbor.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode account record: %w", err)
		}
		return data, nil
	})
}

func (r *Repository) Delete(subject types.PeerID) error {
	unlock := r.lock(subject)
	defer unlock()
	if err := r.bucket.Delete(string(subject)); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

// Owners lists every account held here.
func (r *Repository) Owners() ([]types.PeerID, error) {
	var out []types.PeerID
	err := r.bucket.ForEach(func(k string, v []byte) error {
		out = append(out, types.PeerID(k))
		return nil
	})
	return out, err
}
