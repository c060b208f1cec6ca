package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vaultnet/pkg/account"
	"vaultnet/pkg/chunkinfo"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

var _ protocol.VaultService = (*Vault)(nil)

// reservationTTL bounds how long space promised by StorePrep is held.
const reservationTTL = 10 * time.Minute

type reservation struct {
	requester types.PeerID
	size      int64
	received  bool
	expires   time.Time
}

// reservations tracks space promised to requesters between StorePrep and
// IOUDone.
type reservations struct {
	mu      sync.Mutex
	byChunk map[types.ChunkName]*reservation
	now     func() time.Time
}

func newReservations() *reservations {
	return &reservations{byChunk: make(map[types.ChunkName]*reservation), now: time.Now}
}

// reserve records a promise of size bytes if available covers it and every
// other promise whose content has not arrived yet.
func (r *reservations) reserve(name types.ChunkName, requester types.PeerID, size, available int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	var pending int64
	for n, res := range r.byChunk {
		if n != name && !res.received {
			pending += res.size
		}
	}
	// A negative available means the store is unbounded.
	if available >= 0 && size > available-pending {
		return fmt.Errorf("%w: %d bytes requested, %d available", types.ErrQuota, size, available-pending)
	}
	r.byChunk[name] = &reservation{requester: requester, size: size, expires: r.now().Add(reservationTTL)}
	return nil
}

func (r *reservations) get(name types.ChunkName) (reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byChunk[name]
	if !ok || r.now().After(res.expires) {
		return reservation{}, false
	}
	return *res, true
}

func (r *reservations) markReceived(name types.ChunkName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.byChunk[name]; ok {
		res.received = true
	}
}

func (r *reservations) release(name types.ChunkName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byChunk, name)
}

// expired removes lapsed promises and returns the chunks whose content
// arrived but was never confirmed.
func (r *reservations) expired() []types.ChunkName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked()
}

func (r *reservations) expireLocked() []types.ChunkName {
	var orphaned []types.ChunkName
	now := r.now()
	for name, res := range r.byChunk {
		if now.After(res.expires) {
			if res.received {
				orphaned = append(orphaned, name)
			}
			delete(r.byChunk, name)
		}
	}
	return orphaned
}

// canDelete decides whether a watcher added with this visibility may later
// delete the chunk. Public shares are kept for every reader.
func canDelete(v types.Visibility) bool {
	return v == types.Private || v == types.PrivateShare
}

// serving rejects calls unless the vault is running.
func (v *Vault) serving() error {
	switch v.State() {
	case Starting, Started:
		return nil
	}
	return fmt.Errorf("%w: vault %s is not running", types.ErrNotStarted, v.identity.ID.Short())
}

func (v *Vault) reject(method string, err error) error {
	if v.metrics != nil {
		v.metrics.RejectedRequests.WithLabelValues(method).Inc()
	}
	v.logger.Debug("Request rejected", zap.String("method", method), zap.Error(err))
	return err
}

// isCloseTo reports whether id is among this vault's K closest contacts to key.
func (v *Vault) isCloseTo(ctx context.Context, key string, id types.PeerID) (bool, []types.Contact, error) {
	dir, err := v.directory()
	if err != nil {
		return false, nil, err
	}
	closest, err := dir.FindKClosestNodes(ctx, key)
	if err != nil {
		return false, nil, err
	}
	for _, c := range closest {
		if c.ID == id {
			return true, closest, nil
		}
	}
	return false, closest, nil
}

func (v *Vault) StorePrep(ctx context.Context, req *protocol.StorePrepRequest) (*protocol.StorePrepResponse, error) {
	const method = "StorePrep"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(string(req.ChunkName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if !req.ChunkName.Valid() || req.DataSize <= 0 {
		return nil, v.reject(method, fmt.Errorf("%w: bad chunk name or size", types.ErrInvalidRequest))
	}
	if v.holding(req.ChunkName, req.Credentials.SenderID) {
		return nil, v.reject(method, fmt.Errorf("%w: already holding %s", types.ErrDuplicateKey, req.ChunkName.Short()))
	}
	if err := v.reservations.reserve(req.ChunkName, req.Credentials.SenderID, req.DataSize, v.store.Available()); err != nil {
		return nil, v.reject(method, err)
	}

	v.logger.Debug("Space reserved",
		zap.String("chunk", req.ChunkName.Short()),
		zap.Int64("size", req.DataSize),
		zap.String("requester", req.Credentials.SenderID.Short()))
	return &protocol.StorePrepResponse{
		Authority: protocol.NewAuthority(v.identity, req.ChunkName, req.DataSize),
	}, nil
}

// holding reports whether name is stored here or is arriving for someone
// other than requester. Content left Incoming by the requester's own failed
// attempt may be stored again.
func (v *Vault) holding(name types.ChunkName, requester types.PeerID) bool {
	state, err := v.store.State(name)
	if err != nil {
		return false
	}
	switch state {
	case types.ChunkStored:
		return true
	case types.ChunkIncoming:
		res, ok := v.reservations.get(name)
		return ok && res.requester != requester
	}
	return false
}

func (v *Vault) StoreChunk(ctx context.Context, req *protocol.StoreChunkRequest) (*protocol.StoreChunkResponse, error) {
	const method = "StoreChunk"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(string(req.ChunkName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	res, ok := v.reservations.get(req.ChunkName)
	if !ok || res.requester != req.Credentials.SenderID {
		return nil, v.reject(method, fmt.Errorf("%w: no reservation for %s", types.ErrInvalidRequest, req.ChunkName.Short()))
	}
	if int64(len(req.Data)) != res.size {
		return nil, v.reject(method, fmt.Errorf("%w: got %d bytes, reserved %d", types.ErrInvalidRequest, len(req.Data), res.size))
	}
	if crypto.NameOf(req.Data) != req.ChunkName {
		return nil, v.reject(method, fmt.Errorf("%w: content does not hash to %s", types.ErrIntegrity, req.ChunkName.Short()))
	}
	if err := v.store.Put(req.ChunkName, req.Data, types.ChunkIncoming); err != nil {
		return nil, v.reject(method, err)
	}
	v.reservations.markReceived(req.ChunkName)
	v.observeStore()
	return &protocol.StoreChunkResponse{ChunkName: req.ChunkName}, nil
}

func (v *Vault) StoreIOU(ctx context.Context, req *protocol.StoreIOURequest) (*protocol.StoreIOUResponse, error) {
	const method = "StoreIOU"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	creds := req.Credentials
	if err := creds.Verify(string(req.ChunkName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	near, _, err := v.isCloseTo(ctx, string(req.ChunkName), v.identity.ID)
	if err != nil {
		return nil, v.reject(method, err)
	}
	if !near {
		return nil, v.reject(method, fmt.Errorf("%w: not a reference holder for %s", types.ErrInvalidRequest, req.ChunkName.Short()))
	}

	if req.Mode == protocol.IOUAppend {
		if creds.Anonymous() {
			return nil, v.reject(method, fmt.Errorf("%w: anonymous watchers are not recorded", types.ErrInvalidRequest))
		}
		info, err := v.chunks.GetChunkInfo(req.ChunkName)
		if err != nil {
			return nil, v.reject(method, err)
		}
		if len(info.ReferenceList) == 0 {
			return nil, v.reject(method, fmt.Errorf("%w: no confirmed copy of %s", types.ErrNotFound, req.ChunkName.Short()))
		}
		if err := v.chunks.AddWatcher(req.ChunkName, req.DataSize, creds.SenderID, canDelete(creds.Visibility)); err != nil {
			return nil, v.reject(method, err)
		}
		return &protocol.StoreIOUResponse{}, nil
	}

	iou := req.IOU
	if err := iou.Authority.Verify(req.Holder, req.ChunkName, req.DataSize); err != nil {
		return nil, v.reject(method, err)
	}
	if err := iou.VerifyRequester(); err != nil {
		return nil, v.reject(method, err)
	}
	if iou.RequesterID != creds.SenderID {
		return nil, v.reject(method, fmt.Errorf("%w: IOU requester %s did not send it", types.ErrIntegrity, iou.RequesterID.Short()))
	}

	switch req.Mode {
	case protocol.IOUStore:
		var watcher *chunkinfo.Watcher
		if !creds.Anonymous() {
			watcher = &chunkinfo.Watcher{ID: creds.SenderID, CanDelete: canDelete(creds.Visibility)}
		}
		err = v.chunks.AddWaiterWithWatcher(req.ChunkName, req.DataSize, req.Holder.ID, watcher)
	case protocol.IOUReplicate:
		err = v.chunks.AddWaiter(req.ChunkName, req.DataSize, req.Holder.ID)
	default:
		err = fmt.Errorf("%w: unknown IOU mode %d", types.ErrInvalidRequest, req.Mode)
	}
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.StoreIOUResponse{Countersignature: iou.Countersign(v.identity)}, nil
}

// IOUDone either finalises a copy this vault stores (sent by the requester)
// or confirms another vault's copy to this reference holder (sent by that
// vault).
func (v *Vault) IOUDone(ctx context.Context, req *protocol.IOUDoneRequest) (*protocol.IOUDoneResponse, error) {
	const method = "IOUDone"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(string(req.ChunkName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	var err error
	if req.Holder.ID == v.identity.ID {
		err = v.finishStore(ctx, req)
	} else {
		err = v.confirmReference(req)
	}
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.IOUDoneResponse{}, nil
}

func (v *Vault) finishStore(ctx context.Context, req *protocol.IOUDoneRequest) error {
	name := req.ChunkName
	res, ok := v.reservations.get(name)
	if !ok || !res.received || res.requester != req.Credentials.SenderID {
		return fmt.Errorf("%w: no stored content awaiting IOUs for %s", types.ErrInvalidRequest, name.Short())
	}
	iou := req.IOU
	self := v.Contact()
	if err := iou.Authority.Verify(self, name, res.size); err != nil {
		return err
	}
	if err := iou.VerifyRequester(); err != nil {
		return err
	}
	if iou.RequesterID != req.Credentials.SenderID {
		return fmt.Errorf("%w: IOU requester %s did not send it", types.ErrIntegrity, iou.RequesterID.Short())
	}

	dir, err := v.directory()
	if err != nil {
		return err
	}
	closest, err := dir.FindKClosestNodes(ctx, string(name))
	if err != nil {
		return fmt.Errorf("failed to find reference holders: %w", err)
	}
	byID := make(map[types.PeerID]types.Contact, len(closest))
	for _, c := range closest {
		byID[c.ID] = c
	}
	valid := make(map[types.PeerID]bool)
	for _, cs := range iou.Countersignatures {
		holder, ok := byID[cs.HolderID]
		if !ok || valid[cs.HolderID] {
			continue
		}
		if err := iou.VerifyCountersignature(cs, holder); err == nil {
			valid[cs.HolderID] = true
		}
	}
	if threshold := v.netCfg.StoreThreshold(); len(valid) < threshold {
		return fmt.Errorf("%w: %d valid countersignatures for %s, need %d", types.ErrQuorum, len(valid), name.Short(), threshold)
	}

	if err := v.store.MarkStored(name); err != nil {
		return err
	}
	v.reservations.release(name)
	if !iou.Anonymous() {
		if err := v.charges.Put(string(name), []byte(iou.RequesterID)); err != nil {
			v.logger.Warn("Failed to record store charge", zap.String("chunk", name.Short()), zap.Error(err))
		}
	}

	// Every reference holder is told; those that never countersigned simply
	// have no waiter to promote.
	confirm := req.IOU
	var others []types.Contact
	for _, c := range closest {
		if c.ID == v.identity.ID {
			if err := v.chunks.PromoteWaiterToReference(name, c.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
				v.logger.Warn("Failed to confirm own copy", zap.String("chunk", name.Short()), zap.Error(err))
			}
			continue
		}
		others = append(others, c)
	}
	v.fanOut(ctx, others, func(ctx context.Context, svc protocol.VaultService, holder types.Contact) error {
		_, err := svc.IOUDone(ctx, &protocol.IOUDoneRequest{
			Credentials: protocol.NewCredentials(v.identity, types.Private, string(name), holder.ID),
			ChunkName:   name,
			IOU:         confirm,
			Holder:      self,
		})
		return err
	})
	if err := dir.Store(ctx, string(name), self); err != nil {
		v.logger.Warn("Failed to publish chunk reference", zap.String("chunk", name.Short()), zap.Error(err))
	}
	v.chargeStore(ctx, name, res.size, iou)
	v.observeStore()

	v.logger.Debug("Chunk custody confirmed",
		zap.String("chunk", name.Short()),
		zap.Int("countersignatures", len(valid)),
		zap.Bool("anonymous", iou.Anonymous()))
	return nil
}

// chargeStore credits this vault's Given and debits the requester's Taken.
// The copy is already committed, so failures are only logged.
func (v *Vault) chargeStore(ctx context.Context, name types.ChunkName, size int64, iou protocol.IOU) {
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()

	given := account.NewAmendment(protocol.FieldGiven, uint64(size), true, false)
	if err := ledger.AmendAccount(ctx, v.identity.ID, given); err != nil {
		v.logger.Warn("Failed to amend own account", zap.String("chunk", name.Short()), zap.Error(err))
	}
	if iou.Anonymous() {
		return
	}
	taken := account.NewAmendment(protocol.FieldTaken, uint64(size), true, true)
	if err := ledger.AmendAccount(ctx, iou.RequesterID, taken); err != nil {
		v.logger.Warn("Failed to charge requester",
			zap.String("chunk", name.Short()),
			zap.String("requester", iou.RequesterID.Short()),
			zap.Error(err))
	}
}

func (v *Vault) confirmReference(req *protocol.IOUDoneRequest) error {
	if req.Credentials.SenderID != req.Holder.ID {
		return fmt.Errorf("%w: only the storing vault confirms its copy", types.ErrPermission)
	}
	if err := req.IOU.Authority.Verify(req.Holder, req.ChunkName, req.IOU.Authority.DataSize); err != nil {
		return err
	}
	err := v.chunks.PromoteWaiterToReference(req.ChunkName, req.Holder.ID)
	if errors.Is(err, types.ErrNotFound) {
		// This holder never countersigned, or already pruned the promise.
		return nil
	}
	return err
}

func (v *Vault) CheckChunk(ctx context.Context, req *protocol.CheckChunkRequest) (*protocol.CheckChunkResponse, error) {
	if err := v.serving(); err != nil {
		return nil, v.reject("CheckChunk", err)
	}
	// Only confirmed copies count; promises left by a failed store do not.
	resp := &protocol.CheckChunkResponse{HasPacket: v.packets.Has(string(req.ChunkName))}
	if state, err := v.store.State(req.ChunkName); err == nil && state == types.ChunkStored {
		resp.HasChunk = true
		resp.State = state
	}
	if info, err := v.chunks.GetChunkInfo(req.ChunkName); err == nil && len(info.ReferenceList) > 0 {
		resp.HasChunk = true
	}
	return resp, nil
}

func (v *Vault) GetChunk(ctx context.Context, req *protocol.GetChunkRequest) (*protocol.GetChunkResponse, error) {
	const method = "GetChunk"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if content, state, ok := v.local(ctx, req.ChunkName); ok {
		return &protocol.GetChunkResponse{Content: content, Cached: state == types.ChunkCached}, nil
	}
	if !req.Relay {
		return nil, v.reject(method, fmt.Errorf("%w: chunk %s", types.ErrNotFound, req.ChunkName.Short()))
	}

	content, err := v.fetchFromHolders(ctx, req.ChunkName)
	if err != nil {
		return nil, v.reject(method, err)
	}
	if err := v.store.Put(req.ChunkName, content, types.ChunkCached); err != nil {
		v.logger.Debug("Failed to cache relayed chunk", zap.String("chunk", req.ChunkName.Short()), zap.Error(err))
	}
	return &protocol.GetChunkResponse{Content: content, Cached: true}, nil
}

// local returns a servable copy of name held here. A Cached copy is only
// served while some vault still publishes a stored one; otherwise the chunk
// was deleted and the cache is evicted. A copy failing its hash check is
// repaired or dropped instead of served.
func (v *Vault) local(ctx context.Context, name types.ChunkName) ([]byte, types.ChunkState, bool) {
	state, err := v.store.State(name)
	if err != nil || state == types.ChunkIncoming {
		return nil, state, false
	}
	if state == types.ChunkCached && !v.published(ctx, name) {
		v.evict(name)
		return nil, state, false
	}
	content, err := v.store.Get(name)
	if err == nil {
		return content, state, true
	}
	if !errors.Is(err, types.ErrIntegrity) {
		return nil, state, false
	}
	if state == types.ChunkCached {
		v.evict(name)
		return nil, state, false
	}
	if err := v.mend(ctx, name); err != nil {
		v.logger.Warn("Failed to mend corrupt copy", zap.String("chunk", name.Short()), zap.Error(err))
		return nil, state, false
	}
	if content, err = v.store.Get(name); err != nil {
		return nil, state, false
	}
	return content, state, true
}

// published reports whether the DHT lists any vault as storing name.
func (v *Vault) published(ctx context.Context, name types.ChunkName) bool {
	dir, err := v.directory()
	if err != nil {
		return false
	}
	holders, err := dir.FindValue(ctx, string(name))
	return err == nil && len(holders) > 0
}

func (v *Vault) evict(name types.ChunkName) {
	if err := v.store.Delete(name); err != nil && !errors.Is(err, types.ErrNotFound) {
		v.logger.Warn("Failed to evict cached chunk", zap.String("chunk", name.Short()), zap.Error(err))
		return
	}
	v.logger.Debug("Evicted cached chunk", zap.String("chunk", name.Short()))
	v.observeStore()
}

// fetchFromHolders pulls a verified copy of name from the vaults the DHT
// lists as storing it.
func (v *Vault) fetchFromHolders(ctx context.Context, name types.ChunkName) ([]byte, error) {
	dir, err := v.directory()
	if err != nil {
		return nil, err
	}
	holders, err := dir.FindValue(ctx, string(name))
	if err != nil {
		return nil, fmt.Errorf("failed to look up holders: %w", err)
	}
	lastErr := fmt.Errorf("%w: chunk %s", types.ErrNotFound, name.Short())
	for _, holder := range holders {
		if holder.ID == v.identity.ID {
			continue
		}
		svc, err := v.dialer.Dial(ctx, holder)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := svc.GetChunk(ctx, &protocol.GetChunkRequest{ChunkName: name})
		if err != nil {
			lastErr = err
			continue
		}
		if crypto.NameOf(resp.Content) != name {
			lastErr = fmt.Errorf("%w: corrupt copy of %s from %s", types.ErrIntegrity, name.Short(), holder.ID.Short())
			continue
		}
		return resp.Content, nil
	}
	return nil, lastErr
}

func (v *Vault) DeleteChunk(ctx context.Context, req *protocol.DeleteChunkRequest) (*protocol.DeleteChunkResponse, error) {
	const method = "DeleteChunk"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	creds := req.Credentials
	if err := creds.Verify(string(req.ChunkName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if creds.Anonymous() {
		return nil, v.reject(method, fmt.Errorf("%w: anonymous deletion", types.ErrPermission))
	}

	if req.CopyOnly {
		near, _, err := v.isCloseTo(ctx, string(req.ChunkName), creds.SenderID)
		if err != nil {
			return nil, v.reject(method, err)
		}
		if !near {
			return nil, v.reject(method, fmt.Errorf("%w: %s is not a reference holder", types.ErrPermission, creds.SenderID.Short()))
		}
		if err := v.dropCopy(ctx, req.ChunkName); err != nil {
			return nil, v.reject(method, err)
		}
		return &protocol.DeleteChunkResponse{}, nil
	}

	info, err := v.chunks.RemoveWatcher(req.ChunkName, creds.SenderID)
	if err != nil {
		return nil, v.reject(method, err)
	}
	if len(info.WatchList) > 0 {
		return &protocol.DeleteChunkResponse{}, nil
	}

	v.implode(ctx, info)
	return &protocol.DeleteChunkResponse{Imploded: true}, nil
}

// implode tells every storing vault to drop its copy and forgets the chunk.
func (v *Vault) implode(ctx context.Context, info chunkinfo.ChunkInfo) {
	storing := make(map[types.PeerID]bool)
	for _, id := range info.ReferenceList {
		storing[id] = true
	}
	for _, w := range info.WaitingList {
		storing[w.ID] = true
	}

	if dir, err := v.directory(); err == nil {
		holders, err := dir.FindValue(ctx, string(info.Name))
		if err != nil {
			v.logger.Warn("Failed to look up storing vaults", zap.String("chunk", info.Name.Short()), zap.Error(err))
		}
		var targets []types.Contact
		for _, h := range holders {
			if storing[h.ID] {
				targets = append(targets, h)
			}
		}
		v.fanOut(ctx, targets, func(ctx context.Context, svc protocol.VaultService, holder types.Contact) error {
			_, err := svc.DeleteChunk(ctx, &protocol.DeleteChunkRequest{
				Credentials: protocol.NewCredentials(v.identity, types.Private, string(info.Name), holder.ID),
				ChunkName:   info.Name,
				CopyOnly:    true,
			})
			return err
		})
	}
	if err := v.chunks.Drop(info.Name); err != nil {
		v.logger.Warn("Failed to drop chunk info", zap.String("chunk", info.Name.Short()), zap.Error(err))
	}
	v.logger.Info("Chunk imploded", zap.String("chunk", info.Name.Short()), zap.Int("copies", len(storing)))
}

// dropCopy discards this vault's stored copy of name and refunds the ledgers
// charged for it.
func (v *Vault) dropCopy(ctx context.Context, name types.ChunkName) error {
	size, err := v.store.Size(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := v.store.Delete(name); err != nil {
		return err
	}
	if dir, err := v.directory(); err == nil {
		if err := dir.Delete(ctx, string(name), v.identity.ID); err != nil {
			v.logger.Warn("Failed to withdraw chunk reference", zap.String("chunk", name.Short()), zap.Error(err))
		}
	}
	if err := v.records.DropChunk(name); err != nil {
		v.logger.Warn("Failed to drop validity records", zap.String("chunk", name.Short()), zap.Error(err))
	}
	v.refund(ctx, name, size)
	v.observeStore()
	return nil
}

func (v *Vault) refund(ctx context.Context, name types.ChunkName, size int64) {
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()
	if ledger == nil {
		return
	}
	given := account.NewAmendment(protocol.FieldGiven, uint64(size), false, false)
	if err := ledger.AmendAccount(ctx, v.identity.ID, given); err != nil {
		v.logger.Warn("Failed to amend own account", zap.String("chunk", name.Short()), zap.Error(err))
	}
	requester, err := v.charges.Get(string(name))
	if err != nil {
		return
	}
	taken := account.NewAmendment(protocol.FieldTaken, uint64(size), false, false)
	if err := ledger.AmendAccount(ctx, types.PeerID(requester), taken); err != nil {
		v.logger.Warn("Failed to refund requester", zap.String("chunk", name.Short()), zap.Error(err))
	}
	if err := v.charges.Delete(string(name)); err != nil {
		v.logger.Debug("Failed to clear store charge", zap.Error(err))
	}
}

// SwapChunk hands out a stored chunk and accepts an offered one when this
// vault is listed as storing it but has lost or corrupted its copy.
func (v *Vault) SwapChunk(ctx context.Context, req *protocol.SwapChunkRequest) (*protocol.SwapChunkResponse, error) {
	const method = "SwapChunk"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if err := req.Credentials.Verify(string(req.WantName), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if req.Credentials.Anonymous() {
		return nil, v.reject(method, fmt.Errorf("%w: anonymous swap", types.ErrPermission))
	}

	resp := &protocol.SwapChunkResponse{}
	if req.OfferName != "" && crypto.NameOf(req.OfferContent) == req.OfferName {
		resp.OfferAccepted = v.acceptRepair(ctx, req.OfferName, req.OfferContent)
	}
	if req.WantName != "" {
		if state, err := v.store.State(req.WantName); err != nil || state != types.ChunkStored {
			return nil, v.reject(method, fmt.Errorf("%w: chunk %s", types.ErrNotFound, req.WantName.Short()))
		}
		content, err := v.store.Get(req.WantName)
		if err != nil {
			return nil, v.reject(method, err)
		}
		resp.Content = content
	}
	return resp, nil
}

func (v *Vault) acceptRepair(ctx context.Context, name types.ChunkName, content []byte) bool {
	if ok, err := v.store.HashCheck(name); err == nil && ok {
		return false
	}
	dir, err := v.directory()
	if err != nil {
		return false
	}
	holders, err := dir.FindValue(ctx, string(name))
	if err != nil {
		return false
	}
	for _, h := range holders {
		if h.ID == v.identity.ID {
			if err := v.repair(name, content); err != nil {
				v.logger.Warn("Failed to accept repair", zap.String("chunk", name.Short()), zap.Error(err))
				return false
			}
			return true
		}
	}
	return false
}

func (v *Vault) ValidityCheck(ctx context.Context, req *protocol.ValidityCheckRequest) (*protocol.ValidityCheckResponse, error) {
	const method = "ValidityCheck"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	if state, err := v.store.State(req.ChunkName); err != nil || state != types.ChunkStored {
		return nil, v.reject(method, fmt.Errorf("%w: chunk %s", types.ErrNotFound, req.ChunkName.Short()))
	}
	content, err := v.store.Get(req.ChunkName)
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.ValidityCheckResponse{HashContent: crypto.NonceHash(content, req.Nonce)}, nil
}

func (v *Vault) AmendAccount(ctx context.Context, req *protocol.AmendAccountRequest) (*protocol.AmendAccountResponse, error) {
	const method = "AmendAccount"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	creds := req.Credentials
	if err := creds.Verify(account.AccountName(req.Subject), v.identity.ID); err != nil {
		return nil, v.reject(method, err)
	}
	if creds.Anonymous() {
		return nil, v.reject(method, fmt.Errorf("%w: anonymous amendment", types.ErrPermission))
	}
	a, err := account.FromRequest(req)
	if err != nil {
		return nil, v.reject(method, err)
	}
	if err := v.accounts.Apply(req.Subject, creds.SenderID, a); err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.AmendAccountResponse{}, nil
}

func (v *Vault) AccountStatus(ctx context.Context, req *protocol.AccountStatusRequest) (*protocol.AccountStatusResponse, error) {
	const method = "AccountStatus"
	if err := v.serving(); err != nil {
		return nil, v.reject(method, err)
	}
	status, err := v.accounts.Status(req.Subject)
	if err == nil {
		return &protocol.AccountStatusResponse{Status: status}, nil
	}
	if !errors.Is(err, types.ErrNotFound) || req.NoForward || req.Subject == v.identity.ID {
		return nil, v.reject(method, err)
	}

	status, err = v.pullAccount(ctx, req.Subject)
	if err != nil {
		return nil, v.reject(method, err)
	}
	return &protocol.AccountStatusResponse{Status: status}, nil
}

// pullAccount fetches a ledger this vault should hold but does not from the
// rest of the group.
func (v *Vault) pullAccount(ctx context.Context, subject types.PeerID) (types.AccountStatus, error) {
	v.mu.RLock()
	ledger := v.ledger
	v.mu.RUnlock()
	if ledger == nil {
		return types.AccountStatus{}, types.ErrNotStarted
	}
	group, err := ledger.Group(ctx, subject)
	if err != nil {
		return types.AccountStatus{}, err
	}
	peers := make([]types.Contact, 0, len(group))
	member := false
	for _, c := range group {
		if c.ID == v.identity.ID {
			member = true
			continue
		}
		peers = append(peers, c)
	}
	if !member {
		return types.AccountStatus{}, fmt.Errorf("%w: not an account holder for %s", types.ErrNotFound, subject.Short())
	}
	status, _, err := ledger.StatusFrom(ctx, peers, subject, true)
	if err != nil {
		return types.AccountStatus{}, fmt.Errorf("%w: account %s: %v", types.ErrNotFound, subject.Short(), err)
	}
	if err := v.accounts.Put(subject, status); err != nil {
		v.logger.Warn("Failed to keep pulled account", zap.String("subject", subject.Short()), zap.Error(err))
	}
	return status, nil
}

func (v *Vault) Ping(ctx context.Context, req *protocol.PingRequest) (*protocol.PingResponse, error) {
	if err := v.serving(); err != nil {
		return nil, err
	}
	return &protocol.PingResponse{ID: v.identity.ID}, nil
}

// fanOut calls fn on every target concurrently and waits for all of them.
// Failures are logged; callers that need a quorum count successes themselves.
func (v *Vault) fanOut(ctx context.Context, targets []types.Contact, fn func(context.Context, protocol.VaultService, types.Contact) error) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target types.Contact) {
			defer wg.Done()
			svc, err := v.dialer.Dial(ctx, target)
			if err == nil {
				err = fn(ctx, svc, target)
			}
			if err != nil {
				v.logger.Debug("Peer call failed", zap.String("peer", target.ID.Short()), zap.Error(err))
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return ok
}

func (v *Vault) observeStore() {
	if v.metrics == nil {
		return
	}
	for _, state := range types.AllChunkStates {
		v.metrics.ChunksHeld.WithLabelValues(state.String()).Set(float64(len(v.store.List(state))))
	}
	v.metrics.BytesUsed.Set(float64(v.store.Used()))
}
