// Package account maintains vault storage ledgers. Each ledger is held by
// the vaults closest to the owner's account key, never by the owner, and is
// only changed by amendments a quorum of that group accepts.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultnet/pkg/config"
	"vaultnet/pkg/crypto"
	"vaultnet/pkg/dht"
	"vaultnet/pkg/metrics"
	"vaultnet/pkg/protocol"
	"vaultnet/pkg/types"
)

// DefaultPollInterval is how often WaitForUpdate re-reads the group.
const DefaultPollInterval = 500 * time.Millisecond

// Amendment is one signed change to a ledger column.
type Amendment struct {
	ID       string
	Field    protocol.AccountField
	Amount   uint64
	Increase bool
	// Create makes the ledger if it does not exist yet.
	Create bool
}

// NewAmendment returns an amendment with a fresh ID.
func NewAmendment(field protocol.AccountField, amount uint64, increase, create bool) Amendment {
	return Amendment{
		ID:       uuid.New().String(),
		Field:    field,
		Amount:   amount,
		Increase: increase,
		Create:   create,
	}
}

// AccountName is the network key whose closest vaults hold subject's ledger.
func AccountName(subject types.PeerID) string {
	return crypto.KeyName(string(subject), "ACCOUNT")
}

// SignedBytes is what the amending vault signs.
func (a Amendment) SignedBytes(subject types.PeerID) []byte {
	return crypto.AmendmentBytes(AccountName(subject), int(a.Field), a.Amount, a.Increase, a.ID)
}

// Request builds the wire request for holder.
func (a Amendment) Request(id *crypto.Identity, subject, holder types.PeerID) *protocol.AmendAccountRequest {
	return &protocol.AmendAccountRequest{
		Credentials: protocol.NewCredentials(id, types.Private, AccountName(subject), holder),
		Subject:     subject,
		AmendmentID: a.ID,
		Field:       a.Field,
		Amount:      a.Amount,
		Increase:    a.Increase,
		Create:      a.Create,
		Signature:   id.Sign(a.SignedBytes(subject)),
	}
}

// FromRequest extracts the amendment after checking its signature.
func FromRequest(req *protocol.AmendAccountRequest) (Amendment, error) {
	a := Amendment{
		ID:       req.AmendmentID,
		Field:    req.Field,
		Amount:   req.Amount,
		Increase: req.Increase,
		Create:   req.Create,
	}
	if a.ID == "" {
		return a, fmt.Errorf("%w: amendment without ID", types.ErrInvalidRequest)
	}
	if !crypto.VerifySignature(a.SignedBytes(req.Subject), req.Signature, req.Credentials.PublicKey) {
		return a, fmt.Errorf("%w: amendment signature does not verify", types.ErrIntegrity)
	}
	return a, nil
}

// Handler drives amendments and status queries against account groups.
type Handler struct {
	identity *crypto.Identity
	dir      dht.Directory
	dialer   protocol.Dialer
	cfg      config.NetworkConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	poll     time.Duration
}

func NewHandler(identity *crypto.Identity, dir dht.Directory, dialer protocol.Dialer, cfg config.NetworkConfig, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		identity: identity,
		dir:      dir,
		dialer:   dialer,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		poll:     DefaultPollInterval,
	}
}

// SetPollInterval changes how often WaitForUpdate polls.
func (h *Handler) SetPollInterval(d time.Duration) {
	h.poll = d
}

// Group returns subject's current account holders. It is re-derived on every
// call since membership follows churn.
func (h *Handler) Group(ctx context.Context, subject types.PeerID) ([]types.Contact, error) {
	closest, err := h.dir.FindKClosestNodes(ctx, AccountName(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to find account holders: %w", err)
	}
	group := make([]types.Contact, 0, len(closest))
	for _, c := range closest {
		if c.ID != subject {
			group = append(group, c)
		}
	}
	return group, nil
}

// AmendAccount sends a to every holder of subject's ledger and returns once
// a quorum has accepted it. Responses arriving after that are ignored.
func (h *Handler) AmendAccount(ctx context.Context, subject types.PeerID, a Amendment) error {
	group, err := h.Group(ctx, subject)
	if err != nil {
		return err
	}
	if len(group) == 0 {
		h.observe("no_group")
		return fmt.Errorf("%w: no account holders for %s", types.ErrQuorum, subject.Short())
	}
	quorum := h.cfg.Quorum(len(group))

	results := make(chan error, len(group))
	for _, holder := range group {
		go func(holder types.Contact) {
			results <- h.amendOne(ctx, holder, subject, a)
		}(holder)
	}

	acks, responses := 0, 0
	var lastErr error
	for responses < len(group) {
		select {
		case err := <-results:
			responses++
			if err == nil {
				acks++
			} else {
				lastErr = err
			}
		case <-ctx.Done():
			h.observe("cancelled")
			return fmt.Errorf("%w: amendment interrupted: %v", types.ErrNetwork, ctx.Err())
		}
		if acks >= quorum {
			h.observe("committed")
			h.logger.Debug("Account amendment committed",
				zap.String("subject", subject.Short()),
				zap.String("field", a.Field.String()),
				zap.Int("acks", acks),
				zap.Int("quorum", quorum))
			return nil
		}
		if acks+(len(group)-responses) < quorum {
			break
		}
	}

	h.observe("quorum_failed")
	return fmt.Errorf("%w: %d of %d account holders accepted amendment (need %d): %v",
		types.ErrQuorum, acks, len(group), quorum, lastErr)
}

func (h *Handler) amendOne(ctx context.Context, holder types.Contact, subject types.PeerID, a Amendment) error {
	svc, err := h.dialer.Dial(ctx, holder)
	if err != nil {
		return err
	}
	_, err = svc.AmendAccount(ctx, a.Request(h.identity, subject, holder.ID))
	if err != nil {
		h.logger.Debug("Account holder rejected amendment",
			zap.String("holder", holder.ID.Short()),
			zap.String("subject", subject.Short()),
			zap.Error(err))
	}
	return err
}

func (h *Handler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.AccountAmendments.WithLabelValues(outcome).Inc()
	}
}

// GetAccountStatus asks subject's group for the ledger and returns the status
// reported by the largest agreeing set, with that set's size.
func (h *Handler) GetAccountStatus(ctx context.Context, subject types.PeerID) (types.AccountStatus, int, error) {
	group, err := h.Group(ctx, subject)
	if err != nil {
		return types.AccountStatus{}, 0, err
	}
	return h.StatusFrom(ctx, group, subject, false)
}

// StatusFrom queries the given holders directly. With noForward set, holders
// missing the record do not consult their own peers.
func (h *Handler) StatusFrom(ctx context.Context, holders []types.Contact, subject types.PeerID, noForward bool) (types.AccountStatus, int, error) {
	if len(holders) == 0 {
		return types.AccountStatus{}, 0, fmt.Errorf("%w: no account holders for %s", types.ErrQuorum, subject.Short())
	}

	type result struct {
		status types.AccountStatus
		err    error
	}
	results := make(chan result, len(holders))
	for _, holder := range holders {
		go func(holder types.Contact) {
			svc, err := h.dialer.Dial(ctx, holder)
			if err != nil {
				results <- result{err: err}
				return
			}
			resp, err := svc.AccountStatus(ctx, &protocol.AccountStatusRequest{Subject: subject, NoForward: noForward})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{status: resp.Status}
		}(holder)
	}

	tally := make(map[types.AccountStatus]int)
	var lastErr error
	for i := 0; i < len(holders); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				lastErr = r.err
				continue
			}
			tally[r.status]++
		case <-ctx.Done():
			return types.AccountStatus{}, 0, fmt.Errorf("%w: status query interrupted: %v", types.ErrNetwork, ctx.Err())
		}
	}

	var best types.AccountStatus
	count := 0
	for status, n := range tally {
		if n > count || (n == count && status.Given+status.Offered+status.Taken > best.Given+best.Offered+best.Taken) {
			best, count = status, n
		}
	}
	if count == 0 {
		return types.AccountStatus{}, 0, fmt.Errorf("no account holder answered for %s: %w", subject.Short(), lastErr)
	}
	return best, count, nil
}

// WaitForUpdate polls until subject's status is corroborated by at least
// threshold holders. A threshold of zero uses the configured upper threshold.
func (h *Handler) WaitForUpdate(ctx context.Context, subject types.PeerID, threshold int) (types.AccountStatus, error) {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		group, err := h.Group(ctx, subject)
		if err == nil && len(group) > 0 {
			want := threshold
			if want <= 0 {
				want = h.cfg.UpperThreshold(len(group))
			}
			status, count, err := h.StatusFrom(ctx, group, subject, false)
			if err == nil && count >= want {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return types.AccountStatus{}, fmt.Errorf("%w: account %s not synced: %v", types.ErrNetwork, subject.Short(), ctx.Err())
		case <-ticker.C:
		}
	}
}
