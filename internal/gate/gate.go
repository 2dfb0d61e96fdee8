// Package gate decides whether a request carrying an API key may proceed.
//
// Admission runs the same steps for every request: extract the key, verify
// it against stored fingerprints, check its state, charge the rate limiter
// and finally check the monthly quota. Each step either advances or ends the
// request with a Reason. Faults in the credential store or the quota
// accountant deny the request; the rate limiter handles its own faults.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyward/keyward/internal/credential"
	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/ratelimit"
	"github.com/keyward/keyward/internal/store"
)

const (
	defaultCommitTimeout = 5 * time.Second
	touchTimeout         = 5 * time.Second
)

// Store is the credential lookup the gate needs.
type Store interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*model.Credential, error)
	FindByLegacyFingerprint(ctx context.Context, fingerprint string) (*model.Credential, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// Request is one admission attempt.
type Request struct {
	// Plaintext is the presented key, empty when none was sent.
	Plaintext string
	// Units is the caller's estimate of the request's cost.
	Units int64
	// Scope is the permission the route requires. Empty means none.
	Scope string
}

// Decision is the outcome of Admit. Rate and Quota are set once the
// corresponding step ran.
type Decision struct {
	Admitted   bool
	Reason     Reason
	Message    string
	Credential *model.Credential
	Legacy     bool
	Rate       *ratelimit.Result
	Quota      *quota.Status
	// Err holds the underlying fault for InternalError. It is for logging
	// only and must not be shown to the caller.
	Err error
}

// Details returns the structured context that accompanies a denial.
func (d Decision) Details() map[string]any {
	switch d.Reason {
	case RateLimited:
		if d.Rate != nil {
			return map[string]any{
				"limit":       d.Rate.Limit,
				"remaining":   d.Rate.Remaining,
				"reset_at":    d.Rate.ResetAt,
				"retry_after": d.Rate.RetryAfter,
			}
		}
	case QuotaExceeded:
		if d.Quota != nil {
			return map[string]any{
				"usage":     d.Quota.Usage,
				"limit":     d.Quota.Limit,
				"requested": d.Quota.Requested,
			}
		}
	}
	return nil
}

// Options configures a Gate.
type Options struct {
	// Limit applies to every credential.
	Limit ratelimit.Limit
	// CommitTimeout bounds the post-request usage commit.
	CommitTimeout time.Duration
	// Now replaces time.Now.
	Now func() time.Time
	// OnDecision observes every decision, e.g. for metrics.
	OnDecision func(Decision)
}

// Gate runs admission. It is safe for concurrent use.
type Gate struct {
	codec   *credential.Codec
	store   Store
	limiter ratelimit.Limiter
	quota   *quota.Accountant
	logger  *slog.Logger
	opts    Options

	touches sync.WaitGroup
}

// New creates a Gate.
func New(codec *credential.Codec, st Store, limiter ratelimit.Limiter, acct *quota.Accountant, logger *slog.Logger, opts Options) *Gate {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		codec:   codec,
		store:   st,
		limiter: limiter,
		quota:   acct,
		logger:  logger,
		opts:    opts,
	}
}

// Admit decides whether req may proceed.
func (g *Gate) Admit(ctx context.Context, req Request) Decision {
	d := g.admit(ctx, req)
	if d.Reason == InternalError {
		g.logger.Error("admission failed", "error", d.Err)
	}
	if g.opts.OnDecision != nil {
		g.opts.OnDecision(d)
	}
	return d
}

func (g *Gate) admit(ctx context.Context, req Request) Decision {
	if req.Plaintext == "" {
		return deny(MissingCredential)
	}
	if err := credential.CheckFormat(req.Plaintext); err != nil {
		return deny(MalformedCredential)
	}

	cred, legacy, err := g.verify(ctx, req.Plaintext)
	if errors.Is(err, store.ErrNotFound) {
		return deny(UnknownCredential)
	}
	if err != nil {
		return fault(err)
	}

	d := Decision{Credential: cred, Legacy: legacy}
	now := g.opts.Now()
	if !cred.IsActive {
		return d.deny(InactiveCredential)
	}
	if cred.IsExpired(now) {
		return d.deny(ExpiredCredential)
	}

	g.touch(cred.ID)

	if !cred.HasScope(req.Scope) {
		return d.deny(ScopeDenied)
	}

	res, err := g.limiter.Allow(ctx, cred.ID, g.opts.Limit)
	if err != nil {
		return d.fault(fmt.Errorf("rate limit: %w", err))
	}
	d.Rate = &res
	if !res.Allowed {
		d = d.deny(RateLimited)
		d.Message = fmt.Sprintf("%s Retry in %d seconds.", RateLimited.Message(), res.RetryAfter)
		return d
	}

	if _, err := g.quota.EnsureFresh(ctx, cred); err != nil {
		return d.fault(err)
	}
	st := g.quota.CheckRemaining(cred, req.Units)
	d.Quota = &st
	if !st.Allowed {
		d = d.deny(QuotaExceeded)
		d.Message = fmt.Sprintf("%s Used %d of %d units.", QuotaExceeded.Message(), st.Usage, st.Limit)
		return d
	}

	d.Admitted = true
	return d
}

// verify resolves plaintext to a credential. The two-round fingerprint is
// tried first; the single-round hash only matches rows that were never
// upgraded.
func (g *Gate) verify(ctx context.Context, plaintext string) (*model.Credential, bool, error) {
	primary := g.codec.Primary(plaintext)
	cred, err := g.store.FindByFingerprint(ctx, primary)
	if err == nil {
		if cred.FingerprintPrimary == nil || !g.codec.Verify(plaintext, *cred.FingerprintPrimary) {
			return nil, false, store.ErrNotFound
		}
		return cred, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("find credential: %w", err)
	}

	cred, err = g.store.FindByLegacyFingerprint(ctx, credential.LegacyHash(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("find legacy credential: %w", err)
	}
	if cred.FingerprintLegacy == nil || !credential.VerifyLegacy(plaintext, *cred.FingerprintLegacy) {
		return nil, false, store.ErrNotFound
	}
	g.logger.Debug("legacy credential used", "credential_id", cred.ID)
	return cred, true, nil
}

// touch stamps last-used in the background. Failures are not reported to
// the caller.
func (g *Gate) touch(id string) {
	g.touches.Add(1)
	go func() {
		defer g.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := g.store.TouchLastUsed(ctx, id); err != nil {
			g.logger.Debug("touch last used", "credential_id", id, "error", err)
		}
	}()
}

// Commit charges units to cred after the request's work is done. It runs
// even if ctx has been cancelled, bounded by the commit timeout.
func (g *Gate) Commit(ctx context.Context, cred *model.Credential, units int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CommitTimeout)
	defer cancel()
	if err := g.quota.Commit(ctx, cred.ID, units); err != nil {
		g.logger.Error("commit usage", "credential_id", cred.ID, "units", units, "error", err)
		return err
	}
	return nil
}

// Wait blocks until background last-used updates have finished.
func (g *Gate) Wait() {
	g.touches.Wait()
}

func deny(r Reason) Decision {
	return Decision{Reason: r, Message: r.Message()}
}

func fault(err error) Decision {
	d := deny(InternalError)
	d.Err = err
	return d
}

func (d Decision) deny(r Reason) Decision {
	d.Admitted = false
	d.Reason = r
	d.Message = r.Message()
	return d
}

func (d Decision) fault(err error) Decision {
	d = d.deny(InternalError)
	d.Err = err
	return d
}
