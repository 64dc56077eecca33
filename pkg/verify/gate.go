// Package verify gates accrual behind ownership verification: an account
// must answer a signed challenge before its balance accrues, and its
// claimed holdings are cross-checked against the ownership oracle both at
// verification time and on a recurring schedule.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/oracle"
)

var (
	// ErrNoChallenge is returned when no live nonce exists for the
	// account, either because none was issued or it expired.
	ErrNoChallenge = errors.New("no active challenge for account")

	// ErrNonceMismatch is returned when the answered nonce is not the one
	// issued. The stored nonce is consumed either way.
	ErrNonceMismatch = errors.New("challenge nonce mismatch")

	// ErrBadSignature is returned when the signature does not prove
	// control of the account key.
	ErrBadSignature = errors.New("signature does not match account key")
)

// NonceStore holds one live challenge nonce per account. Reads consume.
type NonceStore interface {
	PutNonce(ctx context.Context, accountKey, nonce string, ttl time.Duration) error
	TakeNonce(ctx context.Context, accountKey string) (string, error)
}

// SignatureVerifier proves that a signature over the nonce was produced by
// the holder of the account key.
type SignatureVerifier interface {
	Verify(ctx context.Context, accountKey, nonce, signature string) (bool, error)
}

// Options configures the gate.
type Options struct {
	Secret     []byte
	NonceTTL   time.Duration
	SessionTTL time.Duration
}

// Gate issues challenges, verifies answers and manages verified sessions.
type Gate struct {
	logger   *zap.Logger
	nonces   NonceStore
	verifier SignatureVerifier
	oracle   oracle.Oracle
	ledger   *ledger.Ledger

	secret     []byte
	nonceTTL   time.Duration
	sessionTTL time.Duration
}

// NewGate creates a verification gate.
func NewGate(logger *zap.Logger, nonces NonceStore, verifier SignatureVerifier, orc oracle.Oracle, led *ledger.Ledger, opts Options) *Gate {
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = 5 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 8 * time.Hour
	}
	return &Gate{
		logger:     logger.Named("verify"),
		nonces:     nonces,
		verifier:   verifier,
		oracle:     orc,
		ledger:     led,
		secret:     opts.Secret,
		nonceTTL:   opts.NonceTTL,
		sessionTTL: opts.SessionTTL,
	}
}

// Challenge issues a fresh nonce for the account, replacing any previous
// one. Returns the nonce and its expiry.
func (g *Gate) Challenge(ctx context.Context, accountKey string) (string, time.Time, error) {
	nonce := uuid.NewString()
	if err := g.nonces.PutNonce(ctx, accountKey, nonce, g.nonceTTL); err != nil {
		return "", time.Time{}, fmt.Errorf("store challenge nonce: %w", err)
	}
	return nonce, time.Now().Add(g.nonceTTL), nil
}

// Verify consumes the account's challenge, checks the signature, syncs the
// account's asset set from the ownership oracle and marks the account
// verified so accrual resumes. Returns a session token.
//
// The oracle's holdings are authoritative here: whatever the account
// claimed before, after a successful verification its assets and rate are
// exactly what the oracle reports.
func (g *Gate) Verify(ctx context.Context, accountKey, nonce, signature string) (string, error) {
	stored, err := g.nonces.TakeNonce(ctx, accountKey)
	if err != nil {
		return "", fmt.Errorf("load challenge nonce: %w", err)
	}
	if stored == "" {
		return "", ErrNoChallenge
	}
	if stored != nonce {
		return "", ErrNonceMismatch
	}

	ok, err := g.verifier.Verify(ctx, accountKey, nonce, signature)
	if err != nil {
		return "", fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return "", ErrBadSignature
	}

	holdings, err := g.oracle.Holdings(ctx, accountKey)
	if err != nil {
		return "", fmt.Errorf("fetch holdings for %s: %w", accountKey, err)
	}
	assets := holdingsToAssets(holdings)

	if _, err := g.ledger.Get(accountKey); errors.Is(err, ledger.ErrAccountNotFound) {
		if _, err := g.ledger.Create(ctx, accountKey, assets); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else if err := g.ledger.SetAssets(ctx, accountKey, assets); err != nil {
		return "", err
	}

	if err := g.ledger.SetVerified(ctx, accountKey, true); err != nil {
		return "", err
	}

	g.logger.Info("account verified",
		zap.String("account", accountKey),
		zap.Int("assets", len(assets)))
	return g.issueSession(accountKey)
}

// CrossCheck re-validates a verified account against the oracle. A holdings
// mismatch revokes verification and freezes accrual until the account
// re-verifies with its true asset set.
func (g *Gate) CrossCheck(ctx context.Context, accountKey string) (bool, error) {
	rec, err := g.ledger.Get(accountKey)
	if err != nil {
		return false, err
	}
	if !rec.Verified {
		return true, nil
	}

	holdings, err := g.oracle.Holdings(ctx, accountKey)
	if err != nil {
		// Oracle trouble never revokes; the account stays as it was.
		return false, fmt.Errorf("fetch holdings for %s: %w", accountKey, err)
	}

	if holdingsMatch(rec.Assets, holdings) {
		return true, nil
	}

	g.logger.Warn("holdings mismatch, revoking verification",
		zap.String("account", accountKey),
		zap.Int("claimed", len(rec.Assets)),
		zap.Int("actual", len(holdings)))
	if err := g.ledger.SetVerified(ctx, accountKey, false); err != nil {
		return false, err
	}
	return false, nil
}

// issueSession signs a short-lived HS256 token naming the verified account.
func (g *Gate) issueSession(accountKey string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountKey,
		"exp": now.Add(g.sessionTTL).Unix(),
		"iat": now.Unix(),
	})
	ss, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return ss, nil
}

// ParseSession validates a session token and returns the account it names.
// Expired or malformed tokens yield an error; callers treat that as an
// unverified request.
func (g *Gate) ParseSession(tokenString string) (string, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid session claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("session token missing subject")
	}
	return sub, nil
}

func holdingsToAssets(holdings []oracle.Holding) []ledger.AssetRecord {
	assets := make([]ledger.AssetRecord, 0, len(holdings))
	for _, h := range holdings {
		assets = append(assets, ledger.AssetRecord{
			AssetID:     h.AssetID,
			RatePerHour: h.RatePerHour,
			DisplayName: h.DisplayName,
		})
	}
	return assets
}

// holdingsMatch compares the claimed asset set against oracle holdings by
// asset ID only; rate drift is handled by SetAssets, not revocation.
func holdingsMatch(assets []ledger.AssetRecord, holdings []oracle.Holding) bool {
	if len(assets) != len(holdings) {
		return false
	}
	claimed := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		claimed[a.AssetID] = struct{}{}
	}
	for _, h := range holdings {
		if _, ok := claimed[h.AssetID]; !ok {
			return false
		}
	}
	return true
}
