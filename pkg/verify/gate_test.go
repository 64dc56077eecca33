package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mekforge/goldledger/pkg/accrual"
	"github.com/mekforge/goldledger/pkg/ledger"
	"github.com/mekforge/goldledger/pkg/oracle"
)

type memNonces struct {
	nonces map[string]string
}

func newMemNonces() *memNonces { return &memNonces{nonces: map[string]string{}} }

func (m *memNonces) PutNonce(_ context.Context, accountKey, nonce string, _ time.Duration) error {
	m.nonces[accountKey] = nonce
	return nil
}

func (m *memNonces) TakeNonce(_ context.Context, accountKey string) (string, error) {
	nonce := m.nonces[accountKey]
	delete(m.nonces, accountKey)
	return nonce, nil
}

type fakeVerifier struct {
	ok  bool
	err error
}

func (f fakeVerifier) Verify(context.Context, string, string, string) (bool, error) {
	return f.ok, f.err
}

type fakeOracle struct {
	holdings map[string][]oracle.Holding
	err      error
}

func (f fakeOracle) Owner(_ context.Context, assetID string) (string, error) {
	for key, hs := range f.holdings {
		for _, h := range hs {
			if h.AssetID == assetID {
				return key, nil
			}
		}
	}
	return "", oracle.ErrAssetNotFound
}

func (f fakeOracle) Holdings(_ context.Context, accountKey string) ([]oracle.Holding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.holdings[accountKey], nil
}

type memPersister struct{}

func (memPersister) SaveRecord(context.Context, *ledger.Record) error { return nil }
func (memPersister) DeleteRecord(context.Context, string) error       { return nil }

func newTestGate(t *testing.T, verifier SignatureVerifier, orc oracle.Oracle) (*Gate, *ledger.Ledger, *accrual.ManualClock) {
	t.Helper()
	clock := &accrual.ManualClock{Current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	led := ledger.New(zap.NewNop(), memPersister{}, ledger.Options{
		CapHours: accrual.DefaultCapHours,
		Clock:    clock,
	})
	gate := NewGate(zap.NewNop(), newMemNonces(), verifier, orc, led, Options{
		Secret: []byte("test-secret"),
	})
	return gate, led, clock
}

func TestVerifyHappyPath(t *testing.T) {
	orc := fakeOracle{holdings: map[string][]oracle.Holding{
		"addr1q0alice": {
			{AssetID: "mek-0001", RatePerHour: 4.2},
			{AssetID: "mek-0777", RatePerHour: 8.1},
		},
	}}
	gate, led, clock := newTestGate(t, fakeVerifier{ok: true}, orc)
	ctx := context.Background()

	nonce, expires, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)
	require.NotEmpty(t, nonce)
	require.True(t, expires.After(time.Now()))

	token, err := gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.NoError(t, err)

	sub, err := gate.ParseSession(token)
	require.NoError(t, err)
	require.Equal(t, "addr1q0alice", sub)

	rec, err := led.Get("addr1q0alice")
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.Len(t, rec.Assets, 2)
	require.InDelta(t, 12.3, rec.RatePerHour, 1e-9)

	// Verified accounts accrue.
	clock.Advance(time.Hour)
	balance, err := led.CurrentBalance("addr1q0alice")
	require.NoError(t, err)
	require.InDelta(t, 12.3, balance, 1e-9)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	gate, _, _ := newTestGate(t, fakeVerifier{ok: true}, fakeOracle{})
	_, err := gate.Verify(context.Background(), "addr1q0alice", "nonce", "sig")
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyNonceMismatchConsumes(t *testing.T) {
	gate, _, _ := newTestGate(t, fakeVerifier{ok: true}, fakeOracle{})
	ctx := context.Background()

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)

	_, err = gate.Verify(ctx, "addr1q0alice", "wrong", "sig")
	require.ErrorIs(t, err, ErrNonceMismatch)

	// The nonce was consumed by the failed attempt.
	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyBadSignature(t *testing.T) {
	gate, led, _ := newTestGate(t, fakeVerifier{ok: false}, fakeOracle{})
	ctx := context.Background()

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)

	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = led.Get("addr1q0alice")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestVerifySyncsExistingAccount(t *testing.T) {
	orc := fakeOracle{holdings: map[string][]oracle.Holding{
		"addr1q0alice": {{AssetID: "mek-0001", RatePerHour: 4.2}},
	}}
	gate, led, _ := newTestGate(t, fakeVerifier{ok: true}, orc)
	ctx := context.Background()

	// Pre-existing record claiming an asset the oracle no longer reports.
	_, err := led.Create(ctx, "addr1q0alice", []ledger.AssetRecord{
		{AssetID: "mek-9999", RatePerHour: 100},
	})
	require.NoError(t, err)

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)
	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.NoError(t, err)

	rec, err := led.Get("addr1q0alice")
	require.NoError(t, err)
	require.Len(t, rec.Assets, 1)
	require.Equal(t, "mek-0001", rec.Assets[0].AssetID)
	require.InDelta(t, 4.2, rec.RatePerHour, 1e-9)
}

func TestCrossCheckRevokesOnMismatch(t *testing.T) {
	orc := &fakeOracle{holdings: map[string][]oracle.Holding{
		"addr1q0alice": {{AssetID: "mek-0001", RatePerHour: 4.2}},
	}}
	gate, led, clock := newTestGate(t, fakeVerifier{ok: true}, orc)
	ctx := context.Background()

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)
	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.NoError(t, err)

	ok, err := gate.CrossCheck(ctx, "addr1q0alice")
	require.NoError(t, err)
	require.True(t, ok)

	// The asset moves away on-chain; the next cross-check revokes.
	orc.holdings["addr1q0alice"] = nil
	ok, err = gate.CrossCheck(ctx, "addr1q0alice")
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := led.Get("addr1q0alice")
	require.NoError(t, err)
	require.False(t, rec.Verified)

	// Accrual is frozen for the revoked account.
	before, err := led.CurrentBalance("addr1q0alice")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	after, err := led.CurrentBalance("addr1q0alice")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCrossCheckOracleErrorNeverRevokes(t *testing.T) {
	orc := &fakeOracle{holdings: map[string][]oracle.Holding{
		"addr1q0alice": {{AssetID: "mek-0001", RatePerHour: 4.2}},
	}}
	gate, led, _ := newTestGate(t, fakeVerifier{ok: true}, orc)
	ctx := context.Background()

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)
	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.NoError(t, err)

	orc.err = oracle.ErrUnavailable
	_, err = gate.CrossCheck(ctx, "addr1q0alice")
	require.Error(t, err)

	rec, err := led.Get("addr1q0alice")
	require.NoError(t, err)
	require.True(t, rec.Verified)
}

func TestParseSessionRejectsExpired(t *testing.T) {
	gate, _, _ := newTestGate(t, fakeVerifier{ok: true}, fakeOracle{})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "addr1q0alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})
	ss, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = gate.ParseSession(ss)
	require.Error(t, err)
}

func TestParseSessionRejectsWrongSecret(t *testing.T) {
	gate, _, _ := newTestGate(t, fakeVerifier{ok: true}, fakeOracle{})

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "addr1q0mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	ss, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = gate.ParseSession(ss)
	require.Error(t, err)
}

func TestVerifierErrorPropagates(t *testing.T) {
	gate, _, _ := newTestGate(t, fakeVerifier{err: errors.New("verifier down")}, fakeOracle{})
	ctx := context.Background()

	nonce, _, err := gate.Challenge(ctx, "addr1q0alice")
	require.NoError(t, err)

	_, err = gate.Verify(ctx, "addr1q0alice", nonce, "sig")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBadSignature)
}
