package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mekforge/goldledger/pkg/utils"
)

// HTTPVerifier delegates signature checks to an external verification
// service. The service owns the wallet-specific signature scheme; this
// side only cares whether the answer proves control of the account key.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier creates a verifier against the given endpoint.
func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// NewHTTPVerifierFromEnv builds a verifier from VERIFIER_ENDPOINT and
// VERIFIER_TIMEOUT.
func NewHTTPVerifierFromEnv() *HTTPVerifier {
	return NewHTTPVerifier(
		utils.Env("VERIFIER_ENDPOINT", "http://localhost:9090/verify"),
		utils.EnvDuration("VERIFIER_TIMEOUT", 10*time.Second),
	)
}

type verifyRequest struct {
	AccountKey string `json:"accountKey"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Verify asks the verification service whether the signature over the
// nonce was produced by the account key's holder.
func (v *HTTPVerifier) Verify(ctx context.Context, accountKey, nonce, signature string) (bool, error) {
	body, err := json.Marshal(verifyRequest{AccountKey: accountKey, Nonce: nonce, Signature: signature})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verification service: %w", err)
	}
	defer utils.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verification service returned %d", resp.StatusCode)
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode verification response: %w", err)
	}
	return out.Valid, nil
}
