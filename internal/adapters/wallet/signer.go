// Package wallet habla con el daemon local de firma. El bot nunca firma
// PSBTs por sí mismo: delega en un proceso separado que custodia las keys.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSigner implementa ports.OfferSigner contra un endpoint local.
type HTTPSigner struct {
	url    string
	client *http.Client
}

// NewHTTPSigner crea el cliente de firma.
func NewHTTPSigner(url string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Key  string `json:"key"`
	PSBT string `json:"psbt"`
}

type signResponse struct {
	SignedPSBT string `json:"signedPsbt"`
	Error      string `json:"error,omitempty"`
}

// Sign manda el PSBT al daemon y devuelve el PSBT firmado en base64.
func (s *HTTPSigner) Sign(ctx context.Context, keyHandle, psbt string) (string, error) {
	body, err := json.Marshal(signRequest{Key: keyHandle, PSBT: psbt})
	if err != nil {
		return "", fmt.Errorf("wallet.Sign: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("wallet.Sign: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wallet.Sign: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("wallet.Sign: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet.Sign: signer returned %d: %s", resp.StatusCode, string(data))
	}

	var sr signResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", fmt.Errorf("wallet.Sign: parse response: %w", err)
	}
	if sr.Error != "" {
		return "", fmt.Errorf("wallet.Sign: %s", sr.Error)
	}
	if sr.SignedPSBT == "" {
		return "", fmt.Errorf("wallet.Sign: empty signed psbt")
	}
	return sr.SignedPSBT, nil
}
