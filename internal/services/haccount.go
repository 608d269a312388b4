// Package services contains HTTP clients for the external habemus
// services the workspace server depends on: h-account (identity) and
// h-project (projects, permissions, versions).
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
)

const defaultRequestTimeout = 15 * time.Second

// TokenData is the decoded identity behind a client auth token.
type TokenData struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
}

// HAccount is the identity service client. Requests authenticate with
// the workspace server's own service token.
type HAccount struct {
	baseURI string
	token   string
	client  *http.Client
}

// NewHAccount builds an h-account client.
func NewHAccount(baseURI, serviceToken string) *HAccount {
	return &HAccount{
		baseURI: baseURI,
		token:   serviceToken,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

// DecodeToken asks h-account to decode a client's auth token. Any
// rejection surfaces as an AuthenticationError.
func (h *HAccount) DecodeToken(ctx context.Context, clientToken string) (*TokenData, error) {
	body, err := json.Marshal(map[string]string{"token": clientToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURI+"/auth/token/decode", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("h-account decode token: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &herrors.AuthenticationError{
			Message: fmt.Sprintf("token rejected (status %d)", res.StatusCode),
		}
	}

	var data TokenData
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("h-account decode token: %w", err)
	}
	return &data, nil
}
