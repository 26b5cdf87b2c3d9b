package credclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

type ServiceAccount struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
	Secret     string `json:"secret,omitempty"`
	Revoked    bool   `json:"revoked"`
}

type listServiceAccountsResponse struct {
	Items         []ServiceAccount `json:"items"`
	NextPageToken string           `json:"next_page_token"`
}

// EnsureServiceAccount returns the service account for a workspace, creating
// it when absent. Idempotent by external ID. The secret is only present on
// the creating call; an existing account returns an empty secret.
func (c *Client) EnsureServiceAccount(ctx context.Context, workspaceID string) (ref string, secret string, err error) {
	account, err := c.getByExternalID(ctx, workspaceID)
	if err == nil && account != nil && !account.Revoked {
		return account.ID, "", nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", "", err
	}

	createReq := map[string]any{
		"name":        fmt.Sprintf("workspace-%s", workspaceID),
		"external_id": workspaceID,
		"metadata": map[string]any{
			"source": "workspace-cloud",
		},
	}

	var resp ResponseWrapper[ServiceAccount]
	if err := c.doRequest(ctx, http.MethodPost, "/api/service-accounts", createReq, &resp); err != nil {
		return "", "", err
	}
	return resp.Data.ID, resp.Data.Secret, nil
}

// RevokeServiceAccount revokes the referenced account. Revoking an account
// that is gone or already revoked is success.
func (c *Client) RevokeServiceAccount(ctx context.Context, credentialRef string) error {
	path := fmt.Sprintf("/api/service-accounts/%s", url.PathEscape(credentialRef))
	err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// GetServiceAccount retrieves an account by ID.
func (c *Client) GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	path := fmt.Sprintf("/api/service-accounts/%s", url.PathEscape(id))
	var resp ResponseWrapper[ServiceAccount]
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}
	return &resp.Data, nil
}

func (c *Client) getByExternalID(ctx context.Context, externalID string) (*ServiceAccount, error) {
	query := url.Values{}
	query.Set("external_id", externalID)
	query.Set("page_size", strconv.Itoa(1))

	var resp listServiceAccountsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/service-accounts?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, ErrNotFound
	}
	return &resp.Items[0], nil
}
