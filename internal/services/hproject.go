package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
)

// Project is the h-project record the workspace server cares about.
type Project struct {
	ID   string `json:"_id"`
	Code string `json:"code"`
}

// Version describes one published version of a project. SrcSignedURL
// points at the version's zip archive; it is either an https signed URL
// or an s3://bucket/key reference.
type Version struct {
	Code         string `json:"code"`
	SrcSignedURL string `json:"srcSignedURL"`
}

// HProject is the project service client.
type HProject struct {
	baseURI string
	token   string
	client  *http.Client
}

// NewHProject builds an h-project client.
func NewHProject(baseURI, serviceToken string) *HProject {
	return &HProject{
		baseURI: baseURI,
		token:   serviceToken,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (h *HProject) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURI+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("h-project %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return &herrors.NotFound{Resource: "project"}
	case res.StatusCode < 200 || res.StatusCode > 299:
		return fmt.Errorf("h-project %s %s: status %d", method, path, res.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("h-project %s %s: %w", method, path, err)
		}
	}
	return nil
}

// GetByCode fetches a project by its user-facing code.
func (h *HProject) GetByCode(ctx context.Context, code string) (*Project, error) {
	var project Project
	path := "/project/" + url.PathEscape(code) + "?byCode=true"
	if err := h.do(ctx, http.MethodGet, path, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// VerifyPermissions checks that the subject holds every one of the given
// scopes on the project.
func (h *HProject) VerifyPermissions(ctx context.Context, sub, projectID string, scopes []string) (bool, error) {
	var result struct {
		Allowed bool `json:"allowed"`
	}
	path := "/project/" + url.PathEscape(projectID) + "/verify-permissions"
	body := map[string]interface{}{
		"subject":     sub,
		"permissions": scopes,
	}
	if err := h.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// GetLatestVersion fetches the latest published version of a project,
// including a source URL for its archive.
func (h *HProject) GetLatestVersion(ctx context.Context, projectID string) (*Version, error) {
	var version Version
	path := "/project/" + url.PathEscape(projectID) + "/versions/latest?srcSignedURL=true"
	if err := h.do(ctx, http.MethodGet, path, nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}
