package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPContactResolver looks contact endpoints up from the platform user
// service.
type HTTPContactResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPContactResolver(baseURL, apiKey string, client *http.Client) *HTTPContactResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPContactResolver{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (r *HTTPContactResolver) Email(ctx context.Context, userID string) (string, error) {
	c, err := r.fetch(ctx, userID)
	if err != nil {
		return "", err
	}
	if c.Email == "" {
		return "", fmt.Errorf("user %s has no email on file", userID)
	}
	return c.Email, nil
}

func (r *HTTPContactResolver) Phone(ctx context.Context, userID string) (string, error) {
	c, err := r.fetch(ctx, userID)
	if err != nil {
		return "", err
	}
	if c.Phone == "" {
		return "", fmt.Errorf("user %s has no phone on file", userID)
	}
	return c.Phone, nil
}

type contactRecord struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (r *HTTPContactResolver) fetch(ctx context.Context, userID string) (contactRecord, error) {
	url := fmt.Sprintf("%s/internal/users/%s/contact", r.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return contactRecord{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return contactRecord{}, fmt.Errorf("user service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return contactRecord{}, fmt.Errorf("user %s not found", userID)
	}
	if resp.StatusCode >= 300 {
		return contactRecord{}, fmt.Errorf("user service returned status %d", resp.StatusCode)
	}

	var c contactRecord
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return contactRecord{}, fmt.Errorf("bad user service response: %w", err)
	}
	return c, nil
}
