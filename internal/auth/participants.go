package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPParticipantStore resolves entity participants from the platform order
// service. Results feed the room policy as input, not as a cached fact:
// membership can change between joins.
type HTTPParticipantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPParticipantStore(baseURL, apiKey string, client *http.Client) *HTTPParticipantStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPParticipantStore{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (s *HTTPParticipantStore) Participants(ctx context.Context, roomType, entityID string) ([]string, error) {
	url := fmt.Sprintf("%s/internal/%ss/%s/participants", s.baseURL, roomType, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("participant lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("participant lookup returned status %d", resp.StatusCode)
	}

	var out struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bad participant response: %w", err)
	}
	return out.Participants, nil
}
