package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Model is the public metadata of a text recognition model. Raw keeps the
// full record as returned by the server.
type Model struct {
	ModelID     int64  `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Type        string `json:"type"`

	Raw json.RawMessage `json:"-"`
}

func (m *Model) UnmarshalJSON(data []byte) error {
	type plain Model
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Model(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// PublicModels lists the publicly available text recognition models. The
// listing does not require authentication.
func (s *Session) PublicModels(ctx context.Context) ([]Model, error) {
	if s.config.ModelsURL == "" {
		return nil, fmt.Errorf("models endpoint not configured")
	}

	resp, err := s.Request(ctx, http.MethodGet, s.config.ModelsURL+"/models/text", nil, Anonymous())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var listing struct {
		Models []Model `json:"trpModelMetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to parse model listing: %w", err)
	}

	return listing.Models, nil
}
