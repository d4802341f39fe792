package store

import (
	"encoding/json"
	"fmt"

	"github.com/hookdump/Brainstem/internal/model"
)

func encodeRememberResponse(resp model.RememberResponse) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("store: encode idempotency record: %w", err)
	}
	return string(raw), nil
}

func decodeRememberResponse(raw string) (model.RememberResponse, error) {
	var resp model.RememberResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return model.RememberResponse{}, fmt.Errorf("store: decode idempotency record: %w", err)
	}
	return resp, nil
}
