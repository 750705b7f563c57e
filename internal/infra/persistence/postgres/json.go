package postgres

import (
	"fmt"

	json "github.com/goccy/go-json"
)

func encodeJSON[T any](value T, empty string) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func decodeJSON[T any](raw []byte) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("json unmarshal: %w", err)
	}
	return out, nil
}
