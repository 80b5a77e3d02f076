package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ComputeChecksum returns the hex SHA-256 of the canonical JSON encoding of
// the model set, sorted by model name. Two registrations with the same
// models in any order produce the same checksum; the migration history uses
// it to skip no-op runs.
func ComputeChecksum(models []Model) (string, error) {
	sorted := make([]Model, len(models))
	copy(sorted, models)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	payload, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encoding models for checksum: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalDefinitions returns the canonical JSON document stored in the
// model_definitions column of the migration history.
func MarshalDefinitions(models []Model) ([]byte, error) {
	sorted := make([]Model, len(models))
	copy(sorted, models)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return json.Marshal(sorted)
}

// UnmarshalDefinitions parses a model_definitions document.
func UnmarshalDefinitions(data []byte) ([]Model, error) {
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("decoding model definitions: %w", err)
	}
	return models, nil
}
