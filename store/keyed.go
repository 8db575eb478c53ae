package store

import (
	"encoding/json"
	"fmt"
)

// Keyed pairs a decoded node with the key it is stored under. Stored types
// keep their key out of the node body, so Keyed adds it back as "id" when
// the value is sent to a client.
type Keyed[T any] struct {
	Key   string
	Value T
}

func (k Keyed[T]) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(k.Value)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("keyed value must encode as an object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["id"] = k.Key
	return json.Marshal(fields)
}

// WithKeys wraps items using key to read each item's key.
func WithKeys[T any](items []T, key func(T) string) []Keyed[T] {
	out := make([]Keyed[T], len(items))
	for i, item := range items {
		out[i] = Keyed[T]{Key: key(item), Value: item}
	}
	return out
}
