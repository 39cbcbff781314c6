package dag

import (
	"encoding/json"
	"fmt"
)

// KindItem is the store record kind every Item is committed as.
const KindItem = "dag_item"

// Item is one immutable unit of appended content.
type Item struct {
	Stream       Address `json:"stream"`
	Content      []byte  `json:"content"`
	PrevAuthored Ref     `json:"prev_authored"`
	PrevForeign  Ref     `json:"prev_foreign"`
}

// Encode returns the canonical bytes of the item. Field order is fixed, so
// byte-identical items built by different peers hash to the same address.
func (it Item) Encode() ([]byte, error) {
	if it.Stream == "" {
		return nil, fmt.Errorf("item has no stream")
	}
	if it.PrevAuthored.IsZero() || it.PrevForeign.IsZero() {
		return nil, fmt.Errorf("item is missing a predecessor")
	}
	return json.Marshal(it)
}

// DecodeItem parses bytes produced by Encode.
func DecodeItem(data []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, fmt.Errorf("failed to decode dag item: %w", err)
	}
	if it.Stream == "" {
		return Item{}, fmt.Errorf("failed to decode dag item: no stream")
	}
	return it, nil
}
