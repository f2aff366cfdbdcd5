package delta

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"
)

type mentionRecord struct {
	ID     FlexID `json:"i"`
	Offset int    `json:"o"`
	Length int    `json:"l"`
}

// DecodeMentions rebuilds the mention map of a message body from its encoded
// mention records. Offsets and lengths count UTF-16 code units, the unit the
// sending clients measure in; for ASCII bodies that is the byte offset.
// An empty encoding yields an empty map.
func DecodeMentions(body, encoded string) (map[string]string, error) {
	mentions := map[string]string{}
	if encoded == "" {
		return mentions, nil
	}

	var records []mentionRecord
	if err := json.Unmarshal([]byte(encoded), &records); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	for _, r := range records {
		mentions[string(r.ID)] = substring(body, r.Offset, r.Offset+r.Length)
	}
	return mentions, nil
}

// substring slices s by UTF-16 code units with clamping: out-of-range bounds
// are pinned to the string and reversed bounds are swapped.
func substring(s string, start, end int) string {
	units := utf16.Encode([]rune(s))
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i > len(units) {
			return len(units)
		}
		return i
	}
	start, end = clamp(start), clamp(end)
	if start > end {
		start, end = end, start
	}
	return string(utf16.Decode(units[start:end]))
}
