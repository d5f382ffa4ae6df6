package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TempIDPrefix marks client-generated placeholder ids. Server ids never
// carry it.
const TempIDPrefix = "temp-"

// ID identifies a server record. The backend emits numeric ids for chat
// entities and UUID strings for notifications; temp ids are strings, so all
// of them decode into the same type.
type ID string

// IsTemp reports whether the id is a client-generated placeholder.
func (i ID) IsTemp() bool { return strings.HasPrefix(string(i), TempIDPrefix) }

func (i ID) String() string { return string(i) }

// UnmarshalJSON accepts both JSON numbers and strings.
func (i *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*i = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*i = ID(n.String())
	return nil
}

// MarshalJSON writes purely numeric ids as JSON numbers so request bodies
// match what the backend sent.
func (i ID) MarshalJSON() ([]byte, error) {
	if isDigits(string(i)) {
		return []byte(i), nil
	}
	return json.Marshal(string(i))
}

func isDigits(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
