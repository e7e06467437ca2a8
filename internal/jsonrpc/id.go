package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request identifier. The harness only allocates integer ids,
// but servers may echo or originate string ids, so both forms decode.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// NewID returns an integer id.
func NewID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// Int reports the integer value of the id, if it is one.
func (id ID) Int() (int64, bool) {
	if id.isStr {
		return 0, false
	}
	return id.num, true
}

func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Fractional numbers are rejected.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("jsonrpc: invalid id %s", b)
	}
	*id = NewID(n)
	return nil
}
