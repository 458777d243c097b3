package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id. It holds either a string or an integer and
// round-trips the original JSON form so responses echo exactly what the
// client sent.
type RequestID struct {
	str   string
	num   int64
	isStr bool
	set   bool
}

// StringID returns a string-valued id.
func StringID(s string) *RequestID { return &RequestID{str: s, isStr: true, set: true} }

// IntID returns an integer-valued id.
func IntID(n int64) *RequestID { return &RequestID{num: n, set: true} }

// String returns a printable form of the id, suitable for logs and map keys.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// IsNil reports whether the id is absent or JSON null.
func (id *RequestID) IsNil() bool {
	return id == nil || !id.set
}

// MarshalJSON implements json.Marshaler. An unset id encodes as null.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{str: s, isStr: true, set: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", string(data))
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("JSON-RPC id must be an integer, got: %s", n.String())
	}
	*id = RequestID{num: v, set: true}
	return nil
}
