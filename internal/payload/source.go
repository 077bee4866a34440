package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// FromValues builds a Raw payload from a query string or urlencoded form.
// Only the first value of a repeated key is kept.
func FromValues(vals url.Values) Raw {
	raw := make(Raw, len(vals))
	for k, vs := range vals {
		if len(vs) == 0 {
			continue
		}
		raw[k] = vs[0]
	}
	return raw
}

// FromJSON decodes a JSON object body. Numbers are kept as json.Number so that
// large trader ids survive without float rounding.
func FromJSON(body []byte) (Raw, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Raw{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw Raw
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		raw = Raw{}
	}
	return raw, nil
}

// Merge copies src into dst without overwriting keys already present in dst.
func (r Raw) Merge(src Raw) Raw {
	if r == nil {
		r = Raw{}
	}
	for k, v := range src {
		if _, ok := r[k]; !ok {
			r[k] = v
		}
	}
	return r
}
