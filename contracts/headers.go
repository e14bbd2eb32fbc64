package contracts

import (
	"strconv"
)

// Well-known header names recognized by the pipeline
const (
	HeaderMessageID       = "x-message-id"
	HeaderMessageType     = "x-message-type"
	HeaderFailedAttempts  = "x-failed-attempts"
	HeaderChunkIndex      = "x-chunk-id"
	HeaderChunksCount     = "x-chunks-count"
	HeaderSourceEndpoint  = "x-source-endpoint"
	HeaderTraceID         = "x-trace-id"
	HeaderContentType     = "content-type"
	HeaderBatchID         = "x-batch-id"
	HeaderBatchSize       = "x-batch-size"
	HeaderMessageKey      = "x-message-key"
	HeaderEncryptionKeyID = "x-encryption-key-id"
)

// Header is a single name/value pair
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered list of headers. Names are not required to be unique;
// lookups return the first match.
type Headers []Header

// NewHeaders builds a header list from name/value pairs
func NewHeaders(pairs ...string) Headers {
	h := make(Headers, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		h = append(h, Header{Name: pairs[i], Value: pairs[i+1]})
	}
	return h
}

// Get returns the value of the first header with the given name
func (h Headers) Get(name string) (string, bool) {
	for _, header := range h {
		if header.Name == name {
			return header.Value, true
		}
	}
	return "", false
}

// Value returns the first value for name or an empty string
func (h Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// GetAll returns every value stored under name, in insertion order
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, header := range h {
		if header.Name == name {
			values = append(values, header.Value)
		}
	}
	return values
}

// Contains reports whether at least one header has the given name
func (h Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// GetInt parses the first header with the given name as an integer
func (h Headers) GetInt(name string) (int, bool) {
	v, ok := h.Get(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Add appends a header, keeping any existing header with the same name
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// AddIfNotExists appends the header only if the name is not present yet
func (h *Headers) AddIfNotExists(name, value string) {
	if h.Contains(name) {
		return
	}
	h.Add(name, value)
}

// AddOrReplace sets name to value. The first occurrence is updated in place
// and any further occurrences are dropped.
func (h *Headers) AddOrReplace(name, value string) {
	replaced := false
	out := (*h)[:0]
	for _, header := range *h {
		if header.Name != name {
			out = append(out, header)
			continue
		}
		if !replaced {
			out = append(out, Header{Name: name, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Remove deletes every header with the given name
func (h *Headers) Remove(name string) {
	out := (*h)[:0]
	for _, header := range *h {
		if header.Name != name {
			out = append(out, header)
		}
	}
	*h = out
}

// Clone returns an independent copy
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Map flattens the headers into a map keeping the first value of each name
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, header := range h {
		if _, exists := m[header.Name]; !exists {
			m[header.Name] = header.Value
		}
	}
	return m
}

// FailedAttempts returns the x-failed-attempts counter, zero when absent
func (h Headers) FailedAttempts() int {
	n, _ := h.GetInt(HeaderFailedAttempts)
	return n
}

// MessageID returns the x-message-id header
func (h Headers) MessageID() string {
	return h.Value(HeaderMessageID)
}
