// Package event implements the EVM's event data model: the canonical
// JSON object, its identity (event_id), and the deterministic
// serialization the rest of the core hashes and signs.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Event is the canonical Matrix-shaped event object described in
// spec.md §3. Content is left as a loosely-typed map since its shape
// depends entirely on Type and is opaque to the EVM core.
type Event struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Type           string                       `json:"type"`
	Sender         string                       `json:"sender"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        map[string]interface{}       `json:"content"`
	PrevEvents     []string                     `json:"prev_events"`
	AuthEvents     []string                     `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	Origin         string                       `json:"origin,omitempty"`
	OriginServerTS int64                        `json:"origin_server_ts,omitempty"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       map[string]interface{}       `json:"unsigned,omitempty"`
}

// MaxDepth saturates at the int64 max per spec.md §9 ("depth overflow...
// saturates to max and does not increment").
const MaxDepth = int64(1<<63 - 1)

// IsEphemeral reports whether an event lacks an event_id — an EDU per
// spec.md's glossary, dispatched through the same hook sites but never
// written to the log.
func (e *Event) IsEphemeral() bool {
	return e.EventID == ""
}

// NextDepth computes depth+1, saturating at MaxDepth rather than
// wrapping, matching the original implementation's documented (if
// surprising) behavior: once depth reaches the maximum it no longer
// increments.
func NextDepth(depth int64) int64 {
	if depth >= MaxDepth {
		return MaxDepth
	}
	return depth + 1
}

// toCanonicalMap renders the event to a plain map via a JSON round-trip
// so nested content (already a map) and top-level fields are uniformly
// representable. It strips nothing; ReferenceBytes removes the fields
// reference_hash must exclude.
func (e *Event) toCanonicalMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal for canonicalization: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("event: unmarshal for canonicalization: %w", err)
	}
	return m, nil
}

// CanonicalBytes returns the deterministic serialization used as digest
// input: encoding/json.Marshal already sorts map keys and elides
// insignificant whitespace, so marshaling the round-tripped map gives a
// stable byte sequence across processes for the same logical event.
func (e *Event) CanonicalBytes() ([]byte, error) {
	m, err := e.toCanonicalMap()
	if err != nil {
		return nil, err
	}
	return canonicalMarshal(m)
}

// canonicalMarshal re-encodes v with object keys sorted at every
// nesting level and no extraneous whitespace. encoding/json already
// sorts map[string]interface{} keys; normalize rebuilds every such map
// (and every array element) as an orderedObject so the sorted,
// whitespace-free form is produced explicitly at each nesting level.
func canonicalMarshal(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := orderedObject{keys: keys, values: make(map[string]interface{}, len(val))}
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out.values[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

// orderedObject implements json.Marshaler to emit object members in a
// fixed, sorted key order with no extra whitespace.
type orderedObject struct {
	keys   []string
	values map[string]interface{}
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := canonicalMarshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ReferenceBytes returns the canonical bytes used as digest input for
// make_id: the full canonical form with signatures, hashes, and unsigned
// stripped (spec.md §4.A).
func (e *Event) ReferenceBytes() ([]byte, error) {
	m, err := e.toCanonicalMap()
	if err != nil {
		return nil, err
	}
	delete(m, "signatures")
	delete(m, "hashes")
	delete(m, "unsigned")
	return canonicalMarshal(m)
}

// MakeID forms an event_id of the shape "$<base64url(digest)>:<origin>"
// per spec.md §4.A.
func MakeID(origin string, digest []byte) string {
	return "$" + base64URLNoPad(digest) + ":" + origin
}

// PrettyOneline renders a single human-readable log line for an event,
// the logging-side feature spec.md §6 of SPEC_FULL.md calls out as
// carried over from the original implementation's m::pretty_oneline.
func (e *Event) PrettyOneline() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", shortID(e.EventID), e.Type)
	if e.StateKey != nil {
		fmt.Fprintf(&b, " [%s]", *e.StateKey)
	}
	fmt.Fprintf(&b, " sender=%s depth=%d room=%s", e.Sender, e.Depth, e.RoomID)
	if body := previewContent(e.Content); body != "" {
		fmt.Fprintf(&b, " content=%s", body)
	}
	return b.String()
}

func shortID(id string) string {
	if id == "" {
		return "<edu>"
	}
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}

// previewContent renders a short, stable preview of the content map for
// log lines without dumping the entire (possibly large) payload.
func previewContent(content map[string]interface{}) string {
	if len(content) == 0 {
		return ""
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	const maxKeys = 3
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", content[k])
		if len(v) > 32 {
			v = v[:32] + "…"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
