// Package features implements the persistent feature registry: the ordered list
// of work items the coding agent implements one session at a time, their
// completion status, and the progress summary derived from them.
//
// The registry file is the single source of truth for orchestration decisions.
// It is written by the external agent as well as by this package, so it is
// always re-read from disk instead of being cached across sessions.
package features

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status is the completion status of a feature.
type Status string

const (
	// StatusPending marks a feature that still needs work.
	StatusPending Status = "pending"
	// StatusPassing marks a completed feature. Once passing, a feature never reverts.
	StatusPassing Status = "passing"
)

// IsPassing reports whether the status counts as completed. Anything other
// than "passing", including statuses an agent may invent, is pending work.
func (s Status) IsPassing() bool {
	return s == StatusPassing
}

// Feature is one unit of work.
//
// Fields the agent adds beyond the known ones (steps, category, notes) are
// kept in Extra so saving a registry never drops the agent's data.
type Feature struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	CompletedAt *Timestamp `json:"completed_at,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownFeatureFields are the keys decoded into typed Feature fields.
//
//nolint:gochecknoglobals // lookup table
var knownFeatureFields = map[string]bool{
	"id":           true,
	"description":  true,
	"status":       true,
	"completed_at": true,
}

// featureFields is the typed view used for JSON encoding.
type featureFields struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	CompletedAt *Timestamp `json:"completed_at,omitempty"`
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (f *Feature) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("feature must be an object")
	}

	var fields featureFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*f = Feature{
		ID:          fields.ID,
		Description: fields.Description,
		Status:      fields.Status,
		CompletedAt: fields.CompletedAt,
	}
	if f.Status == "" {
		f.Status = StatusPending
	}
	for key, value := range raw {
		if knownFeatureFields[key] {
			continue
		}
		if f.Extra == nil {
			f.Extra = make(map[string]json.RawMessage)
		}
		f.Extra[key] = value
	}
	return nil
}

// MarshalJSON writes the known fields first, then Extra in key order.
func (f Feature) MarshalJSON() ([]byte, error) {
	known, err := marshalNoEscape(featureFields{
		ID:          f.ID,
		Description: f.Description,
		Status:      f.Status,
		CompletedAt: f.CompletedAt,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Extra) == 0 {
		return known, nil
	}

	// Marshaling a map sorts keys, which keeps output stable across saves.
	extra := make(map[string]json.RawMessage, len(f.Extra))
	for key, value := range f.Extra {
		if knownFeatureFields[key] {
			continue
		}
		extra[key] = value
	}
	if len(extra) == 0 {
		return known, nil
	}
	rest, err := marshalNoEscape(extra)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(known[:len(known)-1])
	buf.WriteByte(',')
	buf.Write(rest[1:])
	return buf.Bytes(), nil
}

// marshalNoEscape is json.Marshal without HTML escaping, so descriptions
// like "<Button> & <Link>" are stored as written.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// clone returns a deep copy of the feature.
func (f Feature) clone() Feature {
	out := f
	if f.CompletedAt != nil {
		ts := *f.CompletedAt
		out.CompletedAt = &ts
	}
	if f.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(f.Extra))
		for key, value := range f.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

// Registry is the ordered feature list. Order is fixed at creation and is the
// priority order for picking the next work item.
type Registry struct {
	Features []Feature `json:"features"`
}

// Summary is the progress derived from a registry. It is never persisted.
type Summary struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}

// String renders the summary the way the console banner shows it.
func (s Summary) String() string {
	return fmt.Sprintf("%d/%d (%.1f%%)", s.Completed, s.Total, s.Percentage)
}

// Summary computes the progress summary. A nil registry summarizes as empty.
func (r *Registry) Summary() Summary {
	if r == nil {
		return Summary{}
	}
	s := Summary{Total: len(r.Features)}
	for i := range r.Features {
		if r.Features[i].Status.IsPassing() {
			s.Completed++
		}
	}
	s.Pending = s.Total - s.Completed
	if s.Total > 0 {
		s.Percentage = math.Round(float64(s.Completed)/float64(s.Total)*1000) / 10
	}
	return s
}

// NextPending returns the first feature in stored order that is not passing.
// It returns false when every feature passes or the registry is empty.
func (r *Registry) NextPending() (Feature, bool) {
	if r == nil {
		return Feature{}, false
	}
	for i := range r.Features {
		if !r.Features[i].Status.IsPassing() {
			return r.Features[i].clone(), true
		}
	}
	return Feature{}, false
}

// Find returns the feature with the given id.
func (r *Registry) Find(id string) (Feature, bool) {
	if r == nil {
		return Feature{}, false
	}
	for i := range r.Features {
		if r.Features[i].ID == id {
			return r.Features[i].clone(), true
		}
	}
	return Feature{}, false
}

// MarkComplete marks the feature with the given id as passing, stamping
// completed_at with the current time.
func (r *Registry) MarkComplete(id string) *Registry {
	return r.MarkCompleteAt(id, time.Now())
}

// MarkCompleteAt returns a copy of the registry with the feature marked
// passing at the given time. A feature that already passes keeps its original
// completed_at, and an unknown id returns an unchanged copy.
func (r *Registry) MarkCompleteAt(id string, now time.Time) *Registry {
	out := r.Clone()
	for i := range out.Features {
		f := &out.Features[i]
		if f.ID != id {
			continue
		}
		if f.Status.IsPassing() && f.CompletedAt != nil {
			return out
		}
		ts := NewTimestamp(now)
		f.Status = StatusPassing
		f.CompletedAt = &ts
		return out
	}
	return out
}

// Clone returns a deep copy. Cloning nil yields an empty registry.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return &Registry{Features: []Feature{}}
	}
	out := &Registry{Features: make([]Feature, len(r.Features))}
	for i := range r.Features {
		out.Features[i] = r.Features[i].clone()
	}
	return out
}

// validate checks the structural invariants a loaded registry must satisfy.
func (r *Registry) validate() error {
	seen := make(map[string]int, len(r.Features))
	for i := range r.Features {
		id := r.Features[i].ID
		if id == "" {
			return fmt.Errorf("feature at index %d has no id", i)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("duplicate feature id %q at index %d and %d", id, prev, i)
		}
		seen[id] = i
	}
	return nil
}
