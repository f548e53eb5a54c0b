// Package project defines the configuration project document: the persisted
// unit keyed by config_name, its environment overlays, and its audit history.
package project

import (
	"encoding/json"
	"time"
)

// Reserved top-level keys. Any other top-level key names a user-defined
// environment.
const (
	KeyDefault = "default"
	KeyEnviron = "environ"
	KeyHistory = "history"
	KeyParent  = "parent"
)

// Entry is a single configuration value within default or an environment.
// The outer map key and Key are kept equal so callers can iterate either the
// map or the slice form without losing the name.
type Entry struct {
	Key   string `json:"key"`
	Desc  string `json:"desc"`
	Value any    `json:"value"`
}

// EntrySet is a named-entry map, e.g. the contents of "default" or "prod".
type EntrySet map[string]Entry

// HistoryRecord captures one audited mutation of a single key.
type HistoryRecord struct {
	Before   Entry     `json:"before"`
	After    Entry     `json:"after"`
	Operator string    `json:"operator"`
	LUT      time.Time `json:"lut"`
}

// Document is the full persisted project: default entries, variable
// definitions, per-environment audit history, parent project names, and any
// number of user-defined environments.
type Document struct {
	Default      EntrySet                    `json:"default"`
	Environ      EntrySet                    `json:"environ"`
	History      map[string]map[string][]HistoryRecord `json:"history"`
	Parent       []string                    `json:"parent"`
	Environments map[string]EntrySet         `json:"-"`
}

// New returns an empty document with all reserved keys materialised, matching
// the ENV_DOMAIN default from the source implementation.
func New() *Document {
	return &Document{
		Default:      EntrySet{},
		Environ:      EntrySet{},
		History:      map[string]map[string][]HistoryRecord{},
		Parent:       []string{},
		Environments: map[string]EntrySet{},
	}
}

// Env returns the entry set for the named environment, or nil if it does not
// exist. The reserved namespaces are never returned by this accessor.
func (d *Document) Env(name string) (EntrySet, bool) {
	if d == nil {
		return nil, false
	}
	switch name {
	case KeyDefault, KeyEnviron, KeyHistory, KeyParent, "":
		return nil, false
	}
	set, ok := d.Environments[name]
	return set, ok
}

// HasEnv reports whether the document declares the named environment.
// KeyDefault is reserved and always materialised, so it is always present,
// mirroring the original's validate_env treatment of "default".
func (d *Document) HasEnv(name string) bool {
	if name == "" || name == KeyDefault {
		return true
	}
	_, ok := d.Env(name)
	return ok
}

// SetEnv creates or replaces an environment's entry set.
func (d *Document) SetEnv(name string, set EntrySet) {
	if d.Environments == nil {
		d.Environments = map[string]EntrySet{}
	}
	d.Environments[name] = set
}

// Clone performs a deep copy sufficient for resolution (entries, parent list,
// environment sets); history is shared by reference since resolution never
// mutates it.
func (d *Document) Clone() *Document {
	if d == nil {
		return New()
	}
	out := &Document{
		Default:      cloneEntrySet(d.Default),
		Environ:      cloneEntrySet(d.Environ),
		History:      d.History,
		Parent:       append([]string(nil), d.Parent...),
		Environments: make(map[string]EntrySet, len(d.Environments)),
	}
	for name, set := range d.Environments {
		out.Environments[name] = cloneEntrySet(set)
	}
	return out
}

func cloneEntrySet(set EntrySet) EntrySet {
	out := make(EntrySet, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

// MarshalJSON flattens the document into a single object whose top-level
// keys are the four reserved namespaces plus one key per user-defined
// environment, matching the wire/storage shape described in the spec.
func (d *Document) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, 4+len(d.Environments))
	flat[KeyDefault] = orEmpty(d.Default)
	flat[KeyEnviron] = orEmpty(d.Environ)
	flat[KeyHistory] = orEmptyHistory(d.History)
	flat[KeyParent] = orEmptyParent(d.Parent)
	for name, set := range d.Environments {
		flat[name] = set
	}
	return json.Marshal(flat)
}

// UnmarshalJSON accepts the same flattened shape, materialising any missing
// reserved key with its empty default per the spec invariant.
func (d *Document) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*d = *New()
	for key, raw := range flat {
		switch key {
		case KeyDefault:
			if err := json.Unmarshal(raw, &d.Default); err != nil {
				return err
			}
		case KeyEnviron:
			if err := json.Unmarshal(raw, &d.Environ); err != nil {
				return err
			}
		case KeyHistory:
			if err := json.Unmarshal(raw, &d.History); err != nil {
				return err
			}
		case KeyParent:
			if err := json.Unmarshal(raw, &d.Parent); err != nil {
				return err
			}
		default:
			var set EntrySet
			if err := json.Unmarshal(raw, &set); err != nil {
				return err
			}
			d.Environments[key] = set
		}
	}
	if d.Default == nil {
		d.Default = EntrySet{}
	}
	if d.Environ == nil {
		d.Environ = EntrySet{}
	}
	if d.History == nil {
		d.History = map[string]map[string][]HistoryRecord{}
	}
	if d.Parent == nil {
		d.Parent = []string{}
	}
	return nil
}

func orEmpty(set EntrySet) EntrySet {
	if set == nil {
		return EntrySet{}
	}
	return set
}

func orEmptyHistory(h map[string]map[string][]HistoryRecord) map[string]map[string][]HistoryRecord {
	if h == nil {
		return map[string]map[string][]HistoryRecord{}
	}
	return h
}

func orEmptyParent(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

// RecordHistory appends a before/after pair to history[env][key] unless the
// two entries encode to identical JSON, matching the source's
// no-op-on-identical-value behaviour (see sameEntry).
func (d *Document) RecordHistory(env string, before, after Entry, operator string, now time.Time) {
	if sameEntry(before, after) {
		return
	}
	if d.History == nil {
		d.History = map[string]map[string][]HistoryRecord{}
	}
	if d.History[env] == nil {
		d.History[env] = map[string][]HistoryRecord{}
	}
	d.History[env][after.Key] = append(d.History[env][after.Key], HistoryRecord{
		Before:   before,
		After:    after,
		Operator: operator,
		LUT:      now,
	})
}

func sameEntry(a, b Entry) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
