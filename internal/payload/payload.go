// Package payload implements content hashing, structural diffing and
// recursive merging of JSON-like payloads.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dmaksimov/driftsync/internal/model"
)

// Checksum returns a hex SHA-256 over the canonical JSON encoding of p.
// encoding/json emits map keys in sorted order, so the result does not
// depend on key insertion order at any nesting depth.
func Checksum(p model.Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Merge merges local into server recursively. The server payload is the
// base: keys present only in local are added, keys present in both recurse
// when both values are objects, and on any primitive or array conflict the
// server value wins. Fields named in priorities are taken unconditionally
// from the designated side at the top level.
func Merge(local, server model.Payload, priorities map[string]model.FieldSide) model.Payload {
	out := mergeMaps(local, server)
	for field, side := range priorities {
		switch side {
		case model.SideLocal:
			if v, ok := local[field]; ok {
				out[field] = v
			} else {
				delete(out, field)
			}
		case model.SideServer:
			if v, ok := server[field]; ok {
				out[field] = v
			} else {
				delete(out, field)
			}
		}
	}
	return out
}

func mergeMaps(local, server map[string]any) map[string]any {
	out := make(map[string]any, len(server)+len(local))
	for k, v := range server {
		out[k] = v
	}
	for k, lv := range local {
		sv, exists := out[k]
		if !exists {
			out[k] = lv
			continue
		}
		lm, lok := lv.(map[string]any)
		sm, sok := sv.(map[string]any)
		if lok && sok {
			out[k] = mergeMaps(lm, sm)
		}
		// primitive or array conflict: server value stays
	}
	return out
}

// Diff computes a structural field-level diff from a to b. Objects are
// compared by key set, arrays element-wise by index, everything else by
// deep equality.
func Diff(a, b model.Payload) []model.DiffEntry {
	var out []model.DiffEntry
	diffMaps("", a, b, &out)
	return out
}

func diffMaps(prefix string, a, b map[string]any, out *[]model.DiffEntry) {
	for k, av := range a {
		path := joinPath(prefix, k)
		bv, ok := b[k]
		if !ok {
			*out = append(*out, model.DiffEntry{Kind: model.DiffRemoved, Field: path, From: av})
			continue
		}
		diffValues(path, av, bv, out)
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			*out = append(*out, model.DiffEntry{Kind: model.DiffAdded, Field: joinPath(prefix, k), To: bv})
		}
	}
}

func diffValues(path string, av, bv any, out *[]model.DiffEntry) {
	am, aok := av.(map[string]any)
	bm, bok := bv.(map[string]any)
	if aok && bok {
		diffMaps(path, am, bm, out)
		return
	}
	as, aok := av.([]any)
	bs, bok := bv.([]any)
	if aok && bok {
		diffSlices(path, as, bs, out)
		return
	}
	if !reflect.DeepEqual(av, bv) {
		*out = append(*out, model.DiffEntry{Kind: model.DiffChanged, Field: path, From: av, To: bv})
	}
}

func diffSlices(path string, a, b []any, out *[]model.DiffEntry) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		elem := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case i >= len(a):
			*out = append(*out, model.DiffEntry{Kind: model.DiffAdded, Field: elem, To: b[i]})
		case i >= len(b):
			*out = append(*out, model.DiffEntry{Kind: model.DiffRemoved, Field: elem, From: a[i]})
		default:
			diffValues(elem, a[i], b[i], out)
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
