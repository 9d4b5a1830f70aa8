package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Recursive Merge Resolver
// --------------------------------------------------------------------------

// mergeResolver implements a structural JSON merge. Instead of letting the
// newest write replace the whole document it recurses into objects and
// keyed arrays, so concurrent edits to disjoint fields both survive.
// Deletes and non-structural values still resolve via last-write-wins.
type mergeResolver struct{}

// NewMergeResolver creates a resolver that deep-merges JSON documents.
// The merged document carries the larger of the two timestamps.
func NewMergeResolver() IResolver {
	return &mergeResolver{}
}

func (r *mergeResolver) Resolve(local *model.Document, remote model.OplogEntry) Resolution {
	// Unknown identity or deletions behave exactly like LWW
	if local == nil || remote.Operation == model.OpDelete {
		return lwwPick(local, remote)
	}

	// Tombstoned local or empty content on either side: nothing to merge
	if local.Tombstone || len(local.Data) == 0 || len(remote.Data) == 0 {
		return lwwPick(local, remote)
	}

	var localVal, remoteVal any
	if err := json.Unmarshal(local.Data, &localVal); err != nil {
		return lwwPick(local, remote)
	}
	if err := json.Unmarshal(remote.Data, &remoteVal); err != nil {
		return lwwPick(local, remote)
	}

	merged := mergeValues(localVal, local.Timestamp, remoteVal, remote.Timestamp)

	data, err := json.Marshal(merged)
	if err != nil {
		// Values decoded from JSON always re-encode, this is unreachable
		// in practice but LWW is the safe answer
		return lwwPick(local, remote)
	}

	return Resolution{
		Apply: true,
		Doc:   model.NewDocument(remote.Collection, remote.Key, data, maxTimestamp(local.Timestamp, remote.Timestamp)),
	}
}

// --------------------------------------------------------------------------
// Merge Recursion
// --------------------------------------------------------------------------

// mergeValues merges two decoded JSON values. The dynamic JSON sum type is
// what encoding/json produces: nil, bool, float64, string, []any and
// map[string]any; the recursion dispatches on those tags.
func mergeValues(local any, localTs hlc.Timestamp, remote any, remoteTs hlc.Timestamp) any {
	switch localTyped := local.(type) {
	case map[string]any:
		if remoteTyped, ok := remote.(map[string]any); ok {
			return mergeObjects(localTyped, localTs, remoteTyped, remoteTs)
		}
	case []any:
		if remoteTyped, ok := remote.([]any); ok {
			return mergeArrays(localTyped, localTs, remoteTyped, remoteTs)
		}
	}

	// Type mismatch or primitive: newest side wins. Equal primitives keep
	// either value, which this covers as well.
	if remoteTs.After(localTs) {
		return remote
	}
	return local
}

// mergeObjects merges two JSON objects field-wise. Keys present on only
// one side are retained as-is.
func mergeObjects(local map[string]any, localTs hlc.Timestamp, remote map[string]any, remoteTs hlc.Timestamp) map[string]any {
	merged := make(map[string]any, len(local)+len(remote))

	for key, localVal := range local {
		if remoteVal, ok := remote[key]; ok {
			merged[key] = mergeValues(localVal, localTs, remoteVal, remoteTs)
		} else {
			merged[key] = localVal
		}
	}
	for key, remoteVal := range remote {
		if _, ok := local[key]; !ok {
			merged[key] = remoteVal
		}
	}

	return merged
}

// mergeArrays merges two JSON arrays element-wise if every element of both
// arrays is an object carrying a unique "id" or "_id". Elements present on
// both sides merge recursively, elements new on the remote side are
// appended. Arrays that do not meet the criteria resolve as a whole via
// LWW.
func mergeArrays(local []any, localTs hlc.Timestamp, remote []any, remoteTs hlc.Timestamp) any {
	localByID, localOK := indexByID(local)
	remoteByID, remoteOK := indexByID(remote)

	if !localOK || !remoteOK {
		if remoteTs.After(localTs) {
			return remote
		}
		return local
	}

	merged := make([]any, 0, len(local)+len(remote))

	// Keep local element order, merging where the remote has the same id
	for _, localElem := range local {
		id := elementID(localElem.(map[string]any))
		if remoteElem, ok := remoteByID[id]; ok {
			merged = append(merged, mergeValues(localElem, localTs, remoteElem, remoteTs))
		} else {
			merged = append(merged, localElem)
		}
	}

	// Append remote-only elements in remote order
	for _, remoteElem := range remote {
		id := elementID(remoteElem.(map[string]any))
		if _, ok := localByID[id]; !ok {
			merged = append(merged, remoteElem)
		}
	}

	return merged
}

// indexByID builds an id -> element map for an array. The second return
// value is false if any element is not an object, lacks an id, or shares
// an id with another element.
func indexByID(elems []any) (map[string]any, bool) {
	index := make(map[string]any, len(elems))
	for _, elem := range elems {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, false
		}
		id := elementID(obj)
		if id == "" {
			return nil, false
		}
		if _, dup := index[id]; dup {
			return nil, false
		}
		index[id] = elem
	}
	return index, true
}

// elementID extracts the identifier of an array element, coerced to a
// string. "id" takes precedence over "_id"; an empty return means the
// element has no usable identifier.
func elementID(obj map[string]any) string {
	for _, key := range []string{"id", "_id"} {
		if val, ok := obj[key]; ok && val != nil {
			switch typed := val.(type) {
			case string:
				return typed
			case float64:
				return fmt.Sprintf("%v", typed)
			case bool:
				return fmt.Sprintf("%t", typed)
			}
		}
	}
	return ""
}
