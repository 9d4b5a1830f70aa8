package resolver

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
)

func ts(wall uint64, logical uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{WallTime: wall, Logical: logical, NodeID: node}
}

func putEntry(collection, key string, data string, stamp hlc.Timestamp) model.OplogEntry {
	return model.OplogEntry{
		Collection: collection,
		Key:        key,
		Data:       []byte(data),
		Timestamp:  stamp,
		Operation:  model.OpPut,
	}
}

func deleteEntry(collection, key string, stamp hlc.Timestamp) model.OplogEntry {
	return model.OplogEntry{
		Collection: collection,
		Key:        key,
		Timestamp:  stamp,
		Operation:  model.OpDelete,
	}
}

// --------------------------------------------------------------------------
// LWW
// --------------------------------------------------------------------------

func TestLWWNoLocalDocument(t *testing.T) {
	r := NewLWWResolver()

	res := r.Resolve(nil, putEntry("users", "alice", `{"name":"Alice"}`, ts(100, 0, "A")))
	if !res.Apply {
		t.Fatal("expected apply for unknown identity")
	}
	if res.Doc.Tombstone || string(res.Doc.Data) != `{"name":"Alice"}` {
		t.Errorf("unexpected document: %+v", res.Doc)
	}

	// Remote delete of an unknown identity materializes a tombstone
	res = r.Resolve(nil, deleteEntry("users", "bob", ts(100, 0, "A")))
	if !res.Apply || !res.Doc.Tombstone || len(res.Doc.Data) != 0 {
		t.Errorf("expected tombstone, got %+v", res.Doc)
	}
}

func TestLWWNewerRemoteWins(t *testing.T) {
	r := NewLWWResolver()
	local := model.NewDocument("users", "alice", []byte(`{"v":1}`), ts(100, 0, "A"))

	res := r.Resolve(&local, putEntry("users", "alice", `{"v":2}`, ts(200, 0, "B")))
	if !res.Apply || string(res.Doc.Data) != `{"v":2}` {
		t.Errorf("expected remote to win, got %+v", res)
	}

	res = r.Resolve(&local, putEntry("users", "alice", `{"v":0}`, ts(50, 0, "B")))
	if res.Apply {
		t.Errorf("expected stale remote to be ignored")
	}
}

func TestLWWTieBreaksOnNodeID(t *testing.T) {
	r := NewLWWResolver()
	local := model.NewDocument("users", "alice", []byte(`{"v":1}`), ts(100, 0, "A"))

	// Same wall/logical, higher node id wins
	res := r.Resolve(&local, putEntry("users", "alice", `{"v":2}`, ts(100, 0, "B")))
	if !res.Apply {
		t.Error("expected higher node id to win the tie")
	}

	res = r.Resolve(&local, putEntry("users", "alice", `{"v":2}`, ts(100, 0, "A")))
	if res.Apply {
		t.Error("identical timestamps must be ignored")
	}
}

func TestLWWIdempotent(t *testing.T) {
	r := NewLWWResolver()
	remote := putEntry("users", "alice", `{"v":2}`, ts(200, 0, "B"))

	local := model.NewDocument("users", "alice", []byte(`{"v":1}`), ts(100, 0, "A"))
	first := r.Resolve(&local, remote)
	if !first.Apply {
		t.Fatal("expected first application")
	}

	// Applying the same operation again against the new state is a no-op
	second := r.Resolve(&first.Doc, remote)
	if second.Apply {
		t.Error("re-applying the same operation must be ignored")
	}
}

func TestLWWDeletePropagation(t *testing.T) {
	r := NewLWWResolver()
	local := model.NewDocument("users", "bob", []byte(`{"v":1}`), ts(100, 0, "A"))

	res := r.Resolve(&local, deleteEntry("users", "bob", ts(300, 0, "A")))
	if !res.Apply || !res.Doc.Tombstone {
		t.Fatalf("expected tombstone, got %+v", res)
	}
	if res.Doc.Timestamp != ts(300, 0, "A") {
		t.Errorf("tombstone must carry the delete timestamp, got %v", res.Doc.Timestamp)
	}
	if len(res.Doc.Data) != 0 {
		t.Error("tombstone must have empty data")
	}
}

// --------------------------------------------------------------------------
// Recursive Merge
// --------------------------------------------------------------------------

func mergeResult(t *testing.T, local model.Document, remote model.OplogEntry) map[string]any {
	t.Helper()
	res := NewMergeResolver().Resolve(&local, remote)
	if !res.Apply {
		t.Fatalf("expected merge to apply")
	}
	var out map[string]any
	if err := json.Unmarshal(res.Doc.Data, &out); err != nil {
		t.Fatalf("merged document is not valid JSON: %v", err)
	}
	return out
}

func TestMergeObjectsAndKeyedArrays(t *testing.T) {
	// The canonical scenario: disjoint object fields survive, array
	// elements merge by id, new remote elements are appended.
	t1 := ts(100, 0, "A")
	t2 := ts(200, 0, "B")
	local := model.NewDocument("users", "a",
		[]byte(`{"profile":{"name":"A","tags":[{"id":"1","v":1}]}}`), t1)
	remote := putEntry("users", "a",
		`{"profile":{"age":30,"tags":[{"id":"1","v":2},{"id":"2","v":9}]}}`, t2)

	got := mergeResult(t, local, remote)

	want := map[string]any{
		"profile": map[string]any{
			"name": "A",
			"age":  float64(30),
			"tags": []any{
				map[string]any{"id": "1", "v": float64(2)},
				map[string]any{"id": "2", "v": float64(9)},
			},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merge mismatch:\ngot  %v\nwant %v", got, want)
	}

	// The merged document carries the larger timestamp
	res := NewMergeResolver().Resolve(&local, remote)
	if res.Doc.Timestamp != t2 {
		t.Errorf("expected timestamp %v, got %v", t2, res.Doc.Timestamp)
	}
}

func TestMergeCommutativeOverDisjointKeys(t *testing.T) {
	tA := ts(100, 0, "A")
	tB := ts(200, 0, "B")
	docA := `{"a":1}`
	docB := `{"b":2}`

	localA := model.NewDocument("c", "k", []byte(docA), tA)
	gotAB := mergeResult(t, localA, putEntry("c", "k", docB, tB))

	localB := model.NewDocument("c", "k", []byte(docB), tB)
	gotBA := mergeResult(t, localB, putEntry("c", "k", docA, tA))

	if !reflect.DeepEqual(gotAB, gotBA) {
		t.Errorf("merge not commutative over disjoint keys:\nA<-B %v\nB<-A %v", gotAB, gotBA)
	}
}

func TestMergePrimitiveConflictUsesLWW(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`{"v":"old"}`), ts(100, 0, "A"))
	got := mergeResult(t, local, putEntry("c", "k", `{"v":"new"}`, ts(200, 0, "B")))
	if got["v"] != "new" {
		t.Errorf("expected newer primitive to win, got %v", got["v"])
	}

	// Older remote loses the field but still contributes disjoint keys
	local = model.NewDocument("c", "k", []byte(`{"v":"current"}`), ts(300, 0, "A"))
	got = mergeResult(t, local, putEntry("c", "k", `{"v":"stale","extra":true}`, ts(200, 0, "B")))
	if got["v"] != "current" || got["extra"] != true {
		t.Errorf("unexpected merge of stale remote: %v", got)
	}
}

func TestMergeTypeMismatchUsesLWW(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`{"v":{"nested":1}}`), ts(100, 0, "A"))
	got := mergeResult(t, local, putEntry("c", "k", `{"v":[1,2]}`, ts(200, 0, "B")))
	if _, ok := got["v"].([]any); !ok {
		t.Errorf("expected newer array to replace object, got %v", got["v"])
	}
}

func TestMergeUnkeyedArrayUsesLWW(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`{"tags":[1,2,3]}`), ts(100, 0, "A"))
	got := mergeResult(t, local, putEntry("c", "k", `{"tags":[4]}`, ts(200, 0, "B")))
	if !reflect.DeepEqual(got["tags"], []any{float64(4)}) {
		t.Errorf("expected whole-array LWW for unkeyed arrays, got %v", got["tags"])
	}
}

func TestMergeArrayWithDuplicateIDsUsesLWW(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`{"xs":[{"id":"1"},{"id":"1"}]}`), ts(300, 0, "A"))
	got := mergeResult(t, local, putEntry("c", "k", `{"xs":[{"id":"2"}]}`, ts(200, 0, "B")))
	// Duplicate ids disqualify element-wise merging; older remote loses
	if len(got["xs"].([]any)) != 2 {
		t.Errorf("expected local array to survive, got %v", got["xs"])
	}
}

func TestMergeUnderscoreID(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`{"xs":[{"_id":1,"v":"a"}]}`), ts(100, 0, "A"))
	got := mergeResult(t, local, putEntry("c", "k", `{"xs":[{"_id":1,"v":"b"},{"_id":2,"v":"c"}]}`, ts(200, 0, "B")))
	xs := got["xs"].([]any)
	if len(xs) != 2 {
		t.Fatalf("expected 2 elements, got %v", xs)
	}
	if xs[0].(map[string]any)["v"] != "b" {
		t.Errorf("expected element _id=1 to take the newer value, got %v", xs[0])
	}
}

func TestMergeRemoteDeleteIsLWW(t *testing.T) {
	r := NewMergeResolver()
	local := model.NewDocument("c", "k", []byte(`{"v":1}`), ts(100, 0, "A"))

	res := r.Resolve(&local, deleteEntry("c", "k", ts(200, 0, "B")))
	if !res.Apply || !res.Doc.Tombstone {
		t.Fatalf("expected newer delete to tombstone, got %+v", res)
	}

	res = r.Resolve(&local, deleteEntry("c", "k", ts(50, 0, "B")))
	if res.Apply {
		t.Error("stale delete must be ignored")
	}
}

func TestMergeNoLocalBehavesLikeLWW(t *testing.T) {
	res := NewMergeResolver().Resolve(nil, putEntry("c", "k", `{"v":1}`, ts(100, 0, "A")))
	if !res.Apply || string(res.Doc.Data) != `{"v":1}` {
		t.Errorf("unexpected resolution: %+v", res)
	}
}

func TestMergeInvalidJSONFallsBackToLWW(t *testing.T) {
	local := model.NewDocument("c", "k", []byte(`not json`), ts(100, 0, "A"))
	res := NewMergeResolver().Resolve(&local, putEntry("c", "k", `{"v":1}`, ts(200, 0, "B")))
	if !res.Apply || string(res.Doc.Data) != `{"v":1}` {
		t.Errorf("expected LWW fallback on invalid local JSON, got %+v", res)
	}
}
