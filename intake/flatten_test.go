package intake

import "testing"

func TestFlattenJSON(t *testing.T) {
	input := map[string]any{
		"a": map[string]any{
			"b": 1,
			"c": []any{"x", map[string]any{"y": true}},
		},
	}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 8, MaxKeys: 100})
	if flat["a.b"] != 1 {
		t.Fatalf("expected a.b=1, got %v", flat["a.b"])
	}
	if flat["a.c[0]"] != "x" {
		t.Fatalf("expected a.c[0]=x, got %v", flat["a.c[0]"])
	}
	if flat["a.c[1].y"] != true {
		t.Fatalf("expected a.c[1].y=true, got %v", flat["a.c[1].y"])
	}
}

func TestAttributionFields(t *testing.T) {
	raw := map[string]any{
		"name":            "Jane Smith",
		"email":           "jane@x.com",
		"idempotency_key": "k1",
		"consent":         true,
		"message":         "hi",
		"utm_source":      " google ",
		"utm_medium":      "",
		"gclid":           nil,
		"page":            map[string]any{"path": "/pricing", "ref": []any{"a"}},
	}
	got := AttributionFields(raw)
	want := map[string]any{"utm_source": "google", "page.path": "/pricing", "page.ref[0]": "a"}
	if len(got) != len(want) {
		t.Fatalf("unexpected attribution %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("attribution[%s] = %v, want %v", k, got[k], v)
		}
	}
}

func TestFlattenJSON_MaxKeysKeepsSortedPrefix(t *testing.T) {
	input := map[string]any{"d": "4", "b": "2", "a": "1", "c": "3"}
	for i := 0; i < 5; i++ {
		flat := FlattenJSON(input, FlattenOptions{MaxKeys: 2})
		if len(flat) != 2 || flat["a"] != "1" || flat["b"] != "2" {
			t.Fatalf("expected a and b only, got %v", flat)
		}
	}
}

func TestFlattenJSON_SkipAndDepth(t *testing.T) {
	input := map[string]any{
		"email": "x@y.com",
		"deep":  map[string]any{"l2": map[string]any{"l3": "v"}},
		"blank": "   ",
	}
	flat := FlattenJSON(input, FlattenOptions{MaxDepth: 2, Skip: map[string]bool{"email": true}})
	if _, ok := flat["email"]; ok {
		t.Fatalf("skipped key present: %v", flat)
	}
	if _, ok := flat["blank"]; ok {
		t.Fatalf("blank string kept: %v", flat)
	}
	if flat["deep.l2.l3"] != "<max_depth:2>" {
		t.Fatalf("expected depth marker, got %v", flat)
	}
}
