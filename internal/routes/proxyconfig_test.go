package routes

import (
	"reflect"
	"testing"
)

const sampleConfig = `blog.example.com {
	reverse_proxy blog-web-1:8080
}

docs.example.com {
	reverse_proxy docs-web-1:80
}
`

func TestParse(t *testing.T) {
	got, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Route{
		{Domain: "blog.example.com", Container: "blog-web-1", Port: "8080"},
		{Domain: "docs.example.com", Container: "docs-web-1", Port: "80"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Parse = %+v, want %+v", got, want)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	routes := []Route{
		{Domain: "docs.example.com", Container: "docs-web-1", Port: "80"},
		{Domain: "blog.example.com", Container: "blog-web-1", Port: "8080"},
	}
	rendered := Render(routes)
	reparsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse(Render(...)): %v", err)
	}
	if len(reparsed) != 2 || reparsed[0].Domain != "blog.example.com" {
		t.Fatalf("round trip mismatch: %+v", reparsed)
	}
}

func TestAddConflict(t *testing.T) {
	existing := []Route{{Domain: "blog.example.com", Container: "blog-web-1", Port: "8080"}}
	if _, err := Add(existing, Route{Domain: "blog.example.com", Container: "other", Port: "9000"}); err == nil {
		t.Fatal("expected conflict error for re-bound domain")
	}
	updated, err := Add(existing, Route{Domain: "new.example.com", Container: "new-web-1", Port: "80"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(updated))
	}
}

func TestRemove(t *testing.T) {
	existing := []Route{
		{Domain: "blog.example.com", Container: "blog-web-1", Port: "8080"},
		{Domain: "docs.example.com", Container: "docs-web-1", Port: "80"},
	}
	got := Remove(existing, "blog.example.com")
	if len(got) != 1 || got[0].Domain != "docs.example.com" {
		t.Fatalf("Remove = %+v", got)
	}
}
