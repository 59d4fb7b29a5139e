package sheet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sheetJSON = `{"range":"Owners!A1:C4","majorDimension":"ROWS","values":[
	["Item","Assignee","Team"],
	["Review Q4 report","Bob Smith","Finance"],
	["Plan offsite","no match"],
	["Orphan"]
]}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/spreadsheets/sheet1/values/Owners!A:C" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "api-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sheetJSON))
	}))
}

func TestLookup_Match(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := NewWithBaseURL("api-key", "sheet1", "Owners!A:C", srv.URL)
	row, err := c.Lookup(context.Background(), "review q4 report")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := &Row{ItemName: "Review Q4 report", Assignee: "Bob Smith", Extra: map[string]string{"Team": "Finance"}}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}
}

func TestLookup_Misses(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	c := NewWithBaseURL("api-key", "sheet1", "Owners!A:C", srv.URL)
	for _, name := range []string{"Plan offsite", "Orphan", "Unknown item"} {
		row, err := c.Lookup(context.Background(), name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if row != nil {
			t.Errorf("Lookup(%q) = %+v, want nil", name, row)
		}
	}
}

func TestLookup_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWithBaseURL("k", "s", "", srv.URL).Lookup(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error for HTTP 403")
	}
}

func TestIsNoMatch(t *testing.T) {
	cases := map[string]bool{
		"":          true,
		"  ":        true,
		"No Match":  true,
		"N/A":       true,
		"-":         true,
		"Bob Smith": false,
	}
	for in, want := range cases {
		if got := IsNoMatch(in); got != want {
			t.Errorf("IsNoMatch(%q) = %v, want %v", in, got, want)
		}
	}
}
