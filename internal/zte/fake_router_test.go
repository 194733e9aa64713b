package zte

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// fakeRouter emulates the goform endpoints of the router web server.
type fakeRouter struct {
	t *testing.T

	salt         string
	crVersion    string
	innerVersion string
	rebootToken  string
	loginResult  any
	rebootResult any
	omitFields   map[string]bool

	mu       sync.Mutex
	gets     []url.Values
	posts    []url.Values
	referers []string
}

func newFakeRouter(t *testing.T) (*fakeRouter, *httptest.Server) {
	t.Helper()
	f := &fakeRouter{
		t:            t,
		salt:         "1A2B3C4D",
		crVersion:    "CR_MC888_V1.0",
		innerVersion: "WA_INNER_MC888_B12",
		rebootToken:  "RD-TOKEN-99",
		loginResult:  "0",
		rebootResult: "success",
		omitFields:   map[string]bool{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.referers = append(f.referers, r.Header.Get("Referer"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/html")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/goform/goform_get_cmd_process":
		q := r.URL.Query()
		f.mu.Lock()
		f.gets = append(f.gets, q)
		f.mu.Unlock()

		out := map[string]any{}
		for _, cmd := range strings.Split(q.Get("cmd"), ",") {
			if f.omitFields[cmd] {
				continue
			}
			switch cmd {
			case "LD":
				out["LD"] = f.salt
			case "RD":
				out["RD"] = f.rebootToken
			case "cr_version":
				out["cr_version"] = f.crVersion
			case "wa_inner_version":
				out["wa_inner_version"] = f.innerVersion
			}
		}
		_ = json.NewEncoder(w).Encode(out)

	case r.Method == http.MethodPost && r.URL.Path == "/goform/goform_set_cmd_process":
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, r.PostForm)
		f.mu.Unlock()

		switch r.PostForm.Get("goformId") {
		case "LOGIN":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": f.loginResult})
		case "REBOOT_DEVICE":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": f.rebootResult})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "failure"})
		}

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRouter) postsWith(goformID string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, p := range f.posts {
		if p.Get("goformId") == goformID {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRouter) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}
