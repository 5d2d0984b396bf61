package main

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"github.com/gorilla/mux"
)

func TestEnvNames(t *testing.T) {
	tests := []struct {
		flag string
		want []string
	}{
		{"password", []string{"WATTTIME_PASS", "WATTTIME_PASSWORD"}},
		{"username", []string{"WATTTIME_USERNAME"}},
		{"api_url", []string{"WATTTIME_API_URL"}},
		{"ha_token", []string{"HA_TOKEN"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, envNames(tt.flag)); diff != "" {
			t.Errorf("envNames(%q) unexpected diff (-want +got): %v", tt.flag, diff)
		}
	}
}

func TestFlagsFromEnv(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	user := fs.String("username", "YOUR USERNAME HERE", "")
	password := fs.String("password", "", "")
	region := fs.String("region", "CAISO_ZP26", "")
	secure := fs.Bool("ha_tls", false, "")
	if err := fs.Parse([]string{"-region", "MISO_INDIANAPOLIS"}); err != nil {
		t.Fatal(err)
	}

	// Flags not on the command line are replaced even if they have a default.
	env := map[string]string{
		"WATTTIME_USERNAME": "env-user",
		"WATTTIME_PASSWORD": "second choice",
		"WATTTIME_PASS":     "env-pass",
		"WATTTIME_REGION":   "ignored, the flag is set",
		"HA_TLS":            "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := flagsFromEnv(fs, lookup); err != nil {
		t.Fatalf("flagsFromEnv() unexpected error: %v", err)
	}

	got := []interface{}{*user, *password, *region, *secure}
	want := []interface{}{"env-user", "env-pass", "MISO_INDIANAPOLIS", true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flagsFromEnv() unexpected diff (-want +got): %v", diff)
	}
}

func TestFlagsFromEnv_InvalidValue(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Bool("ha_tls", false, "")
	lookup := func(string) (string, bool) { return "maybe", true }
	if err := flagsFromEnv(fs, lookup); err == nil {
		t.Error("flagsFromEnv() expected error for invalid bool")
	}
}

// fakeAPI serves the WattTime endpoints. The returned function reports the
// number of calls received by each path.
func fakeAPI(t *testing.T, loginOK bool) (*httptest.Server, func() map[string]int) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls[r.URL.Path]++
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	r.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if !loginOK {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("Forbidden"))
			return
		}
		w.Write([]byte(`{"token":"abc"}`))
	})
	r.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ba":"CAISO_ZP26","percent":"53"}`))
	})
	r.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ba":"CAISO_ZP26","value":936}]`))
	})
	r.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("starttime") != "" {
			w.Write([]byte(`[{"forecast":[]}]`))
			return
		}
		w.Write([]byte(`{"forecast":[]}`))
	})
	r.HandleFunc("/historical", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip bytes"))
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		ret := map[string]int{}
		for k, v := range calls {
			ret[k] = v
		}
		return ret
	}
}

func executeRun(t *testing.T, args ...string) (*runCmd, subcommands.ExitStatus) {
	t.Helper()
	t.Setenv("WATTTIME_PASS", "")
	t.Setenv("WATTTIME_PASSWORD", "")

	c := &runCmd{console: console{out: &bytes.Buffer{}, err: &bytes.Buffer{}}}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return c, c.Execute(context.Background(), fs)
}

func TestRun(t *testing.T) {
	ts, calls := fakeAPI(t, true)
	dir := t.TempDir()

	c, status := executeRun(t, "-api_url", ts.URL, "-username", "u", "-password", "p", "-dir", dir)
	if status != subcommands.ExitSuccess {
		t.Fatalf("run returned %v, stderr: %s", status, c.err)
	}

	wantCalls := map[string]int{"/login": 1, "/index": 1, "/data": 1, "/forecast": 2, "/historical": 1}
	if diff := cmp.Diff(wantCalls, calls()); diff != "" {
		t.Errorf("run unexpected calls (-want +got): %v", diff)
	}

	out := c.out.(*bytes.Buffer).String()
	path := filepath.Join(dir, "CAISO_ZP26_historical.zip")
	for _, want := range []string{
		`"percent": "53"`,
		subscriptionNote,
		`"value": 936`,
		"Wrote historical data for CAISO_ZP26 to " + path,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("run output does not contain %q:\n%s", want, out)
		}
	}
	if strings.Index(out, `"percent"`) > strings.Index(out, subscriptionNote) {
		t.Errorf("index must be printed before the subscription note:\n%s", out)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("cannot read archive: %v", err)
	}
	if string(got) != "zip bytes" {
		t.Errorf("archive content = %q, want %q", got, "zip bytes")
	}
}

func TestRun_LoginFailure(t *testing.T) {
	ts, calls := fakeAPI(t, false)

	c, status := executeRun(t, "-api_url", ts.URL, "-username", "u", "-password", "wrong", "-dir", t.TempDir())
	if status != subcommands.ExitFailure {
		t.Errorf("run returned %v, want ExitFailure", status)
	}
	if diff := cmp.Diff(map[string]int{"/login": 1}, calls()); diff != "" {
		t.Errorf("run unexpected calls (-want +got): %v", diff)
	}
	stderr := c.err.(*bytes.Buffer).String()
	if !strings.Contains(stderr, loginGuidance) || !strings.Contains(stderr, "Forbidden") {
		t.Errorf("run stderr does not explain the login failure:\n%s", stderr)
	}
	if out := c.out.(*bytes.Buffer).String(); out != "" {
		t.Errorf("run printed %q after a failed login", out)
	}
}

func TestRun_UsageDocumentsLoginFailure(t *testing.T) {
	if u := (runCmd{}).Usage(); !strings.Contains(u, "If login fails nothing else is queried") {
		t.Errorf("run usage does not explain the login failure:\n%s", u)
	}
}

func TestRun_InvalidFormat(t *testing.T) {
	ts, calls := fakeAPI(t, true)

	_, status := executeRun(t, "-api_url", ts.URL, "-password", "p", "-format", "xml")
	if status != subcommands.ExitUsageError {
		t.Errorf("run returned %v, want ExitUsageError", status)
	}
	if got := calls(); len(got) != 0 {
		t.Errorf("run called %v with an invalid format", got)
	}
}

func TestOutputFlags_YAML(t *testing.T) {
	ts, _ := fakeAPI(t, true)

	c := &indexCmd{}
	out := &bytes.Buffer{}
	c.console = console{out: out, err: &bytes.Buffer{}}
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse([]string{"-api_url", ts.URL, "-password", "p", "-format", "yaml"}); err != nil {
		t.Fatal(err)
	}
	if status := c.Execute(context.Background(), fs); status != subcommands.ExitSuccess {
		t.Fatalf("index returned %v", status)
	}
	want := "ba: CAISO_ZP26\npercent: \"53\"\n"
	if got := out.String(); got != want {
		t.Errorf("index printed %q, want %q", got, want)
	}
}
