package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/lightforgemedia/go-menshnet/pkg/command"
)

// Call is one command received by a CommandServer.
type Call struct {
	Path string
	Body map[string]any
}

// Str returns a string field of the request body, or "".
func (c Call) Str(key string) string {
	s, _ := c.Body[key].(string)
	return s
}

// CommandServer is an httptest stand-in for the menshnet command API.
// Requests carrying an API key other than the accepted one get 403.
type CommandServer struct {
	T      *testing.T
	Server *httptest.Server
	URL    string

	mu          sync.Mutex
	apiKey      string
	names       []string
	calls       []Call
	failures    map[string]int
	startResult any
	onStart     func(Call)
}

// NewCommandServer starts a fake command API accepting apiKey and offering names.
// The server is closed automatically when the test ends.
func NewCommandServer(t *testing.T, apiKey string, names ...string) *CommandServer {
	t.Helper()
	cs := &CommandServer{
		T:           t,
		apiKey:      apiKey,
		names:       names,
		failures:    make(map[string]int),
		startResult: map[string]any{"result": "started"},
	}
	mux := http.NewServeMux()
	for _, path := range []string{command.PathSetup, command.PathStart, command.PathStop, command.PathHeartbeat, command.PathDisconnect} {
		mux.HandleFunc("/api"+path, cs.handle(path))
	}
	cs.Server = httptest.NewServer(mux)
	cs.URL = cs.Server.URL + "/api"
	t.Cleanup(cs.Server.Close)
	return cs
}

// Fail makes every request to path answer with status.
func (cs *CommandServer) Fail(path string, status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failures[path] = status
}

// SetNames replaces the names returned by setup.
func (cs *CommandServer) SetNames(names ...string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.names = names
}

// SetStartResult sets the JSON body returned by a successful start.
func (cs *CommandServer) SetStartResult(v any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.startResult = v
}

// OnStart installs a hook run before start is acknowledged.
func (cs *CommandServer) OnStart(fn func(Call)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onStart = fn
}

// Calls returns the recorded calls to path ("" for all).
func (cs *CommandServer) Calls(path string) []Call {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []Call
	for _, c := range cs.calls {
		if path == "" || c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of calls to path.
func (cs *CommandServer) Count(path string) int {
	return len(cs.Calls(path))
}

func (cs *CommandServer) handle(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		call := Call{Path: path, Body: body}

		cs.mu.Lock()
		cs.calls = append(cs.calls, call)
		status := cs.failures[path]
		key := cs.apiKey
		names := append([]string(nil), cs.names...)
		startResult := cs.startResult
		onStart := cs.onStart
		cs.mu.Unlock()

		cs.T.Logf("CommandServer: %s %v", path, body)

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if call.Str("apiKey") != key {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch path {
		case command.PathSetup:
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"names": names}})
		case command.PathStart:
			if onStart != nil {
				onStart(call)
			}
			json.NewEncoder(w).Encode(startResult)
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
		}
	}
}
