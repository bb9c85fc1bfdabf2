package session

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeAgentBinary writes a shell script that re-execs this test binary
// into TestAgentServerProcess, giving the launcher a real bootable
// agent server. mode selects a failure behaviour; empty means a
// well-behaved server.
func fakeAgentBinary(t *testing.T, mode string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script needs a POSIX shell")
	}

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fake-agent")
	script := fmt.Sprintf("#!/bin/sh\nAGENT_SERVER_PROCESS=1 AGENT_SERVER_MODE=%s exec %q -test.run '^TestAgentServerProcess$' -- \"$@\"\n",
		mode, self)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}
	return path
}

// TestAgentServerProcess is not a test in the usual sense: it is the
// body of the fake agent server subprocess. It serves the agent HTTP
// protocol on the port from the command line until it is signalled.
func TestAgentServerProcess(t *testing.T) {
	if os.Getenv("AGENT_SERVER_PROCESS") != "1" {
		t.Skip("runs only when re-executed by fakeAgentBinary")
	}

	var port string
	for i, arg := range os.Args {
		if arg == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	if port == "" {
		os.Exit(2)
	}
	mode := os.Getenv("AGENT_SERVER_MODE")

	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"healthy":true,"version":"0.0.0-test"}`)
	})
	mux.HandleFunc("/provider", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"all":[{"id":"anthropic","models":{"claude-sonnet":{}}}],"connected":["anthropic"]}`)
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, _ *http.Request) {
		if mode == "session-create-fails" {
			http.Error(w, "session store unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"id":"ses_fake"}`)
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"info":{}}`)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n",
			`{"type":"message.part.updated","properties":{"part":{"id":"prt_1","type":"text","sessionID":"ses_fake","text":"the answer is 42"}}}`)
		fmt.Fprintf(w, "data: %s\n\n",
			`{"type":"session.idle","properties":{"sessionID":"ses_fake"}}`)
		flusher.Flush()
		<-r.Context().Done()
	})

	if err := http.ListenAndServe("127.0.0.1:"+port, mux); err != nil {
		os.Exit(1)
	}
}
