package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
	"github.com/tsok-org/model-context-protocol/streaminghttp"
)

// policyDoc is the on-disk shape of a response-mode policy file: the
// set of JSON-RPC methods that should stream their response over SSE.
// Anything not listed falls back to JSON mode, the transport's default.
type policyDoc struct {
	StreamingMethods []string `json:"streamingMethods"`
}

// PolicyWatcher watches a response-mode policy file and hot-swaps the
// set of methods it treats as SSE-worthy, without a process restart.
// Grounded on the teacher's fsnotify use in mcpservice/fs_resources.go
// (watching a directory tree for MCP resource changes), repurposed here
// to watch a single config file instead.
type PolicyWatcher struct {
	path    string
	methods atomic.Pointer[map[string]bool]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPolicyWatcher loads path once, starts watching it for changes, and
// returns the watcher. Call Close when done.
func NewPolicyWatcher(path string) (*PolicyWatcher, error) {
	pw := &PolicyWatcher{path: path, done: make(chan struct{})}
	if err := pw.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	pw.watcher = w

	go pw.run()
	return pw, nil
}

func (pw *PolicyWatcher) run() {
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = pw.reload()
			}
		case _, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
		case <-pw.done:
			return
		}
	}
}

func (pw *PolicyWatcher) reload() error {
	data, err := os.ReadFile(pw.path)
	if err != nil {
		return fmt.Errorf("config: read policy file: %w", err)
	}
	var doc policyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse policy file: %w", err)
	}

	methods := make(map[string]bool, len(doc.StreamingMethods))
	for _, m := range doc.StreamingMethods {
		methods[m] = true
	}
	pw.methods.Store(&methods)
	return nil
}

// Strategy returns a streaminghttp.ResponseModeStrategy backed by this
// watcher's current method set, re-read atomically on every call so a
// reload takes effect for the very next POST.
func (pw *PolicyWatcher) Strategy() streaminghttp.ResponseModeStrategy {
	return func(_ *sessions.Session, requests []*jsonrpc.Request) streaminghttp.ResponseMode {
		methods := pw.methods.Load()
		if methods != nil {
			for _, req := range requests {
				if (*methods)[req.Method] {
					return streaminghttp.ResponseModeSSE
				}
			}
		}
		return streaminghttp.ResponseModeJSON
	}
}

// Close stops watching the policy file.
func (pw *PolicyWatcher) Close() error {
	close(pw.done)
	if pw.watcher != nil {
		return pw.watcher.Close()
	}
	return nil
}
