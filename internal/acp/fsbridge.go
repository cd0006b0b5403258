package acp

import (
	"context"
	"os"
	"path/filepath"

	"github.com/vtcode/core/internal/mcptools"
)

// CapabilityLookupFunc resolves the client capabilities a session was
// created under; Agent.CapabilitiesFor is the production implementation.
type CapabilityLookupFunc func(sessionID string) (ClientCapabilities, bool)

// fsReadParams/fsReadResult mirror the ACP fs/read_text_file request and
// response shape (§4.6).
type fsReadParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

type fsReadResult struct {
	Content string `json:"content"`
}

// fsWriteParams mirrors fs/write_text_file's request shape.
type fsWriteParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// ClientFileAccessor implements mcptools.FileAccessor by forwarding reads
// and writes to the connected client over fs/read_text_file and
// fs/write_text_file whenever the owning session's client advertised the
// matching capability and the target path is absolute (§4.6 "Absolute
// paths are validated before forwarding"); otherwise, or if the forwarded
// call itself fails, it falls back to the local filesystem — the same
// access the non-ACP CLI surface uses.
type ClientFileAccessor struct {
	local mcptools.LocalFileAccessor
	caps  CapabilityLookupFunc

	Notifier Notifier
}

// NewClientFileAccessor builds an accessor that consults caps to decide
// whether a given session's reads/writes may be forwarded. Notifier is
// filled in later via SetNotifier, once the JSON-RPC connection exists.
func NewClientFileAccessor(caps CapabilityLookupFunc) *ClientFileAccessor {
	return &ClientFileAccessor{caps: caps}
}

// SetNotifier implements NotifierSetter.
func (a *ClientFileAccessor) SetNotifier(n Notifier) {
	a.Notifier = n
}

// Read implements mcptools.FileAccessor.
func (a *ClientFileAccessor) Read(ctx context.Context, path string) ([]byte, error) {
	if sessionID, ok := a.readForwardable(ctx, path); ok {
		var result fsReadResult
		if err := a.Notifier.Call(ctx, "fs/read_text_file", fsReadParams{SessionID: sessionID, Path: path}, &result); err == nil {
			return []byte(result.Content), nil
		}
		// The client advertised the capability but the round trip failed
		// (transport hiccup, client doesn't actually implement the method
		// despite advertising it) — fall back to disk rather than failing
		// the tool call outright.
	}
	return a.local.Read(ctx, path)
}

// Write implements mcptools.FileAccessor.
func (a *ClientFileAccessor) Write(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if sessionID, ok := a.writeForwardable(ctx, path); ok {
		var result struct{}
		if err := a.Notifier.Call(ctx, "fs/write_text_file", fsWriteParams{SessionID: sessionID, Path: path, Content: string(data)}, &result); err == nil {
			return nil
		}
	}
	return a.local.Write(ctx, path, data, perm)
}

func (a *ClientFileAccessor) readForwardable(ctx context.Context, path string) (string, bool) {
	sessionID, caps, ok := a.capsFor(ctx, path)
	if !ok || !caps.FS.ReadTextFile {
		return "", false
	}
	return sessionID, true
}

func (a *ClientFileAccessor) writeForwardable(ctx context.Context, path string) (string, bool) {
	sessionID, caps, ok := a.capsFor(ctx, path)
	if !ok || !caps.FS.WriteTextFile {
		return "", false
	}
	return sessionID, true
}

func (a *ClientFileAccessor) capsFor(ctx context.Context, path string) (string, ClientCapabilities, bool) {
	if a.Notifier == nil || a.caps == nil || !filepath.IsAbs(path) {
		return "", ClientCapabilities{}, false
	}
	sessionID, _ := ctx.Value(sessionIDContextKey{}).(string)
	if sessionID == "" {
		return "", ClientCapabilities{}, false
	}
	caps, ok := a.caps(sessionID)
	if !ok {
		return "", ClientCapabilities{}, false
	}
	return sessionID, caps, true
}
