package acp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func capsWith(read, write bool) CapabilityLookupFunc {
	return func(sessionID string) (ClientCapabilities, bool) {
		if sessionID != "sess-1" {
			return ClientCapabilities{}, false
		}
		caps := ClientCapabilities{}
		caps.FS.ReadTextFile = read
		caps.FS.WriteTextFile = write
		return caps, true
	}
}

func ctxWithSession(id string) context.Context {
	return context.WithValue(context.Background(), sessionIDContextKey{}, id)
}

func TestClientFileAccessorForwardsReadWhenCapable(t *testing.T) {
	notifier := &fakeNotifier{callResult: fsReadResult{Content: "from client"}}
	accessor := NewClientFileAccessor(capsWith(true, true))
	accessor.SetNotifier(notifier)

	data, err := accessor.Read(ctxWithSession("sess-1"), "/abs/path.txt")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "from client" {
		t.Fatalf("expected forwarded content, got %q", data)
	}
	if notifier.callCount("fs/read_text_file") != 1 {
		t.Fatalf("expected one forwarded read call, got %d", notifier.callCount("fs/read_text_file"))
	}
}

func TestClientFileAccessorFallsBackWithoutCapability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.txt")
	if err := os.WriteFile(path, []byte("on disk"), 0600); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	notifier := &fakeNotifier{}
	accessor := NewClientFileAccessor(capsWith(false, false))
	accessor.SetNotifier(notifier)

	data, err := accessor.Read(ctxWithSession("sess-1"), path)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "on disk" {
		t.Fatalf("expected local fallback content, got %q", data)
	}
	if notifier.callCount("fs/read_text_file") != 0 {
		t.Fatal("expected no forwarded call when capability is absent")
	}
}

func TestClientFileAccessorFallsBackOnRelativePath(t *testing.T) {
	dir := t.TempDir()
	const relPath = "rel.txt"
	if err := os.WriteFile(filepath.Join(dir, relPath), []byte("rel content"), 0600); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir into temp dir: %v", err)
	}
	defer os.Chdir(origWD)

	notifier := &fakeNotifier{callResult: fsReadResult{Content: "should not be used"}}
	accessor := NewClientFileAccessor(capsWith(true, true))
	accessor.SetNotifier(notifier)

	// A relative path must never be forwarded, even with full capability.
	data, err := accessor.Read(ctxWithSession("sess-1"), relPath)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "rel content" {
		t.Fatalf("expected local fallback content for a non-absolute path, got %q", data)
	}
	if notifier.callCount("fs/read_text_file") != 0 {
		t.Fatal("expected no forwarded call for a relative path")
	}
}

func TestClientFileAccessorFallsBackWithoutSessionIDInContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noctx.txt")
	if err := os.WriteFile(path, []byte("no session"), 0600); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	notifier := &fakeNotifier{callResult: fsReadResult{Content: "should not be used"}}
	accessor := NewClientFileAccessor(capsWith(true, true))
	accessor.SetNotifier(notifier)

	data, err := accessor.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "no session" {
		t.Fatalf("expected local fallback content when context carries no session id, got %q", data)
	}
	if notifier.callCount("fs/read_text_file") != 0 {
		t.Fatal("expected no forwarded call without a session id in context")
	}
}

func TestClientFileAccessorWriteForwardsAndFallsBack(t *testing.T) {
	notifier := &fakeNotifier{}
	accessor := NewClientFileAccessor(capsWith(true, true))
	accessor.SetNotifier(notifier)

	if err := accessor.Write(ctxWithSession("sess-1"), "/abs/out.txt", []byte("payload"), 0600); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if notifier.callCount("fs/write_text_file") != 1 {
		t.Fatalf("expected one forwarded write call, got %d", notifier.callCount("fs/write_text_file"))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "fallback.txt")
	localAccessor := NewClientFileAccessor(capsWith(false, false))
	localAccessor.SetNotifier(&fakeNotifier{})
	if err := localAccessor.Write(ctxWithSession("sess-1"), path, []byte("payload"), 0600); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected fallback write to land on disk: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected local fallback write content, got %q", got)
	}
}

func TestClientFileAccessorFallsBackWhenRoundTripFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "err.txt")
	if err := os.WriteFile(path, []byte("disk content"), 0600); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	notifier := &fakeNotifier{callErr: context.DeadlineExceeded}
	accessor := NewClientFileAccessor(capsWith(true, true))
	accessor.SetNotifier(notifier)

	data, err := accessor.Read(ctxWithSession("sess-1"), path)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(data) != "disk content" {
		t.Fatalf("expected fallback to disk when the round trip fails, got %q", data)
	}
}
