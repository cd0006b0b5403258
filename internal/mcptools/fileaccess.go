package mcptools

import (
	"context"
	"os"
)

// FileAccessor abstracts the Read/Edit handlers' file I/O so a caller can
// interpose a different backing store without touching the edit/hashline
// logic itself. The ACP bridge uses this to forward reads and writes
// through the connected client's fs/read_text_file and fs/write_text_file
// (§4.6) when the client advertised that capability, instead of reading
// and writing disk underneath an editor's open buffer.
type FileAccessor interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, perm os.FileMode) error
}

// LocalFileAccessor is the default accessor: plain os.ReadFile/os.WriteFile
// against the local filesystem, exactly what Read/Edit did before this
// abstraction existed.
type LocalFileAccessor struct{}

func (LocalFileAccessor) Read(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (LocalFileAccessor) Write(_ context.Context, path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
