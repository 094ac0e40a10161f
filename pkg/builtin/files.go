package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/guard"
)

const (
	// DefaultMaxReadBytes caps file:read when Deps.MaxReadBytes is zero.
	DefaultMaxReadBytes = 1 << 20
	// ChunkSize is the size of each content frame file:read yields.
	ChunkSize = 32 << 10
)

// FileContent is the file:read result.
type FileContent struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// FileWritten is the file:write result.
type FileWritten struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

func pathSchema() *capability.Schema {
	s := capability.String("absolute file path")
	s.Pattern = "^/"
	return s
}

func readCapability(d Deps) capability.Capability {
	limit := d.MaxReadBytes
	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	return capability.Capability{
		ID:          FileRead,
		Name:        "Read file",
		Category:    "file",
		Description: "Reads a file, streaming its content in frames on the content stream.",
		Input: capability.Object(map[string]*capability.Schema{
			"path": pathSchema(),
		}, "path").Closed(),
		Output: capability.Object(map[string]*capability.Schema{
			"path":   capability.String("path read"),
			"size":   capability.Integer("bytes returned"),
			"sha256": capability.String("digest of the returned bytes"),
		}, "path", "size", "sha256"),
		Effects: effect.Model{
			ReadOnly:       true,
			Isolation:      effect.SharedRead,
			ResourceParams: []string{"path"},
			Timeout:        10 * time.Second,
		},
		Guards: []guard.Guard{
			guard.New("path_given", "a path must be supplied", guard.ParamPresent("path")),
			guard.New("file_exists", "the file must exist", guard.ParamFileExists("path")),
		},
		Handler: capability.HandlerFunc(func(ctx context.Context, c capability.Call) (any, error) {
			path, _ := c.Params()["path"].(string)
			return readFile(ctx, c, filepath.Clean(path), limit)
		}),
	}
}

func readFile(ctx context.Context, c capability.Call, path string, limit int64) (FileContent, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileContent{}, fileError(err, path)
	}
	defer f.Close()

	h := sha256.New()
	var sb strings.Builder
	buf := make([]byte, ChunkSize)
	r := io.LimitReader(f, limit+1)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return FileContent{}, err
		}
		k, rerr := r.Read(buf)
		if k > 0 {
			if n+int64(k) > limit {
				k = int(limit - n)
			}
			chunk := buf[:k]
			n += int64(k)
			h.Write(chunk)
			sb.Write(chunk)
			if k > 0 {
				if err := c.Yield("content", string(chunk)); err != nil {
					return FileContent{}, err
				}
			}
		}
		if rerr == io.EOF || n >= limit {
			break
		}
		if rerr != nil {
			return FileContent{}, errorir.Retriable(fmt.Errorf("read %s: %w", path, rerr))
		}
	}
	truncated := false
	if n >= limit {
		if info, err := f.Stat(); err == nil && info.Size() > limit {
			truncated = true
		}
	}
	return FileContent{
		Path:      path,
		Size:      n,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
		Content:   sb.String(),
		Truncated: truncated,
	}, nil
}

func writeCapability() capability.Capability {
	return capability.Capability{
		ID:          FileWrite,
		Name:        "Write file",
		Category:    "file",
		Description: "Replaces or appends to a file. The parent directory must exist.",
		Input: capability.Object(map[string]*capability.Schema{
			"path":    pathSchema(),
			"content": capability.String("bytes to write"),
			"append":  capability.Boolean("append instead of replacing"),
		}, "content", "path").Closed(),
		Output: capability.Object(map[string]*capability.Schema{
			"path":  capability.String("path written"),
			"bytes": capability.Integer("bytes written"),
		}, "bytes", "path"),
		Effects: effect.Model{
			Isolation:      effect.Exclusive,
			ResourceParams: []string{"path"},
			Timeout:        10 * time.Second,
		},
		Guards: []guard.Guard{
			guard.New("path_given", "a path must be supplied", guard.ParamPresent("path")),
		},
		Handler: capability.HandlerFunc(func(_ context.Context, c capability.Call) (any, error) {
			path, _ := c.Params()["path"].(string)
			content, _ := c.Params()["content"].(string)
			appendMode, _ := c.Params()["append"].(bool)
			return writeFile(filepath.Clean(path), []byte(content), appendMode)
		}),
	}
}

func writeFile(path string, data []byte, appendMode bool) (FileWritten, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return FileWritten{}, fileError(err, filepath.Dir(path))
	}
	sum := sha256.Sum256(data)
	out := FileWritten{Path: path, Bytes: len(data), SHA256: hex.EncodeToString(sum[:])}

	if appendMode {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return FileWritten{}, fileError(err, path)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return FileWritten{}, errorir.Retriable(fmt.Errorf("append %s: %w", path, err))
		}
		return out, f.Close()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".warrant-*")
	if err != nil {
		return FileWritten{}, fileError(err, path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return FileWritten{}, errorir.Retriable(fmt.Errorf("write %s: %w", path, err))
	}
	if err := tmp.Close(); err != nil {
		return FileWritten{}, errorir.Retriable(fmt.Errorf("write %s: %w", path, err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return FileWritten{}, fmt.Errorf("commit %s: %w", path, err)
	}
	return out, nil
}

// fileError classifies filesystem failures: a missing file is a failed
// precondition the caller can fix, a permission problem is fatal.
func fileError(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errorir.New(errorir.KindPreconditionFailed, "%s does not exist", path).WithField("/path").WithCause(err)
	case errors.Is(err, fs.ErrPermission):
		return errorir.New(errorir.KindExecution, "permission denied on %s", path).WithCause(err)
	default:
		return errorir.Retriable(fmt.Errorf("%s: %w", path, err))
	}
}
