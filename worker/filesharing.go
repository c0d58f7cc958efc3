package worker

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileServiceName is the service file-sharing workers register under. The
// broker routes fss.service.broker requests to a ready worker of this
// service.
const FileServiceName = "filesharing"

const nfScheme = "nf://"

// FileShare serves files below a root directory over the file-sharing
// tasks. All tasks are direct: they answer GET requests synchronously.
type FileShare struct {
	root string
}

// EnableFileSharing registers the file-sharing tasks on a worker. Files
// are addressed with nf:// URLs resolved below root, escapes outside it
// are rejected.
func EnableFileSharing(w *Worker, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("filesharing: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("filesharing: create root: %w", err)
	}
	fsh := &FileShare{root: abs}

	w.MustRegister(TaskMeta{
		Name:        "list_files",
		Description: "List files available for download",
		Direct:      true,
	}, fsh.taskListFiles)
	w.MustRegister(TaskMeta{
		Name:        "file_details",
		Description: "Report size and md5 hash of a shared file",
		Direct:      true,
	}, fsh.taskFileDetails)
	w.MustRegister(TaskMeta{
		Name:        "walk",
		Description: "Recursively list shared files and directories",
		Direct:      true,
	}, fsh.taskWalk)
	w.MustRegister(TaskMeta{
		Name:        "fetch_file",
		Description: "Read a chunk of a shared file",
		Direct:      true,
	}, fsh.taskFetchFile)
	return nil
}

// resolve maps an nf:// URL to an absolute path below the share root.
func (f *FileShare) resolve(url string) (string, error) {
	if !strings.HasPrefix(url, nfScheme) {
		return "", fmt.Errorf("unsupported url %q, expected %s prefix", url, nfScheme)
	}
	rel := strings.TrimPrefix(url, nfScheme)
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	path = filepath.Clean(path)
	if path != f.root && !strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("url %q escapes the shared directory", url)
	}
	return path, nil
}

func urlKwarg(kwargs map[string]any) (string, error) {
	url, _ := kwargs["url"].(string)
	if url == "" {
		return "", fmt.Errorf("url kwarg is required")
	}
	return url, nil
}

func (f *FileShare) taskListFiles(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	url, _ := kwargs["url"].(string)
	dir := f.root
	if url != "" {
		var err error
		if dir, err = f.resolve(url); err != nil {
			return nil, err
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", url, err)
	}
	files := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		files = append(files, name)
	}
	return NewResult(files), nil
}

func (f *FileShare) taskFileDetails(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	url, err := urlKwarg(kwargs)
	if err != nil {
		return nil, err
	}
	path, err := f.resolve(url)
	if err != nil {
		return nil, err
	}

	details := map[string]any{
		"md5hash":    nil,
		"size_bytes": nil,
		"exists":     false,
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewResult(details), nil
		}
		return nil, fmt.Errorf("stat %s: %w", url, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", url)
	}

	hash, err := fileMD5(path)
	if err != nil {
		return nil, err
	}
	details["md5hash"] = hash
	details["size_bytes"] = info.Size()
	details["exists"] = true
	return NewResult(details), nil
}

func (f *FileShare) taskWalk(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	url, _ := kwargs["url"].(string)
	start := f.root
	if url != "" {
		var err error
		if start, err = f.resolve(url); err != nil {
			return nil, err
		}
	}
	files := []string{}
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", url, err)
	}
	return NewResult(files), nil
}

// taskFetchFile reads one chunk and replies with the raw bytes. A read at
// or past the end of the file yields an empty chunk, which tells the
// client the transfer is complete.
func (f *FileShare) taskFetchFile(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	url, err := urlKwarg(kwargs)
	if err != nil {
		return nil, err
	}
	path, err := f.resolve(url)
	if err != nil {
		return nil, err
	}

	var offset int64
	if v, ok := toFloat(kwargs["offset"]); ok {
		offset = int64(v)
	}
	chunkSize := int64(250000)
	if v, ok := toFloat(kwargs["chunk_size"]); ok && v > 0 {
		chunkSize = int64(v)
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", url)
		}
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s at %d: %w", url, offset, err)
	}

	res := NewResult(nil)
	res.Raw = buf[:n]
	return res, nil
}

func fileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
