package client

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/norfablabs/norfab/protocol"
)

const (
	// FetchChunkSize is how many bytes one fetch_file request reads.
	FetchChunkSize = 250000

	// FetchCredits bounds how many chunk requests are in flight at once.
	FetchCredits = 10

	nfScheme = "nf://"
)

var (
	// ErrFileNotFound maps to status 404.
	ErrFileNotFound = errors.New("client: file not found")

	// ErrHashMismatch maps to status 417: the downloaded bytes do not
	// hash to what the file-sharing worker reported.
	ErrHashMismatch = errors.New("client: file hash mismatch")
)

type fileDetails struct {
	MD5    string
	Size   int64
	Exists bool
}

// fetchDetails asks the file-sharing service about a file. Details are
// cached, repeated fetches of the same url skip the round trip.
func (c *Client) fetchDetails(url string) (fileDetails, error) {
	c.detailsMu.Lock()
	if cached, ok := c.detailsCache.Get(url); ok {
		c.detailsMu.Unlock()
		return cached.(fileDetails), nil
	}
	c.detailsMu.Unlock()

	reply, err := c.Direct(protocol.FSSService, protocol.Request{
		Task:   "file_details",
		Kwargs: map[string]any{"url": url},
	}, 0)
	if err != nil {
		return fileDetails{}, err
	}
	if reply.Status != protocol.StatusOK {
		return fileDetails{}, fmt.Errorf("file_details %s: %s: %s", url, reply.Status.String(), reply.Payload)
	}

	result, err := unwrapEnvelope(reply.Payload)
	if err != nil {
		return fileDetails{}, fmt.Errorf("file_details %s: %w", url, err)
	}

	details := fileDetails{}
	details.MD5, _ = result["md5hash"].(string)
	if size, ok := result["size_bytes"].(float64); ok {
		details.Size = int64(size)
	}
	details.Exists, _ = result["exists"].(bool)

	if details.Exists {
		c.detailsMu.Lock()
		c.detailsCache.Add(url, details)
		c.detailsMu.Unlock()
	}
	return details, nil
}

// unwrapEnvelope extracts the result of a single-worker reply payload of
// the shape {"worker-name": {"result": ...}}.
func unwrapEnvelope(payload []byte) (map[string]any, error) {
	var wrapped map[string]map[string]any
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	for _, envelope := range wrapped {
		if failed, _ := envelope["failed"].(bool); failed {
			return nil, fmt.Errorf("task failed: %v", envelope["errors"])
		}
		if result, ok := envelope["result"].(map[string]any); ok {
			return result, nil
		}
	}
	return nil, fmt.Errorf("no result in reply")
}

// FetchFile downloads an nf:// file from the file-sharing service into
// dst. With dst empty the file lands under the client's fetchedfiles
// directory mirroring the url path. A file already present with a
// matching hash is not downloaded again.
func (c *Client) FetchFile(url, dst string) (string, error) {
	if !strings.HasPrefix(url, nfScheme) {
		return "", fmt.Errorf("client: unsupported url %q, expected %s prefix", url, nfScheme)
	}

	details, err := c.fetchDetails(url)
	if err != nil {
		return "", err
	}
	if !details.Exists {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, url)
	}

	if dst == "" {
		if c.baseDir == "" {
			return "", fmt.Errorf("client: no base directory, destination required")
		}
		rel := filepath.FromSlash(strings.TrimPrefix(url, nfScheme))
		dst = filepath.Join(c.baseDir, "fetchedfiles", rel)
	}

	if sum, err := fileMD5(dst); err == nil && sum == details.MD5 {
		c.log.Debug().Str("url", url).Msg("file already downloaded")
		return dst, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("client: create destination dir: %w", err)
	}
	file, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("client: create %s: %w", dst, err)
	}

	if err := c.downloadChunks(url, file, details.Size); err != nil {
		file.Close()
		os.Remove(dst)
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("client: close %s: %w", dst, err)
	}

	sum, err := fileMD5(dst)
	if err != nil {
		return "", err
	}
	if sum != details.MD5 {
		os.Remove(dst)
		return "", fmt.Errorf("%w: %s: got %s want %s", ErrHashMismatch, url, sum, details.MD5)
	}
	c.log.Info().Str("url", url).Str("dst", dst).Int64("bytes", details.Size).Msg("file fetched")
	return dst, nil
}

// downloadChunks pulls the file with a fixed window of outstanding chunk
// requests and writes each chunk at its offset.
func (c *Client) downloadChunks(url string, file *os.File, size int64) error {
	if size == 0 {
		return nil
	}

	sem := make(chan struct{}, FetchCredits)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for offset := int64(0); offset < size; offset += FetchChunkSize {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			defer func() { <-sem }()

			chunk, err := c.fetchChunk(url, offset)
			if err != nil {
				setErr(err)
				return
			}
			if _, err := file.WriteAt(chunk, offset); err != nil {
				setErr(fmt.Errorf("client: write chunk at %d: %w", offset, err))
			}
		}(offset)
	}
	wg.Wait()
	return firstErr
}

func (c *Client) fetchChunk(url string, offset int64) ([]byte, error) {
	reply, err := c.Direct(protocol.FSSService, protocol.Request{
		Task: "fetch_file",
		Kwargs: map[string]any{
			"url":        url,
			"offset":     offset,
			"chunk_size": FetchChunkSize,
		},
	}, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: fetch chunk at %d: %w", offset, err)
	}
	if reply.Status != protocol.StatusOK {
		return nil, fmt.Errorf("client: fetch chunk at %d: %s: %s", offset, reply.Status.String(), reply.Payload)
	}
	return reply.Payload, nil
}

func fileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
