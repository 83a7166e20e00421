package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FileChecksumHex returns the lowercase hex SHA-256 of a file's contents.
func FileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file %q: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChunkCount returns how many chunks a file of size bytes splits into.
// Empty files have zero chunks.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	return int(count)
}

// HashFiles hashes every path on a worker pool bounded by the CPU count and
// returns hex digests keyed by path. The first failure cancels the rest.
func HashFiles(ctx context.Context, paths []string) (map[string]string, error) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())

	var mu sync.Mutex
	sums := make(map[string]string, len(paths))

	for _, path := range paths {
		path := path
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			sum, err := FileChecksumHex(path)
			if err != nil {
				return err
			}

			mu.Lock()
			sums[path] = sum
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return sums, nil
}
