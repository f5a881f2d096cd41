// Package shard reads identifier lists and partitions them into batches that
// independent prober processes can work on.
package shard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/availability-prober/internal/atomicfile"
	"github.com/JakeFAU/availability-prober/internal/probe"
)

// Mode selects how identifiers are assigned to batches.
type Mode string

// Partition modes.
const (
	// Contiguous gives batch i the i-th run of ceil(n/k) identifiers.
	Contiguous Mode = "contiguous"
	// RoundRobin deals identifiers out one at a time.
	RoundRobin Mode = "round-robin"
)

// ParseMode validates a mode name. The empty string selects Contiguous.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Contiguous:
		return Contiguous, nil
	case RoundRobin:
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown partition mode %q", s)
	}
}

// ReadIdentifiers parses one identifier per line. Lines are trimmed; blank
// lines and lines starting with # are skipped; duplicates keep their first
// position. An identifier with an embedded control character such as a tab
// is an error, since result files could not store it unambiguously.
func ReadIdentifiers(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := probe.CheckIdentifier(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	return out, nil
}

// ReadFile reads identifiers from path.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input list.
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	ids, err := ReadIdentifiers(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ids, nil
}

// Partition splits ids into k batches. Contiguous batches may come out fewer
// than k when n is small; trailing empty batches are dropped.
func Partition(ids []string, k int, mode Mode) ([][]string, error) {
	if k <= 0 {
		return nil, errors.New("batch count must be > 0")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	switch mode {
	case "", Contiguous:
		size := (len(ids) + k - 1) / k
		var out [][]string
		for start := 0; start < len(ids); start += size {
			end := min(start+size, len(ids))
			out = append(out, ids[start:end])
		}
		return out, nil
	case RoundRobin:
		out := make([][]string, min(k, len(ids)))
		for i, id := range ids {
			out[i%len(out)] = append(out[i%len(out)], id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown partition mode %q", mode)
	}
}

// BatchName is the file name of batch i.
func BatchName(i int) string {
	return fmt.Sprintf("batch-%d.txt", i)
}

// WriteBatches writes each batch to dir as batch-<i>.txt and returns the paths.
func WriteBatches(dir string, batches [][]string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	paths := make([]string, 0, len(batches))
	for i, batch := range batches {
		path := filepath.Join(dir, BatchName(i))
		err := atomicfile.WriteFunc(path, func(w io.Writer) error {
			for _, id := range batch {
				if _, err := io.WriteString(w, id+"\n"); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("write batch %d: %w", i, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// MatrixLine renders the batch indexes as a JSON array, the form CI job
// matrices expect.
func MatrixLine(n int) string {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	b, _ := json.Marshal(idx)
	return string(b)
}
