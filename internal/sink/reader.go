package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

// Record is one parsed line from a result file.
type Record struct {
	Identifier string
	Outcome    probe.Outcome
}

// ReadDir parses both result files in dir. Missing files yield no records.
// A final line without a terminating newline is treated as torn and ignored.
func ReadDir(dir string) ([]Record, error) {
	var out []Record
	for _, name := range []string{AvailableFile, FailedFile} {
		recs, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ReadFile parses one result file. Bare lines are available identifiers;
// tab-separated lines carry an outcome. Unrecognised outcomes are kept as
// unknown rather than dropped.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path) // #nosec G304 -- caller supplies a result file path.
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	recs, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return recs, nil
}

func parse(r io.Reader) ([]Record, error) {
	var out []Record
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read line: %w", err)
		}
		if rec, ok := parseLine(strings.TrimRight(line, "\r\n")); ok {
			out = append(out, rec)
		}
	}
}

func parseLine(line string) (Record, bool) {
	if strings.TrimSpace(line) == "" {
		return Record{}, false
	}
	id, rest, hasOutcome := strings.Cut(line, "\t")
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, false
	}
	if !hasOutcome {
		return Record{Identifier: id, Outcome: probe.Available()}, true
	}
	outcome, err := probe.ParseOutcome(strings.TrimSpace(rest))
	if err != nil {
		outcome = probe.Unknown(strings.TrimSpace(rest))
	}
	return Record{Identifier: id, Outcome: outcome}, true
}
