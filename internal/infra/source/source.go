// Package source reads units from local files. JSONL lines that hold a JSON
// object become that object's fields; any other non-empty line becomes a
// unit with a single "text" field. CSV files use their header row as field
// names. Indices count non-empty records from zero, so they are stable for
// an unchanged file.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

const maxLineSize = 16 * 1024 * 1024

// FileSource is an engine.Source over a local file.
type FileSource struct {
	path  string
	f     *os.File
	zr    *zstd.Decoder
	next  func() (map[string]any, bool, error)
	index int64
	total int64
}

// Open opens path, counting its records first. Files ending in .zst are
// decompressed on the fly.
func Open(path string) (*FileSource, error) {
	total, err := Count(path)
	if err != nil {
		return nil, err
	}

	s := &FileSource{path: path, total: total}
	r, err := s.open()
	if err != nil {
		return nil, err
	}

	if isCSV(path) {
		s.next, err = csvReader(r)
		if err != nil {
			s.Close()
			return nil, err
		}
	} else {
		s.next = lineReader(r)
	}
	return s, nil
}

func (s *FileSource) open() (io.Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	s.f = f
	if !strings.HasSuffix(s.path, ".zst") {
		return f, nil
	}
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.zr = zr
	return zr, nil
}

// Next returns the next unit or io.EOF.
func (s *FileSource) Next(ctx context.Context) (domain.Unit, error) {
	if err := ctx.Err(); err != nil {
		return domain.Unit{}, err
	}
	fields, ok, err := s.next()
	if err != nil {
		return domain.Unit{}, fmt.Errorf("%s: record %d: %w", s.path, s.index, err)
	}
	if !ok {
		return domain.Unit{}, io.EOF
	}
	u := domain.Unit{Index: s.index, Fields: fields}
	s.index++
	return u, nil
}

// Len is the record count taken at open time.
func (s *FileSource) Len() int64 { return s.total }

func (s *FileSource) Close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// Count returns the number of records path yields.
func Count(path string) (int64, error) {
	s := &FileSource{path: path}
	r, err := s.open()
	if err != nil {
		return 0, err
	}
	defer s.Close()

	var next func() (map[string]any, bool, error)
	if isCSV(path) {
		if next, err = csvReader(r); err != nil {
			return 0, err
		}
	} else {
		next = lineReader(r)
	}

	var n int64
	for {
		_, ok, err := next()
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", path, err)
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func isCSV(path string) bool {
	ext := filepath.Ext(strings.TrimSuffix(path, ".zst"))
	return strings.EqualFold(ext, ".csv")
}

func lineReader(r io.Reader) func() (map[string]any, bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return func() (map[string]any, bool, error) {
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			return parseLine(line), true, nil
		}
		return nil, false, scanner.Err()
	}
}

func parseLine(line []byte) map[string]any {
	if line[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err == nil {
			return fields
		}
	}
	return map[string]any{"text": string(line)}
}

func csvReader(r io.Reader) (func() (map[string]any, bool, error), error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return func() (map[string]any, bool, error) { return nil, false, nil }, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return func() (map[string]any, bool, error) {
		for {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
				continue
			}
			fields := make(map[string]any, len(header))
			for i, name := range header {
				if i < len(rec) {
					fields[name] = rec[i]
				}
			}
			return fields, true, nil
		}
	}, nil
}
