// Package sink materialises folded outcomes into output files.
package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

// Format is an output file format.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// Filter selects which outcomes are exported.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterSuccess  Filter = "success"
	FilterFailures Filter = "failures"
)

// FormatFor infers the format from the file extension.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return FormatParquet
	}
	return FormatJSONL
}

// Row is the exported shape of one outcome.
type Row struct {
	Index            int64     `json:"index" parquet:"index"`
	Status           string    `json:"status" parquet:"status"`
	Payload          string    `json:"payload,omitempty" parquet:"payload"`
	ErrorKind        string    `json:"error_kind,omitempty" parquet:"error_kind"`
	ErrorMessage     string    `json:"error_message,omitempty" parquet:"error_message"`
	RawUnit          string    `json:"raw_unit,omitempty" parquet:"raw_unit"`
	Attempts         int32     `json:"attempts" parquet:"attempts"`
	PromptTokens     int64     `json:"prompt_tokens" parquet:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens" parquet:"completion_tokens"`
	RecordedAt       time.Time `json:"recorded_at" parquet:"recorded_at,timestamp(millisecond)"`
}

// Rows converts outcomes, keeping those that pass filter.
func Rows(outcomes []domain.Outcome, filter Filter) ([]Row, error) {
	rows := make([]Row, 0, len(outcomes))
	for _, o := range outcomes {
		switch filter {
		case FilterSuccess:
			if !o.IsSuccess() {
				continue
			}
		case FilterFailures:
			if !o.IsFailure() {
				continue
			}
		}

		var raw string
		if len(o.RawUnit) > 0 {
			data, err := json.Marshal(o.RawUnit)
			if err != nil {
				return nil, fmt.Errorf("encode unit %d: %w", o.Index, err)
			}
			raw = string(data)
		}
		rows = append(rows, Row{
			Index:            o.Index,
			Status:           string(o.Status),
			Payload:          o.Payload,
			ErrorKind:        string(o.ErrorKind),
			ErrorMessage:     o.ErrorMessage,
			RawUnit:          raw,
			Attempts:         int32(o.Attempts),
			PromptTokens:     o.Usage.PromptTokens,
			CompletionTokens: o.Usage.CompletionTokens,
			RecordedAt:       o.RecordedAt,
		})
	}
	return rows, nil
}

// WriteFile writes rows to path in format. JSONL paths ending in .zst are
// zstd-compressed.
func WriteFile(path string, format Format, rows []Row) error {
	if format == FormatParquet {
		if err := parquet.WriteFile(path, rows); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := writeJSONL(f, strings.HasSuffix(path, ".zst"), rows); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	return f.Close()
}

func writeJSONL(w io.Writer, compress bool, rows []Row) error {
	var zw *zstd.Encoder
	if compress {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		w = zw
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode row %d: %w", r.Index, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close zstd encoder: %w", err)
		}
	}
	return nil
}
