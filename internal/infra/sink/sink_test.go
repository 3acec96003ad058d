package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

func outcomes() []domain.Outcome {
	return []domain.Outcome{
		domain.NewSuccess(0, `{"label":"a"}`, domain.TokenUsage{PromptTokens: 3, CompletionTokens: 2}, 1),
		domain.NewFailure(domain.Unit{Index: 1, Fields: map[string]any{"text": "x"}}, domain.ErrorKindFatal, "401", 1),
		domain.NewSuccess(2, `{"label":"b"}`, domain.TokenUsage{}, 2),
	}
}

func TestRows_Filter(t *testing.T) {
	tests := []struct {
		filter Filter
		want   []int64
	}{
		{FilterAll, []int64{0, 1, 2}},
		{FilterSuccess, []int64{0, 2}},
		{FilterFailures, []int64{1}},
	}
	for _, tt := range tests {
		rows, err := Rows(outcomes(), tt.filter)
		if err != nil {
			t.Fatalf("Rows: %v", err)
		}
		if len(rows) != len(tt.want) {
			t.Fatalf("%s: got %d rows, want %d", tt.filter, len(rows), len(tt.want))
		}
		for i, r := range rows {
			if r.Index != tt.want[i] {
				t.Errorf("%s: row %d index = %d, want %d", tt.filter, i, r.Index, tt.want[i])
			}
		}
	}

	rows, _ := Rows(outcomes(), FilterFailures)
	if rows[0].RawUnit != `{"text":"x"}` {
		t.Errorf("RawUnit = %q", rows[0].RawUnit)
	}
}

func TestWriteFile_JSONLZstd(t *testing.T) {
	rows, _ := Rows(outcomes(), FilterAll)
	path := filepath.Join(t.TempDir(), "out.jsonl.zst")
	if err := WriteFile(path, FormatFor(path), rows); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var got []Row
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var r Row
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 3 || got[2].Payload != `{"label":"b"}` {
		t.Errorf("rows = %+v", got)
	}
}

func TestWriteFile_Parquet(t *testing.T) {
	rows, _ := Rows(outcomes(), FilterAll)
	path := filepath.Join(t.TempDir(), "out.parquet")
	if FormatFor(path) != FormatParquet {
		t.Fatalf("FormatFor(%q) = %s", path, FormatFor(path))
	}
	if err := WriteFile(path, FormatParquet, rows); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := parquet.ReadFile[Row](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows", len(got))
	}
	if got[1].ErrorKind != "fatal" || got[0].PromptTokens != 3 {
		t.Errorf("rows = %+v", got)
	}
}
