package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func drain(t *testing.T, s *FileSource) []domain.Unit {
	t.Helper()
	var out []domain.Unit
	for {
		u, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, u)
	}
}

func TestJSONL(t *testing.T) {
	path := write(t, "in.jsonl", "{\"text\":\"a\"}\n\n  \nplain line\n{\"text\":\"c\",\"id\":3}\n")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	units := drain(t, s)
	if len(units) != 3 {
		t.Fatalf("got %d units", len(units))
	}
	for i, u := range units {
		if u.Index != int64(i) {
			t.Errorf("unit %d has index %d", i, u.Index)
		}
	}
	if units[1].Field("text") != "plain line" {
		t.Errorf("plain line unit = %+v", units[1])
	}
	if units[2].Field("id") != float64(3) {
		t.Errorf("json unit = %+v", units[2])
	}
}

func TestCSV(t *testing.T) {
	path := write(t, "in.csv", "id,text\n1,hello\n2,\"a, b\"\n")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	units := drain(t, s)
	if len(units) != 2 || s.Len() != 2 {
		t.Fatalf("got %d units, Len %d", len(units), s.Len())
	}
	if units[1].Field("text") != "a, b" || units[1].Field("id") != "2" {
		t.Errorf("unit = %+v", units[1])
	}
}

func TestZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write([]byte("{\"text\":\"x\"}\n{\"text\":\"y\"}\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	units := drain(t, s)
	if len(units) != 2 || units[1].Field("text") != "y" {
		t.Errorf("units = %+v", units)
	}
}

func TestStableIndices(t *testing.T) {
	path := write(t, "in.jsonl", "a\nb\nc\n")
	first, _ := Open(path)
	second, _ := Open(path)
	defer first.Close()
	defer second.Close()

	a, b := drain(t, first), drain(t, second)
	for i := range a {
		if a[i].Index != b[i].Index || a[i].Field("text") != b[i].Field("text") {
			t.Errorf("record %d differs between reads", i)
		}
	}
}
