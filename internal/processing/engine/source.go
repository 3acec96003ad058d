package engine

import (
	"context"
	"io"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

// Source yields units in order, each with its stable index. Next returns
// io.EOF once the source is exhausted. A Source is read once.
type Source interface {
	Next(ctx context.Context) (domain.Unit, error)
}

// Sized is implemented by sources that know their length up front.
type Sized interface {
	Len() int64
}

// SliceSource serves units from memory.
type SliceSource struct {
	units []domain.Unit
	pos   int
}

// NewSliceSource returns a source over units.
func NewSliceSource(units []domain.Unit) *SliceSource {
	return &SliceSource{units: units}
}

// FieldsSource indexes each field map by its position.
func FieldsSource(rows []map[string]any) *SliceSource {
	units := make([]domain.Unit, len(rows))
	for i, r := range rows {
		units[i] = domain.Unit{Index: int64(i), Fields: r}
	}
	return NewSliceSource(units)
}

func (s *SliceSource) Next(ctx context.Context) (domain.Unit, error) {
	if err := ctx.Err(); err != nil {
		return domain.Unit{}, err
	}
	if s.pos >= len(s.units) {
		return domain.Unit{}, io.EOF
	}
	u := s.units[s.pos]
	s.pos++
	return u, nil
}

func (s *SliceSource) Len() int64 { return int64(len(s.units)) }
