package cli

import (
	"errors"
	"testing"

	"github.com/vietddude/llmbatch/internal/processing/engine"
)

func TestFinish_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		res  engine.Result
		err  error
		want int
	}{
		{"completed", engine.Result{RunID: "r"}, nil, ExitOK},
		{"aborted", engine.Result{RunID: "r", Aborted: true}, nil, ExitAborted},
		{"cancelled", engine.Result{RunID: "r", Cancelled: true}, nil, ExitCancelled},
		{"failed", engine.Result{RunID: "r"}, errors.New("disk full"), ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(finish(tt.res, tt.err)); got != tt.want {
				t.Errorf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}
