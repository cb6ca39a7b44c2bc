package transcode

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/you/tg-dubber/internal/logx"
)

// Runner executes an external tool and returns what it wrote to stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()

	if errBuf.Len() > 0 {
		logx.NewLineWriter(map[string]string{"tool": filepath.Base(name)}, zerolog.DebugLevel).
			Pipe(bytes.NewReader(errBuf.Bytes()))
	}
	return out.Bytes(), errBuf.Bytes(), err
}
