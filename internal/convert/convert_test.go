package convert

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var msgMagic = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

func TestConvertMissingBinary(t *testing.T) {
	c := NewMsgConvert(slog.New(slog.NewTextHandler(io.Discard, nil)), "definitely-not-msgconvert", 0)
	_, err := c.Convert(context.Background(), msgMagic)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversion)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fakeconvert")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))
	return path
}

func TestConvert(t *testing.T) {
	script := writeScript(t, "printf 'Subject: converted\\r\\n\\r\\nbody' > sample.eml\n")
	c := NewMsgConvert(slog.New(slog.NewTextHandler(io.Discard, nil)), script, 0)
	out, err := c.Convert(context.Background(), msgMagic)
	require.NoError(t, err)
	assert.Equal(t, "Subject: converted\r\n\r\nbody", string(out))
}

func TestConvertFailure(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	c := NewMsgConvert(slog.New(slog.NewTextHandler(io.Discard, nil)), script, 0)
	_, err := c.Convert(context.Background(), msgMagic)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversion)
	assert.Contains(t, err.Error(), "broken")
}

func TestConvertNoOutput(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	c := NewMsgConvert(slog.New(slog.NewTextHandler(io.Discard, nil)), script, 0)
	_, err := c.Convert(context.Background(), msgMagic)
	require.ErrorIs(t, err, ErrConversion)
}
