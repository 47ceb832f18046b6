// Package convert turns legacy Outlook .msg files into RFC 822 messages
// using the msgconvert utility.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ErrConversion is wrapped by every error returned from Convert.
var ErrConversion = errors.New("could not convert outlook message")

// MsgConvert runs the msgconvert perl utility.
type MsgConvert struct {
	logger  *slog.Logger
	binary  string
	timeout time.Duration
}

func NewMsgConvert(logger *slog.Logger, binary string, timeout time.Duration) *MsgConvert {
	if binary == "" {
		binary = "msgconvert"
	}
	return &MsgConvert{
		logger:  logger,
		binary:  binary,
		timeout: timeout,
	}
}

// Convert writes msg to a private temporary directory, runs the converter
// there and returns the produced .eml. The directory is removed before
// Convert returns.
func (c *MsgConvert) Convert(ctx context.Context, msg []byte) ([]byte, error) {
	binary, err := exec.LookPath(c.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s utility not found: %w", ErrConversion, c.binary, err)
	}

	dir, err := os.MkdirTemp("", "dmarc-msg-")
	if err != nil {
		return nil, fmt.Errorf("%w: could not create temp dir: %w", ErrConversion, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Error("could not remove temp dir", slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}()

	msgFile := filepath.Join(dir, "sample.msg")
	if err := os.WriteFile(msgFile, msg, 0o600); err != nil {
		return nil, fmt.Errorf("%w: could not write message: %w", ErrConversion, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "sample.msg")
	cmd.Dir = dir
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s failed: %w (%s)", ErrConversion, c.binary, err, bytes.TrimSpace(stderr.Bytes()))
	}

	eml, err := os.ReadFile(filepath.Join(dir, "sample.eml"))
	if err != nil {
		return nil, fmt.Errorf("%w: no output produced: %w", ErrConversion, err)
	}
	return eml, nil
}
