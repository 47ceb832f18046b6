package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/firefart/dmarcpipeline/internal/config"
)

type DirectoryOptions struct {
	// Paths are report files or directories. Directories are scanned one
	// level deep.
	Paths      []string `mapstructure:"paths" validate:"required,min=1,dive,required"`
	ArchiveDir string   `mapstructure:"archive_dir"`
	// ErrorDir receives failed files, it defaults to {archive_dir}/invalid.
	ErrorDir      string        `mapstructure:"error_dir"`
	Delete        bool          `mapstructure:"delete"`
	Test          bool          `mapstructure:"test"`
	FailurePolicy FailurePolicy `mapstructure:"failure_policy" validate:"oneof=move leave"`
}

func DefaultDirectoryOptions() DirectoryOptions {
	return DirectoryOptions{
		FailurePolicy: FailureMove,
	}
}

// Directory reads report files from the local filesystem. Processed files
// are moved to {archive_dir}/{kind}/ or deleted, failed files are moved to
// the error directory or left in place.
type Directory struct {
	logger *slog.Logger
	name   string
	opts   DirectoryOptions
}

func NewDirectoryFromOptions(logger *slog.Logger, name string, options map[string]any) (Source, error) {
	opts := DefaultDirectoryOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewDirectory(logger, name, opts)
}

func NewDirectory(logger *slog.Logger, name string, opts DirectoryOptions) (*Directory, error) {
	if opts.ErrorDir == "" && opts.ArchiveDir != "" {
		opts.ErrorDir = filepath.Join(opts.ArchiveDir, "invalid")
	}
	if !opts.Test && !opts.Delete && opts.ArchiveDir == "" {
		return nil, errors.New("archive_dir is required unless delete or test is set")
	}
	if !opts.Test && opts.FailurePolicy == FailureMove && opts.ErrorDir == "" {
		return nil, errors.New("error_dir is required for the move failure policy")
	}
	return &Directory{
		logger: logger,
		name:   name,
		opts:   opts,
	}, nil
}

func (d *Directory) Name() string {
	return d.name
}

func (d *Directory) skipDir(path string) bool {
	for _, dir := range []string{d.opts.ArchiveDir, d.opts.ErrorDir} {
		if dir != "" && filepath.Clean(dir) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

// files lists all regular files below the configured paths.
func (d *Directory) files() ([]string, error) {
	var files []string
	for _, p := range d.opts.Paths {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, p)
			}
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("could not read directory %s: %w", p, err)
		}
		for _, e := range entries {
			full := filepath.Join(p, e.Name())
			switch {
			case e.Type().IsRegular():
				files = append(files, full)
			case e.IsDir() && !d.skipDir(full):
				sub, err := os.ReadDir(full)
				if err != nil {
					return nil, fmt.Errorf("could not read directory %s: %w", full, err)
				}
				for _, s := range sub {
					if s.Type().IsRegular() {
						files = append(files, filepath.Join(full, s.Name()))
					}
				}
			}
		}
	}
	return files, nil
}

func (d *Directory) Fetch(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		files, err := d.files()
		if err != nil {
			yield(Message{}, err)
			return
		}
		d.logger.Debug("found files", slog.Int("count", len(files)))

		for _, f := range files {
			if ctx.Err() != nil {
				return
			}
			data, err := os.ReadFile(f)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// removed since the listing
					continue
				}
				yield(Message{}, fmt.Errorf("could not read %s: %w", f, err))
				return
			}
			if !yield(Message{ID: f, Data: data}, nil) {
				return
			}
		}
	}
}

func (d *Directory) Acknowledge(_ context.Context, id string, outcome Outcome) error {
	if d.opts.Test {
		d.logger.Info("test mode, not touching file", slog.String("message_id", id), slog.String("outcome", outcome.String()))
		return nil
	}

	switch {
	case outcome.IsProcessed() && d.opts.Delete:
		d.logger.Info("deleting file", slog.String("message_id", id))
		return os.Remove(id)
	case outcome.IsProcessed():
		return d.moveTo(id, filepath.Join(d.opts.ArchiveDir, string(outcome.Kind())))
	case d.opts.FailurePolicy == FailureLeave:
		d.logger.Info("leaving failed file in place", slog.String("message_id", id))
		return nil
	default:
		return d.moveTo(id, d.opts.ErrorDir)
	}
}

func (d *Directory) moveTo(file, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("could not create %s: %w", dir, err)
	}
	dst := filepath.Join(dir, filepath.Base(file))
	d.logger.Info("moving file", slog.String("message_id", file), slog.String("destination", dst))
	if err := os.Rename(file, dst); err == nil {
		return nil
	}
	// rename does not work across filesystems
	if err := copyFile(file, dst); err != nil {
		return fmt.Errorf("could not move %s to %s: %w", file, dir, err)
	}
	return os.Remove(file)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (d *Directory) Close() error {
	return nil
}
