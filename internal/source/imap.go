package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/imap"
	"github.com/firefart/dmarcpipeline/internal/report"
)

// folderCacheSize bounds the per connection cache of folders known to exist.
const folderCacheSize = 16

var errNoSession = errors.New("no active session, acknowledge while iterating the fetched messages")

type IMAPOptions struct {
	Host          string        `mapstructure:"host" validate:"required,hostname_port"`
	SSL           bool          `mapstructure:"ssl"`
	User          string        `mapstructure:"user" validate:"required"`
	Pass          string        `mapstructure:"pass"`
	IgnoreCert    bool          `mapstructure:"ignore_cert"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Folder        string        `mapstructure:"folder" validate:"required"`
	ArchiveFolder string        `mapstructure:"archive_folder" validate:"required"`
	// Delete removes processed messages instead of archiving them.
	Delete bool `mapstructure:"delete"`
	// Test never acknowledges anything.
	Test bool `mapstructure:"test"`
	// run in batch sizes as some IMAP servers have pretty short timeouts
	// and the imap library does not handle reconnects
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	FailurePolicy FailurePolicy `mapstructure:"failure_policy" validate:"oneof=move leave"`
}

func DefaultIMAPOptions() IMAPOptions {
	return IMAPOptions{
		Folder:        "INBOX",
		ArchiveFolder: "Archive",
		Timeout:       30 * time.Second,
		BatchSize:     30,
		FailurePolicy: FailureMove,
	}
}

// IMAP reads report mails from a mailbox folder. Processed messages are
// moved to {archive}/Aggregate or {archive}/Forensic, failed ones to
// {archive}/Invalid.
type IMAP struct {
	logger *slog.Logger
	name   string
	opts   IMAPOptions

	mu        sync.Mutex
	client    *client.Client
	delimiter string
	folders   *lru.Cache[string, struct{}]
}

func NewIMAPFromOptions(logger *slog.Logger, name string, options map[string]any) (Source, error) {
	opts := DefaultIMAPOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewIMAP(logger, name, opts)
}

func NewIMAP(logger *slog.Logger, name string, opts IMAPOptions) (*IMAP, error) {
	folders, err := lru.New[string, struct{}](folderCacheSize)
	if err != nil {
		return nil, err
	}
	return &IMAP{
		logger:  logger,
		name:    name,
		opts:    opts,
		folders: folders,
	}, nil
}

func (s *IMAP) Name() string {
	return s.name
}

func (s *IMAP) connect() (*client.Client, error) {
	c, err := imap.Connect(imap.Config{
		Host:       s.opts.Host,
		SSL:        s.opts.SSL,
		User:       s.opts.User,
		Pass:       s.opts.Pass,
		IgnoreCert: s.opts.IgnoreCert,
		Timeout:    s.opts.Timeout,
	}, s.logger)
	if err != nil {
		if errors.Is(err, imap.ErrAuthentication) {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("could not connect to %s: %w", s.opts.Host, err)
	}
	s.logger.Debug("connected to imap server")
	return c, nil
}

func (s *IMAP) setSession(c *client.Client, delimiter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
	s.delimiter = delimiter
	// folders are only cached for the lifetime of a connection
	s.folders.Purge()
}

func (s *IMAP) Fetch(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		c, err := s.connect()
		if err != nil {
			yield(Message{}, err)
			return
		}
		defer func() {
			s.setSession(nil, "")
			if err := c.Logout(); err != nil {
				s.logger.Error("error on logout", slog.String("err", err.Error()))
			}
		}()

		delimiter, err := imap.Delimiter(c)
		if err != nil {
			yield(Message{}, fmt.Errorf("could not get hierarchy delimiter: %w", err))
			return
		}
		s.setSession(c, delimiter)

		hasFolder, err := imap.HasFolder(c, s.opts.Folder)
		if err != nil {
			yield(Message{}, fmt.Errorf("could not check if folder %s exists: %w", s.opts.Folder, err))
			return
		}
		if !hasFolder {
			yield(Message{}, fmt.Errorf("%w: imap folder %s not found in account", ErrFolderNotFound, s.opts.Folder))
			return
		}

		mbox, err := c.Select(s.opts.Folder, false)
		if err != nil {
			yield(Message{}, fmt.Errorf("could not select folder %s: %w", s.opts.Folder, err))
			return
		}
		s.logger.Info("opened folder", slog.String("folder", mbox.Name), slog.Int("messages", int(mbox.Messages)), slog.Int("unread", int(mbox.Unseen)))

		seen := make(map[uint32]struct{})
		for ctx.Err() == nil {
			uids, err := s.pending(c, seen)
			if err != nil {
				yield(Message{}, err)
				return
			}
			if len(uids) == 0 {
				// no mails to process
				return
			}

			messages, err := s.fetchBatch(c, uids)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, msg := range messages {
				if !yield(msg, nil) {
					s.expunge(c)
					return
				}
			}
			s.expunge(c)
		}
	}
}

// pending returns up to BatchSize UIDs not deleted and not yet handed out
// by this fetch.
func (s *IMAP) pending(c *client.Client, seen map[uint32]struct{}) ([]uint32, error) {
	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.DeletedFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search for mails: %w", err)
	}
	s.logger.Debug("found mails without the DELETED flag", slog.Int("count", len(uids)))

	pending := make([]uint32, 0, s.opts.BatchSize)
	for _, uid := range uids {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		pending = append(pending, uid)
		if len(pending) == s.opts.BatchSize {
			break
		}
	}
	return pending, nil
}

// fetchBatch downloads whole messages. The batch is read completely before
// any message is handed out so acknowledgements can use the connection.
func (s *IMAP) fetchBatch(c *client.Client, uids []uint32) ([]Message, error) {
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)
	s.logger.Debug("fetching messages", slog.String("uids", seqset.String()))

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{section.FetchItem(), goimap.FetchUid}

	ch := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	var readErr error
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			readErr = fmt.Errorf("server didn't return message body for uid %d", msg.Uid)
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			readErr = fmt.Errorf("could not read message %d: %w", msg.Uid, err)
			continue
		}
		messages = append(messages, Message{ID: strconv.FormatUint(uint64(msg.Uid), 10), Data: data})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error on fetch: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return messages, nil
}

func (s *IMAP) expunge(c *client.Client) {
	if !s.opts.Delete || s.opts.Test {
		return
	}
	s.logger.Debug("running expunge command (delete all marked messages)")
	if err := c.Expunge(nil); err != nil {
		s.logger.Error("could not expunge", slog.String("err", err.Error()))
	}
}

func (s *IMAP) session() (*client.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, "", errNoSession
	}
	return s.client, s.delimiter, nil
}

func (s *IMAP) Acknowledge(_ context.Context, id string, outcome Outcome) error {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", id, err)
	}
	if s.opts.Test {
		s.logger.Info("test mode, not touching message", slog.String("message_id", id), slog.String("outcome", outcome.String()))
		return nil
	}
	c, delimiter, err := s.session()
	if err != nil {
		return err
	}

	switch {
	case outcome.IsProcessed() && s.opts.Delete:
		s.logger.Info("marking message as deleted", slog.String("message_id", id))
		return imap.MarkMessageAsDeleted(c, uint32(uid))
	case outcome.IsProcessed():
		return s.moveTo(c, uint32(uid), delimiter, archiveSubfolder(outcome.Kind()))
	case s.opts.FailurePolicy == FailureLeave:
		s.logger.Info("leaving failed message in place", slog.String("message_id", id))
		return nil
	default:
		return s.moveTo(c, uint32(uid), delimiter, "Invalid")
	}
}

func archiveSubfolder(kind report.Kind) string {
	if kind == report.KindForensic {
		return "Forensic"
	}
	return "Aggregate"
}

func (s *IMAP) moveTo(c *client.Client, uid uint32, delimiter, sub string) error {
	folder := s.opts.ArchiveFolder + delimiter + sub
	if _, ok := s.folders.Get(folder); !ok {
		for _, f := range []string{s.opts.ArchiveFolder, folder} {
			if err := imap.EnsureFolder(c, f); err != nil {
				return err
			}
		}
		s.folders.Add(folder, struct{}{})
	}
	s.logger.Info("moving message", slog.Uint64("uid", uint64(uid)), slog.String("folder", folder))
	if err := imap.MoveMessage(c, uid, folder); err != nil {
		return fmt.Errorf("could not move message %d to %s: %w", uid, folder, err)
	}
	return nil
}

func (s *IMAP) Close() error {
	return nil
}
