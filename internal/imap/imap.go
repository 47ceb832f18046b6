package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ErrAuthentication is returned by Login when the server rejected the
// credentials.
var ErrAuthentication = errors.New("imap authentication failed")

type Config struct {
	Host       string
	SSL        bool
	User       string
	Pass       string
	IgnoreCert bool
	Timeout    time.Duration
}

// Connect dials the server using implicit TLS or STARTTLS when the server
// supports it and logs in.
func Connect(conf Config, logger *slog.Logger) (*client.Client, error) {
	tlsConfig := tls.Config{} // nolint: gosec
	if conf.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	errorLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)

	var c *client.Client
	var err error
	if conf.SSL {
		c, err = client.DialTLS(conf.Host, &tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		c, err = client.Dial(conf.Host)
		if err != nil {
			return nil, err
		}
		support, err := c.SupportStartTLS()
		if err != nil {
			_ = c.Logout()
			return nil, err
		}
		if support {
			if err := c.StartTLS(&tlsConfig); err != nil {
				_ = c.Logout()
				return nil, err
			}
		}
	}
	c.ErrorLog = errorLog
	c.Timeout = conf.Timeout

	if err := c.Login(conf.User, conf.Pass); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	// also log IMAP traffic in debug mode
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		c.SetDebug(debugWriter{logger: logger})
	}
	return c, nil
}

type debugWriter struct {
	logger *slog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// Delimiter returns the hierarchy delimiter of the account.
func Delimiter(c *client.Client) (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "", mailboxes)
	}()

	delimiter := ""
	for m := range mailboxes {
		delimiter = m.Delimiter
	}
	if err := <-done; err != nil {
		return "", err
	}
	if delimiter == "" {
		delimiter = "/"
	}
	return delimiter, nil
}

func HasFolder(c *client.Client, folderName string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	hasFolder := false
	// drain the channel so List can finish
	for m := range mailboxes {
		if m.Name == folderName {
			hasFolder = true
		}
	}

	if err := <-done; err != nil {
		return false, err
	}

	return hasFolder, nil
}

// EnsureFolder creates folderName unless it already exists.
func EnsureFolder(c *client.Client, folderName string) error {
	exists, err := HasFolder(c, folderName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := c.Create(folderName); err != nil {
		return fmt.Errorf("could not create folder %s: %w", folderName, err)
	}
	return nil
}

func MarkMessageAsDeleted(c *client.Client, msgUID uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seq, item, flags, nil); err != nil {
		return err
	}
	return nil
}

// MoveMessage moves a message to folderName. Servers without the MOVE
// extension get COPY, STORE and EXPUNGE instead.
func MoveMessage(c *client.Client, msgUID uint32, folderName string) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	return c.UidMove(seq, folderName)
}
