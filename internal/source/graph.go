package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/firefart/dmarcpipeline/internal/config"
)

type GraphOptions struct {
	TenantID     string `mapstructure:"tenant_id" validate:"required"`
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
	Mailbox      string `mapstructure:"mailbox" validate:"required,email"`
	// Folder and ArchiveFolder are paths like "Inbox/DMARC", resolved one
	// segment at a time.
	Folder        string        `mapstructure:"folder" validate:"required"`
	ArchiveFolder string        `mapstructure:"archive_folder" validate:"required"`
	Delete        bool          `mapstructure:"delete"`
	Test          bool          `mapstructure:"test"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	FailurePolicy FailurePolicy `mapstructure:"failure_policy" validate:"oneof=move leave"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	// TokenURL defaults to the tenant's Microsoft identity platform endpoint.
	TokenURL string   `mapstructure:"token_url" validate:"omitempty,url"`
	Scopes   []string `mapstructure:"scopes" validate:"required,min=1"`
}

func DefaultGraphOptions() GraphOptions {
	return GraphOptions{
		Folder:        "Inbox",
		ArchiveFolder: "Archive",
		BatchSize:     30,
		FailurePolicy: FailureMove,
		Timeout:       30 * time.Second,
		BaseURL:       "https://graph.microsoft.com/v1.0",
		Scopes:        []string{"https://graph.microsoft.com/.default"},
	}
}

// GraphError is a non successful Microsoft Graph response.
type GraphError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph api returned %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// Graph reads report mails from an Exchange Online mailbox through the
// Microsoft Graph API using the client credentials flow.
type Graph struct {
	logger *slog.Logger
	name   string
	opts   GraphOptions
	client *http.Client
	// folders maps folder paths to ids
	folders *lru.Cache[string, string]
}

func NewGraphFromOptions(logger *slog.Logger, name string, options map[string]any) (Source, error) {
	opts := DefaultGraphOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewGraph(logger, name, opts)
}

func NewGraph(logger *slog.Logger, name string, opts GraphOptions) (*Graph, error) {
	if opts.TokenURL == "" {
		opts.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(opts.TenantID))
	}
	cc := clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     opts.TokenURL,
		Scopes:       opts.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	base := &http.Client{Timeout: opts.Timeout}
	client := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	client.Timeout = opts.Timeout

	folders, err := lru.New[string, string](folderCacheSize)
	if err != nil {
		return nil, err
	}
	return &Graph{
		logger:  logger,
		name:    name,
		opts:    opts,
		client:  client,
		folders: folders,
	}, nil
}

func (g *Graph) Name() string {
	return g.name
}

func (g *Graph) userURL(parts ...string) string {
	return strings.TrimSuffix(g.opts.BaseURL, "/") + "/users/" + url.PathEscape(g.opts.Mailbox) + "/" + strings.Join(parts, "/")
}

func (g *Graph) do(ctx context.Context, method, u string, body, out any) error {
	resp, err := g.request(ctx, method, u, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode graph response: %w", err)
	}
	return nil
}

// request performs the call and returns the response for 2xx status codes.
func (g *Graph) request(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: could not get token: %w", ErrAuthentication, err)
		}
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	gerr := &GraphError{StatusCode: resp.StatusCode}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err == nil {
		gerr.Code = payload.Error.Code
		gerr.Message = payload.Error.Message
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, gerr)
	}
	return nil, gerr
}

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// childFolder looks up a folder by name below parent or at the top level
// when parent is empty. It returns an empty id when there is none.
func (g *Graph) childFolder(ctx context.Context, parent, name string) (string, error) {
	u := g.userURL("mailFolders")
	if parent != "" {
		u = g.userURL("mailFolders", url.PathEscape(parent), "childFolders")
	}
	u += "?" + url.Values{"$filter": {"displayName eq " + odataQuote(name)}}.Encode()

	var out struct {
		Value []graphFolder `json:"value"`
	}
	if err := g.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return "", fmt.Errorf("could not look up folder %s: %w", name, err)
	}
	for _, f := range out.Value {
		if strings.EqualFold(f.DisplayName, name) {
			return f.ID, nil
		}
	}
	return "", nil
}

func (g *Graph) createFolder(ctx context.Context, parent, name string) (string, error) {
	u := g.userURL("mailFolders")
	if parent != "" {
		u = g.userURL("mailFolders", url.PathEscape(parent), "childFolders")
	}
	var out graphFolder
	if err := g.do(ctx, http.MethodPost, u, map[string]string{"displayName": name}, &out); err != nil {
		return "", fmt.Errorf("could not create folder %s: %w", name, err)
	}
	g.logger.Info("created folder", slog.String("folder", name))
	return out.ID, nil
}

// resolveFolder walks path left to right, each segment looked up below the
// previous one. Missing segments are created when create is set, otherwise
// ErrFolderNotFound is returned.
func (g *Graph) resolveFolder(ctx context.Context, path string, create bool) (string, error) {
	if id, ok := g.folders.Get(path); ok {
		return id, nil
	}

	var id, resolved string
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		if resolved == "" {
			resolved = segment
		} else {
			resolved += "/" + segment
		}
		if cached, ok := g.folders.Get(resolved); ok {
			id = cached
			continue
		}

		child, err := g.childFolder(ctx, id, segment)
		if err != nil {
			return "", err
		}
		if child == "" {
			if !create {
				return "", fmt.Errorf("%w: %s in mailbox %s", ErrFolderNotFound, resolved, g.opts.Mailbox)
			}
			if child, err = g.createFolder(ctx, id, segment); err != nil {
				return "", err
			}
		}
		id = child
		g.folders.Add(resolved, id)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty folder path", ErrFolderNotFound)
	}
	return id, nil
}

type graphMessagePage struct {
	Value []struct {
		ID string `json:"id"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// pending returns the ids of the first page holding messages not handed out
// by this fetch.
func (g *Graph) pending(ctx context.Context, folderID string, seen map[string]struct{}) ([]string, error) {
	u := g.userURL("mailFolders", url.PathEscape(folderID), "messages") + "?" + url.Values{
		"$select": {"id"},
		"$top":    {strconv.Itoa(g.opts.BatchSize)},
	}.Encode()

	for u != "" {
		var page graphMessagePage
		if err := g.do(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, fmt.Errorf("could not list messages: %w", err)
		}
		var ids []string
		for _, m := range page.Value {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			ids = append(ids, m.ID)
		}
		if len(ids) > 0 {
			return ids, nil
		}
		u = page.NextLink
	}
	return nil, nil
}

func (g *Graph) mime(ctx context.Context, id string) ([]byte, error) {
	resp, err := g.request(ctx, http.MethodGet, g.userURL("messages", url.PathEscape(id), "$value"), nil)
	if err != nil {
		return nil, fmt.Errorf("could not download message %s: %w", id, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (g *Graph) Fetch(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		// folder ids are only trusted for one run
		g.folders.Purge()

		folderID, err := g.resolveFolder(ctx, g.opts.Folder, false)
		if err != nil {
			yield(Message{}, err)
			return
		}

		seen := make(map[string]struct{})
		for ctx.Err() == nil {
			ids, err := g.pending(ctx, folderID, seen)
			if err != nil {
				yield(Message{}, err)
				return
			}
			if len(ids) == 0 {
				return
			}
			g.logger.Debug("fetching messages", slog.Int("count", len(ids)))
			for _, id := range ids {
				data, err := g.mime(ctx, id)
				if err != nil {
					yield(Message{}, err)
					return
				}
				if !yield(Message{ID: id, Data: data}, nil) {
					return
				}
			}
		}
	}
}

func (g *Graph) Acknowledge(ctx context.Context, id string, outcome Outcome) error {
	if g.opts.Test {
		g.logger.Info("test mode, not touching message", slog.String("message_id", id), slog.String("outcome", outcome.String()))
		return nil
	}

	switch {
	case outcome.IsProcessed() && g.opts.Delete:
		g.logger.Info("deleting message", slog.String("message_id", id))
		return g.do(ctx, http.MethodDelete, g.userURL("messages", url.PathEscape(id)), nil, nil)
	case outcome.IsProcessed():
		return g.moveTo(ctx, id, archiveSubfolder(outcome.Kind()))
	case g.opts.FailurePolicy == FailureLeave:
		g.logger.Info("leaving failed message in place", slog.String("message_id", id))
		return nil
	default:
		return g.moveTo(ctx, id, "Invalid")
	}
}

func (g *Graph) moveTo(ctx context.Context, id, sub string) error {
	folder := strings.TrimSuffix(g.opts.ArchiveFolder, "/") + "/" + sub
	folderID, err := g.resolveFolder(ctx, folder, true)
	if err != nil {
		return err
	}
	g.logger.Info("moving message", slog.String("message_id", id), slog.String("folder", folder))
	if err := g.do(ctx, http.MethodPost, g.userURL("messages", url.PathEscape(id), "move"), map[string]string{"destinationId": folderID}, nil); err != nil {
		return fmt.Errorf("could not move message %s to %s: %w", id, folder, err)
	}
	return nil
}

func (g *Graph) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
