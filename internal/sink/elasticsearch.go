package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type ElasticsearchOptions struct {
	Addresses []string `mapstructure:"addresses" validate:"required,min=1,dive,url"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
	// reports are written to {index}-YYYY-MM-DD
	AggregateIndex string        `mapstructure:"aggregate_index" validate:"required"`
	ForensicIndex  string        `mapstructure:"forensic_index" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func DefaultElasticsearchOptions() ElasticsearchOptions {
	return ElasticsearchOptions{
		AggregateIndex: "dmarc_aggregate",
		ForensicIndex:  "dmarc_forensic",
		Timeout:        30 * time.Second,
	}
}

// dates are serialised with report.TimestampLayout
const elasticsearchDateFormat = "yyyy-MM-dd HH:mm:ss"

var elasticsearchStrings = map[string]any{
	"strings": map[string]any{
		"match_mapping_type": "string",
		"mapping": map[string]any{
			"type":         "keyword",
			"ignore_above": 1024,
		},
	},
}

func elasticsearchDate() map[string]any {
	return map[string]any{"type": "date", "format": elasticsearchDateFormat}
}

func aggregateTemplate(index string) map[string]any {
	return map[string]any{
		"index_patterns": []string{index + "-*"},
		"template": map[string]any{
			"mappings": map[string]any{
				"dynamic_templates": []any{elasticsearchStrings},
				"properties": map[string]any{
					"report_metadata": map[string]any{
						"properties": map[string]any{
							"begin_date": elasticsearchDate(),
							"end_date":   elasticsearchDate(),
						},
					},
					"records": map[string]any{
						"type": "nested",
						"properties": map[string]any{
							"source": map[string]any{
								"properties": map[string]any{
									"ip_address": map[string]any{"type": "ip"},
								},
							},
						},
					},
				},
			},
		},
	}
}

func forensicTemplate(index string) map[string]any {
	return map[string]any{
		"index_patterns": []string{index + "-*"},
		"template": map[string]any{
			"mappings": map[string]any{
				"dynamic_templates": []any{elasticsearchStrings},
				"properties": map[string]any{
					"arrival_date":     map[string]any{"type": "date"},
					"arrival_date_utc": elasticsearchDate(),
					"sample":           map[string]any{"type": "text"},
					"source": map[string]any{
						"properties": map[string]any{
							"ip_address": map[string]any{"type": "ip"},
						},
					},
				},
			},
		},
	}
}

// Elasticsearch indexes every report as one document into a daily index.
// The document id is the report id so redelivered reports overwrite the
// existing document.
type Elasticsearch struct {
	logger *slog.Logger
	opts   ElasticsearchOptions
	client *elasticsearch.Client
}

func NewElasticsearchFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultElasticsearchOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewElasticsearch(logger, opts), nil
}

func NewElasticsearch(logger *slog.Logger, opts ElasticsearchOptions) *Elasticsearch {
	return &Elasticsearch{
		logger: logger,
		opts:   opts,
	}
}

// Open checks the cluster is reachable and creates the index templates.
func (e *Elasticsearch) Open(ctx context.Context) error {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: e.opts.Addresses,
		Username:  e.opts.Username,
		Password:  e.opts.Password,
		APIKey:    e.opts.APIKey,
	})
	if err != nil {
		return fmt.Errorf("could not create elasticsearch client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	res, err := client.Info(client.Info.WithContext(ctx))
	if err := checkElasticsearchResponse("connect to elasticsearch", res, err); err != nil {
		return err
	}

	templates := map[string]map[string]any{
		e.opts.AggregateIndex: aggregateTemplate(e.opts.AggregateIndex),
		e.opts.ForensicIndex:  forensicTemplate(e.opts.ForensicIndex),
	}
	for name, tmpl := range templates {
		body, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("could not marshal index template %s: %w", name, err)
		}
		res, err := client.Indices.PutIndexTemplate(name, bytes.NewReader(body),
			client.Indices.PutIndexTemplate.WithContext(ctx),
		)
		if err := checkElasticsearchResponse("create index template "+name, res, err); err != nil {
			return err
		}
		e.logger.Debug("created index template", slog.String("template", name))
	}

	e.client = client
	return nil
}

func (e *Elasticsearch) Close(context.Context) error {
	e.client = nil
	return nil
}

// IndexName returns the daily index a report dated date is written to.
func IndexName(index string, date time.Time) string {
	return index + "-" + date.UTC().Format(time.DateOnly)
}

func (e *Elasticsearch) index(ctx context.Context, index string, r report.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	name := IndexName(index, r.Date())
	res, err := e.client.Index(name, bytes.NewReader(body),
		e.client.Index.WithDocumentID(r.ID()),
		e.client.Index.WithContext(ctx),
	)
	if err := checkElasticsearchResponse(fmt.Sprintf("index report %s into %s", r.ID(), name), res, err); err != nil {
		return err
	}
	return nil
}

func (e *Elasticsearch) Aggregate(ctx context.Context, r *report.AggregateReport) error {
	return e.index(ctx, e.opts.AggregateIndex, r)
}

func (e *Elasticsearch) Forensic(ctx context.Context, r *report.ForensicReport) error {
	return e.index(ctx, e.opts.ForensicIndex, r)
}

func checkElasticsearchResponse(action string, res *esapi.Response, err error) error {
	if err != nil {
		return fmt.Errorf("could not %s: %w", action, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("could not %s: status %d: %s", action, res.StatusCode, b)
	}
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
