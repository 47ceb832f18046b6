package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/firefart/dmarcpipeline/internal/config"
)

// generatorEpoch is the begin of the first generated report.
var generatorEpoch = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

type GeneratorOptions struct {
	Kind   string `mapstructure:"kind" validate:"oneof=aggregate forensic"`
	Mode   string `mapstructure:"mode" validate:"oneof=static random malformed"`
	Count  int    `mapstructure:"count" validate:"gt=0"`
	Seed   uint64 `mapstructure:"seed"`
	Domain string `mapstructure:"domain" validate:"required,fqdn"`
}

func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		Kind:   "aggregate",
		Mode:   "static",
		Count:  1,
		Seed:   1,
		Domain: "example.com",
	}
}

// Generator fabricates raw report messages. Static mode always produces the
// same messages, random mode is deterministic for a given seed and
// malformed mode produces messages no parser accepts. Acknowledgements are
// recorded and can be inspected with Acknowledged.
type Generator struct {
	logger *slog.Logger
	name   string
	opts   GeneratorOptions

	mu   sync.Mutex
	rng  *rand.Rand
	acks map[string]Outcome
}

func NewGeneratorFromOptions(logger *slog.Logger, name string, options map[string]any) (Source, error) {
	opts := DefaultGeneratorOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewGenerator(logger, name, opts), nil
}

func NewGenerator(logger *slog.Logger, name string, opts GeneratorOptions) *Generator {
	return &Generator{
		logger: logger,
		name:   name,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed)), // nolint: gosec
		acks:   make(map[string]Outcome),
	}
}

func (g *Generator) Name() string {
	return g.name
}

func (g *Generator) Fetch(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for i := range g.opts.Count {
			if ctx.Err() != nil {
				return
			}
			msg := Message{
				ID:   fmt.Sprintf("generated-%d", i),
				Data: g.generate(i),
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (g *Generator) generate(i int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.opts.Mode == "malformed" && g.opts.Kind == "forensic":
		return []byte(malformedForensic(g.opts.Domain, i))
	case g.opts.Mode == "malformed":
		return malformedAggregate(i)
	case g.opts.Kind == "forensic":
		return []byte(g.forensic(i))
	default:
		return []byte(g.aggregate(i))
	}
}

type generatedRecord struct {
	ip          string
	count       int
	disposition string
	dkim        string
	spf         string
}

func (g *Generator) records() []generatedRecord {
	if g.opts.Mode == "static" {
		return []generatedRecord{
			{ip: "203.0.113.5", count: 2, disposition: "none", dkim: "pass", spf: "fail"},
			{ip: "198.51.100.23", count: 1, disposition: "reject", dkim: "fail", spf: "fail"},
		}
	}
	results := []string{"pass", "fail"}
	dispositions := []string{"none", "quarantine", "reject"}
	out := make([]generatedRecord, 1+g.rng.IntN(5))
	for i := range out {
		out[i] = generatedRecord{
			ip:          g.randomIP(),
			count:       1 + g.rng.IntN(100),
			disposition: dispositions[g.rng.IntN(len(dispositions))],
			dkim:        results[g.rng.IntN(2)],
			spf:         results[g.rng.IntN(2)],
		}
	}
	return out
}

// randomIP returns an address from the documentation ranges.
func (g *Generator) randomIP() string {
	nets := []string{"192.0.2", "198.51.100", "203.0.113"}
	return fmt.Sprintf("%s.%d", nets[g.rng.IntN(len(nets))], 1+g.rng.IntN(254))
}

func (g *Generator) aggregate(i int) string {
	begin := generatorEpoch.Add(time.Duration(i) * 24 * time.Hour)
	end := begin.Add(24*time.Hour - time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8" ?>
<feedback>
  <version>1.0</version>
  <report_metadata>
    <org_name>generator.invalid</org_name>
    <email>dmarc@generator.invalid</email>
    <report_id>%s-%d</report_id>
    <date_range><begin>%d</begin><end>%d</end></date_range>
  </report_metadata>
  <policy_published>
    <domain>%s</domain><adkim>r</adkim><aspf>r</aspf><p>reject</p><sp>reject</sp><pct>100</pct>
  </policy_published>
`, g.name, i, begin.Unix(), end.Unix(), g.opts.Domain)
	for _, r := range g.records() {
		fmt.Fprintf(&b, `  <record>
    <row>
      <source_ip>%s</source_ip>
      <count>%d</count>
      <policy_evaluated><disposition>%s</disposition><dkim>%s</dkim><spf>%s</spf></policy_evaluated>
    </row>
    <identifiers><header_from>%s</header_from></identifiers>
    <auth_results>
      <dkim><domain>%s</domain><selector>default</selector><result>%s</result></dkim>
      <spf><domain>%s</domain><result>%s</result></spf>
    </auth_results>
  </record>
`, r.ip, r.count, r.disposition, r.dkim, r.spf, g.opts.Domain, g.opts.Domain, r.dkim, g.opts.Domain, r.spf)
	}
	b.WriteString("</feedback>\n")
	return b.String()
}

func (g *Generator) forensic(i int) string {
	ip := "203.0.113.5"
	if g.opts.Mode == "random" {
		ip = g.randomIP()
	}
	arrival := generatorEpoch.Add(time.Duration(i) * time.Minute)
	return crlf(fmt.Sprintf(`From: dmarc@generator.invalid
To: dmarc-ruf@%[1]s
Subject: DMARC failure report %[2]d
Date: %[3]s
MIME-Version: 1.0
Content-Type: multipart/report; report-type=feedback-report; boundary="generated"

--generated
Content-Type: text/plain

This is a generated authentication failure report.

--generated
Content-Type: message/feedback-report

Feedback-Type: auth-failure
User-Agent: dmarcpipeline-generator/1.0
Version: 1
Arrival-Date: %[3]s
Source-IP: %[4]s
Reported-Domain: %[1]s
Authentication-Results: generator.invalid; dkim=fail header.d=%[1]s; spf=fail smtp.mailfrom=%[1]s; dmarc=fail header.from=%[1]s
Auth-Failure: dmarc
Delivery-Result: reject

--generated
Content-Type: text/rfc822-headers

From: alerts@%[1]s
To: someone@generator.invalid
Subject: generated message %[2]d
Message-ID: <generated-%[2]d@%[1]s>
Date: %[3]s
--generated--
`, g.opts.Domain, i, arrival.Format(time.RFC1123Z), ip))
}

func malformedAggregate(i int) []byte {
	variants := [][]byte{
		// missing report_metadata
		[]byte(`<?xml version="1.0"?><feedback><policy_published><domain>example.com</domain></policy_published></feedback>`),
		// gzip magic with a broken body
		{0x1f, 0x8b, 0x08, 0x00, 0xde, 0xad, 0xbe, 0xef},
		// a mail that carries no report at all
		[]byte(crlf("From: someone@generator.invalid\nSubject: hello\n\nno report here\n")),
	}
	return variants[i%len(variants)]
}

func malformedForensic(domain string, i int) string {
	return crlf(fmt.Sprintf(`From: dmarc@generator.invalid
Subject: broken failure report %d
Content-Type: multipart/report; report-type=feedback-report; boundary="generated"

--generated
Content-Type: message/feedback-report

Feedback-Type: auth-failure
Reported-Domain: %s

--generated
Content-Type: text/rfc822-headers

From: alerts@%s
--generated--
`, i, domain, domain))
}

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func (g *Generator) Acknowledge(_ context.Context, id string, outcome Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acks[id] = outcome
	g.logger.Debug("acknowledged", slog.String("message_id", id), slog.String("outcome", outcome.String()))
	return nil
}

// Acknowledged returns the last outcome recorded per message id.
func (g *Generator) Acknowledged() map[string]Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Outcome, len(g.acks))
	for k, v := range g.acks {
		out[k] = v
	}
	return out
}

func (g *Generator) Close() error {
	return nil
}
