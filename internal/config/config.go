package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "DMARC"

type Configuration struct {
	WatchInterval           time.Duration     `mapstructure:"watch_interval" validate:"gt=0"`
	Offline                 bool              `mapstructure:"offline"`
	StripAttachmentPayloads bool              `mapstructure:"strip_attachment_payloads"`
	AckPolicy               string            `mapstructure:"ack_policy" validate:"oneof=all any"`
	DNS                     DNSConfig         `mapstructure:"dns"`
	GeoIPDatabase           string            `mapstructure:"geoip_database"`
	MsgConvert              MsgConvertConfig  `mapstructure:"msgconvert"`
	Metrics                 MetricsConfig     `mapstructure:"metrics"`
	Sources                 []TransportConfig `mapstructure:"sources" validate:"required,min=1,dive"`
	Sinks                   []TransportConfig `mapstructure:"sinks" validate:"dive"`
}

type DNSConfig struct {
	Nameservers []string      `mapstructure:"nameservers" validate:"dive,required"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	CacheSize   int           `mapstructure:"cache_size" validate:"gt=0"`
}

type MsgConvertConfig struct {
	Binary  string        `mapstructure:"binary" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// TransportConfig configures one source or sink. Options are decoded by the
// transport into its own typed struct.
type TransportConfig struct {
	Name    string         `mapstructure:"name" validate:"required"`
	Type    string         `mapstructure:"type" validate:"required"`
	Options map[string]any `mapstructure:"options"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch_interval", 1*time.Hour)
	v.SetDefault("ack_policy", "all")
	v.SetDefault("dns.nameservers", []string{"1.1.1.1", "1.0.0.1"})
	v.SetDefault("dns.timeout", 2*time.Second)
	v.SetDefault("dns.cache_ttl", 30*time.Minute)
	v.SetDefault("dns.cache_size", 10000)
	v.SetDefault("msgconvert.binary", "msgconvert")
	v.SetDefault("msgconvert.timeout", 1*time.Minute)
}

// GetConfig reads the config file f (json, yaml or toml by extension).
// Every top level value can be overridden by a DMARC_ prefixed environment
// variable, dots in nested keys replaced by underscores.
func GetConfig(f string) (*Configuration, error) {
	if f == "" {
		return nil, errors.New("please provide a valid config file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(f)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config %s: %w", f, err)
	}

	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("could not decode config %s: %w", f, err)
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", f, err)
	}

	return &c, nil
}

// DecodeOptions decodes a transport options map into out and validates the
// result. Values are weakly typed so environment overrides and quoted
// numbers work, durations may be given as strings like "30s".
func DecodeOptions(in map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := d.Decode(in); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
