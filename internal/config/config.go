// Package config loads the mountkitd configuration file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/provider"
)

// EnvPrefix prefixes environment overrides, e.g. MOUNTKITD_LISTEN or
// MOUNTKITD_LOGGING_LEVEL.
const EnvPrefix = "MOUNTKITD"

// Config is the server configuration.
type Config struct {
	Listen          string        `mapstructure:"listen" validate:"required"`
	DAVPrefix       string        `mapstructure:"dav_prefix" validate:"omitempty,startswith=/"`
	MetricsPath     string        `mapstructure:"metrics_path" validate:"omitempty,startswith=/"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	Logging LoggingConfig `mapstructure:"logging"`
	Cache   CacheConfig   `mapstructure:"cache"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GitHub  GitHubConfig  `mapstructure:"github"`
	S3      S3Config      `mapstructure:"s3"`
	SFTP    SFTPConfig    `mapstructure:"sftp"`

	Mounts []Mount `mapstructure:"mounts" validate:"dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheConfig tunes the range cache stream and the metadata tiers.
type CacheConfig struct {
	PageSize        int64         `mapstructure:"page_size" validate:"omitempty,gt=0"`
	Sink            string        `mapstructure:"sink" validate:"omitempty,oneof=memory file"`
	TempDir         string        `mapstructure:"temp_dir"`
	PathIDTTL       time.Duration `mapstructure:"path_id_ttl" validate:"gte=0"`
	ItemTTL         time.Duration `mapstructure:"item_ttl" validate:"gte=0"`
	ListingTTL      time.Duration `mapstructure:"listing_ttl" validate:"gte=0"`
	SignedURLTTL    time.Duration `mapstructure:"signed_url_ttl" validate:"gte=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`
}

// HTTPConfig configures outbound requests.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// GitHubConfig configures github: mounts.
type GitHubConfig struct {
	Token  string `mapstructure:"token"`
	APIURL string `mapstructure:"api_url" validate:"omitempty,url"`
	RawURL string `mapstructure:"raw_url" validate:"omitempty,url"`
}

// S3Config configures s3: mounts.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// SFTPConfig configures sftp: mounts.
type SFTPConfig struct {
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	KnownHosts string `mapstructure:"known_hosts"`
}

// Mount binds a source string to a prefix. In the file a mount is either a
// mapping or the shorthand "prefix=source".
type Mount struct {
	Prefix string `mapstructure:"prefix" validate:"required,startswith=/"`
	Source string `mapstructure:"source" validate:"required,protocol"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("protocol", func(fl validator.FieldLevel) bool {
		_, _, err := provider.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads the configuration file at path. An empty path loads defaults
// and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mountStringHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("dav_prefix", "/dav")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.compress", true)
	v.SetDefault("cache.sink", "memory")
	v.SetDefault("cache.cleanup_interval", "5m")
}

// mountStringHook decodes "prefix=source" into a Mount.
func mountStringHook() mapstructure.DecodeHookFunc {
	mountType := reflect.TypeOf(Mount{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != mountType || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseMount(data.(string))
	}
}

// ParseMount parses the "prefix=source" shorthand.
func ParseMount(s string) (Mount, error) {
	prefix, source, ok := strings.Cut(s, "=")
	if !ok {
		return Mount{}, fmt.Errorf("mount %q is not prefix=source", s)
	}
	return Mount{Prefix: strings.TrimSpace(prefix), Source: strings.TrimSpace(source)}, nil
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.DAVPrefix != "" {
		c.DAVPrefix = mountkit.NormalizePath(c.DAVPrefix)
	}
	for i := range c.Mounts {
		if strings.HasPrefix(c.Mounts[i].Prefix, "/") {
			c.Mounts[i].Prefix = mountkit.NormalizePath(c.Mounts[i].Prefix)
		}
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	seen := make(map[string]bool, len(c.Mounts))
	for i, m := range c.Mounts {
		if seen[m.Prefix] {
			return fmt.Errorf("mounts[%d]: duplicate prefix %s", i, m.Prefix)
		}
		seen[m.Prefix] = true
	}
	if c.DAVPrefix == "/" {
		return errors.New("dav_prefix: cannot be the root, it would hide the browse front-end")
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// Library overlays the file settings on base, which usually comes from
// mountkit.GetConfig. Zero values in the file keep the base value.
func (c *Config) Library(base *mountkit.Config) *mountkit.Config {
	out := mountkit.Config{}
	if base != nil {
		out = *base
	}

	setInt64(&out.PageSize, c.Cache.PageSize)
	setString(&out.CacheSink, c.Cache.Sink)
	setString(&out.TempDir, c.Cache.TempDir)
	setMinutes(&out.PathIDTTLMinutes, c.Cache.PathIDTTL)
	setMinutes(&out.ItemTTLMinutes, c.Cache.ItemTTL)
	setMinutes(&out.ListingTTLMinutes, c.Cache.ListingTTL)
	setMinutes(&out.SignedURLTTLMinutes, c.Cache.SignedURLTTL)

	if c.HTTP.Timeout > 0 {
		out.HTTPTimeoutSeconds = int(c.HTTP.Timeout / time.Second)
	}
	if c.HTTP.MaxIdleConns > 0 {
		out.HTTPMaxIdleConns = c.HTTP.MaxIdleConns
	}
	setString(&out.UserAgent, c.HTTP.UserAgent)

	setString(&out.GitHubToken, c.GitHub.Token)
	setString(&out.GitHubBaseURL, c.GitHub.APIURL)
	setString(&out.GitHubRawURL, c.GitHub.RawURL)

	setString(&out.S3Region, c.S3.Region)
	setString(&out.S3Endpoint, c.S3.Endpoint)
	setString(&out.S3AccessKeyID, c.S3.AccessKeyID)
	setString(&out.S3SecretAccessKey, c.S3.SecretAccessKey)
	if c.S3.ForcePathStyle {
		out.S3ForcePathStyle = true
	}

	setString(&out.SFTPPassword, c.SFTP.Password)
	setString(&out.SFTPPrivateKey, c.SFTP.PrivateKey)
	setString(&out.SFTPKnownHostsFile, c.SFTP.KnownHosts)
	return &out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, v int64) {
	if v > 0 {
		*dst = v
	}
}

func setMinutes(dst *int, d time.Duration) {
	if d > 0 {
		*dst = max(int(d/time.Minute), 1)
	}
}
