package mountkit

import (
	"time"

	"github.com/gobeaver/beaver-kit/config"
)

// Config holds provider defaults read from the environment. Mount prefixes
// and sources are not configured here; see the server configuration file.
type Config struct {
	// Cache stream
	PageSize  int64  `env:"MOUNTKIT_PAGE_SIZE,default:65536"`
	CacheSink string `env:"MOUNTKIT_CACHE_SINK,default:memory"` // memory, file
	TempDir   string `env:"MOUNTKIT_TEMP_DIR"`

	// Outbound HTTP
	HTTPTimeoutSeconds int    `env:"MOUNTKIT_HTTP_TIMEOUT_SECONDS,default:60"`
	HTTPMaxIdleConns   int    `env:"MOUNTKIT_HTTP_MAX_IDLE_CONNS,default:64"`
	UserAgent          string `env:"MOUNTKIT_USER_AGENT,default:mountkit"`

	// Metadata TTL tiers, in minutes
	PathIDTTLMinutes    int `env:"MOUNTKIT_PATH_ID_TTL_MINUTES,default:30"`
	ItemTTLMinutes      int `env:"MOUNTKIT_ITEM_TTL_MINUTES,default:30"`
	ListingTTLMinutes   int `env:"MOUNTKIT_LISTING_TTL_MINUTES,default:30"`
	SignedURLTTLMinutes int `env:"MOUNTKIT_SIGNED_URL_TTL_MINUTES,default:20"`

	// GitHub provider
	GitHubToken   string `env:"MOUNTKIT_GITHUB_TOKEN"`
	GitHubBaseURL string `env:"MOUNTKIT_GITHUB_BASE_URL"` // empty selects api.github.com
	GitHubRawURL  string `env:"MOUNTKIT_GITHUB_RAW_URL"`  // empty selects raw.githubusercontent.com

	// S3 provider
	S3Region          string `env:"MOUNTKIT_S3_REGION,default:us-east-1"`
	S3Endpoint        string `env:"MOUNTKIT_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"MOUNTKIT_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"MOUNTKIT_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"MOUNTKIT_S3_FORCE_PATH_STYLE,default:false"`

	// SFTP provider
	SFTPPassword       string `env:"MOUNTKIT_SFTP_PASSWORD"`
	SFTPPrivateKey     string `env:"MOUNTKIT_SFTP_PRIVATE_KEY"` // path to private key file
	SFTPKnownHostsFile string `env:"MOUNTKIT_SFTP_KNOWN_HOSTS"`
}

// HTTPTimeout returns the outbound request timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// TTLs returns the metadata TTL tiers, falling back to the package defaults
// for unset values.
func (c *Config) TTLs() TTLTiers {
	return TTLTiers{
		PathID:    minutesOr(c.PathIDTTLMinutes, TTLPathID),
		Item:      minutesOr(c.ItemTTLMinutes, TTLItem),
		Listing:   minutesOr(c.ListingTTLMinutes, TTLListing),
		SignedURL: minutesOr(c.SignedURLTTLMinutes, TTLSignedURL),
	}
}

// TTLTiers groups the metadata cache lifetimes used by remote providers.
type TTLTiers struct {
	PathID    time.Duration
	Item      time.Duration
	Listing   time.Duration
	SignedURL time.Duration
}

// DefaultTTLs returns the package default tiers.
func DefaultTTLs() TTLTiers {
	return TTLTiers{PathID: TTLPathID, Item: TTLItem, Listing: TTLListing, SignedURL: TTLSignedURL}
}

func minutesOr(m int, def time.Duration) time.Duration {
	if m <= 0 {
		return def
	}
	return time.Duration(m) * time.Minute
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
