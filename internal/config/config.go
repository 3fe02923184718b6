// Package config binds the environment described in spec.md §6 into a
// typed Config value. Loading is a cmd/ concern; nothing under pkg/ or
// internal/store reads an environment variable directly.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sremani/artifortress/pkg/authn"
)

// Object store configuration (§4.B).
type ObjectStoreConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseTLS     bool
	Bucket     string
	Region     string
	PresignTTL time.Duration
}

// GC configuration (§4.H).
type GCConfig struct {
	GraceHours int
	BatchSize  int
}

// SAML configuration (§4.A).
type SAMLConfig struct {
	Enabled         bool
	MetadataURL     string
	SPEntityID      string
	ExpectedIssuer  string
	IssuedPATTTL    time.Duration
	AttributeRoles  []authn.SAMLAttributeMapping
}

// Config is the fully-resolved application configuration, built once at
// process start and passed down by reference; nothing mutates it.
type Config struct {
	ListenAddr string

	Postgres struct {
		DSN string
	}

	ObjectStore ObjectStoreConfig

	PolicyTimeout     time.Duration
	TombstoneRetention time.Duration

	GC GCConfig

	BootstrapSecret string

	OIDC authn.OIDCConfig
	SAML SAMLConfig
}

// Defaults mirrors the clamped defaults pkg/gc and pkg/policy fall back
// to on their own, kept here only so `migrate-check`/`run` can print an
// effective configuration without constructing the runtime first.
func Defaults() Config {
	var c Config
	c.ListenAddr = ":8080"
	c.PolicyTimeout = 250 * time.Millisecond
	c.TombstoneRetention = 30 * 24 * time.Hour
	c.GC.GraceHours = 24
	c.GC.BatchSize = 200
	c.ObjectStore.PresignTTL = 15 * time.Minute
	c.SAML.IssuedPATTTL = 15 * time.Minute
	return c
}

// Load binds environment variables under the ARTIFORTRESS_ prefix (and,
// where set, a config file previously added to v via SetConfigFile) into
// a Config. Nested fields use "_" as the env separator, matching the
// teacher's STORJ_ convention (e.g. ARTIFORTRESS_OBJECTSTORE_BUCKET).
func Load(v *viper.Viper) (*Config, error) {
	c := Defaults()

	v.SetEnvPrefix("ARTIFORTRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, c)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	c.ListenAddr = v.GetString("listen_addr")

	c.Postgres.DSN = v.GetString("postgres_dsn")

	c.ObjectStore.Endpoint = v.GetString("objectstore_endpoint")
	c.ObjectStore.AccessKey = v.GetString("objectstore_access_key")
	c.ObjectStore.SecretKey = v.GetString("objectstore_secret_key")
	c.ObjectStore.UseTLS = v.GetBool("objectstore_use_tls")
	c.ObjectStore.Bucket = v.GetString("objectstore_bucket")
	c.ObjectStore.Region = v.GetString("objectstore_region")
	c.ObjectStore.PresignTTL = v.GetDuration("objectstore_presign_ttl")

	c.PolicyTimeout = v.GetDuration("policy_timeout")
	c.TombstoneRetention = v.GetDuration("tombstone_retention")

	c.GC.GraceHours = v.GetInt("gc_grace_hours")
	c.GC.BatchSize = v.GetInt("gc_batch_size")

	c.BootstrapSecret = v.GetString("bootstrap_secret")

	c.OIDC.Issuer = v.GetString("oidc_issuer")
	c.OIDC.Audience = v.GetString("oidc_audience")
	if secret := v.GetString("oidc_hs256_secret"); secret != "" {
		c.OIDC.HS256Secret = []byte(secret)
	}
	if jwksURL := v.GetString("oidc_jwks_url"); jwksURL != "" {
		keys, err := fetchJWKS(jwksURL)
		if err != nil {
			return nil, err
		}
		c.OIDC.RSAKeys = keys
	}
	if err := v.UnmarshalKey("oidc_role_mappings", &c.OIDC.ClaimRoleMappings); err != nil {
		return nil, Error.Wrap(err)
	}

	c.SAML.Enabled = v.GetBool("saml_enabled")
	c.SAML.MetadataURL = v.GetString("saml_metadata_url")
	c.SAML.SPEntityID = v.GetString("saml_sp_entity_id")
	c.SAML.ExpectedIssuer = v.GetString("saml_expected_issuer")
	if ttl := v.GetDuration("saml_issued_pat_ttl"); ttl > 0 {
		c.SAML.IssuedPATTTL = ttl
	}
	if err := v.UnmarshalKey("saml_role_mappings", &c.SAML.AttributeRoles); err != nil {
		return nil, Error.Wrap(err)
	}

	return &c, nil
}

// bindDefaults seeds viper with Defaults() so GetDuration/GetInt return a
// sane value even when the corresponding env var is unset.
func bindDefaults(v *viper.Viper, c Config) {
	v.SetDefault("listen_addr", c.ListenAddr)
	v.SetDefault("policy_timeout", c.PolicyTimeout)
	v.SetDefault("tombstone_retention", c.TombstoneRetention)
	v.SetDefault("gc_grace_hours", c.GC.GraceHours)
	v.SetDefault("gc_batch_size", c.GC.BatchSize)
	v.SetDefault("objectstore_presign_ttl", c.ObjectStore.PresignTTL)
	v.SetDefault("saml_issued_pat_ttl", c.SAML.IssuedPATTTL)
}
