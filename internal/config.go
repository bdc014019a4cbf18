package internal

import (
	"encoding/xml"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/auth"
	"github.com/starford/hiedb/internal/install"
	"github.com/starford/hiedb/internal/mdm"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration. It loads from YAML or,
// for .xml files, from a <hiedb> document.
type Config struct {
	XMLName     xml.Name           `yaml:"-" xml:"hiedb"`
	Version     string             `yaml:"version" xml:"version,attr"`
	App         ApplicationConfig  `yaml:"app" xml:"app"`
	Connections []ConnectionString `yaml:"connections" xml:"connections>add"`
	Persistence PersistenceConfig  `yaml:"persistence" xml:"persistence"`
	MDM         MDMConfig          `yaml:"mdm" xml:"mdm"`
	Jobs        JobsConfig         `yaml:"jobs" xml:"jobs"`
	Ingest      IngestConfig       `yaml:"ingest" xml:"ingest"`
	Auth        AuthConfig         `yaml:"auth" xml:"auth"`
	Messaging   MessagingConfig    `yaml:"messaging" xml:"messaging"`
}

// Validate validates the configuration. Connection names referenced by the
// persistence section are not checked here; they resolve when the database
// is opened.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := validation.Validate(c.Connections); err != nil {
		return fmt.Errorf("connections: %w", err)
	}
	if err := c.Persistence.Validate(); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := c.MDM.Validate(); err != nil {
		return fmt.Errorf("mdm: %w", err)
	}
	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Messaging.Validate(); err != nil {
		return fmt.Errorf("messaging: %w", err)
	}
	return c.Auth.Validate()
}

// UnmarshalXML decodes a <hiedb> document over the defaults in c. encoding/xml
// appends to slices, so a list present in the document replaces the default
// list instead of extending it.
func (c *Config) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type plain Config
	conns, classes, schedules, tokens := c.Connections, c.MDM.Classes, c.Jobs.Schedules, c.Auth.Tokens
	c.Connections, c.MDM.Classes, c.Jobs.Schedules, c.Auth.Tokens = nil, nil, nil, nil
	if err := d.DecodeElement((*plain)(c), &start); err != nil {
		return err
	}
	if len(c.Connections) == 0 {
		c.Connections = conns
	}
	if len(c.MDM.Classes) == 0 {
		c.MDM.Classes = classes
	}
	if len(c.Jobs.Schedules) == 0 {
		c.Jobs.Schedules = schedules
	}
	if len(c.Auth.Tokens) == 0 {
		c.Auth.Tokens = tokens
	}
	return nil
}

// ConnectionString returns the provider and value of the named connection.
func (c *Config) ConnectionString(name string) (string, string, error) {
	for _, cs := range c.Connections {
		if cs.Name == name {
			return cs.Provider, cs.Value, nil
		}
	}
	return "", "", apperr.NotFound("connection string", name)
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" xml:"logLevel"`
	HTTP     HTTPConfig `yaml:"http" xml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" xml:"port,attr"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ConnectionString is a named database connection.
type ConnectionString struct {
	Name     string `yaml:"name" xml:"name,attr"`
	Provider string `yaml:"provider" xml:"provider,attr"`
	Value    string `yaml:"value" xml:"value,attr"`
}

func (c ConnectionString) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Provider, validation.Required, validation.By(knownProvider)),
		validation.Field(&c.Value, validation.Required),
	)
}

func knownProvider(v any) error {
	s, _ := v.(string)
	if _, err := install.Normalize(s); err != nil {
		return validation.NewError("validation_provider", "unknown provider")
	}
	return nil
}

// PersistenceConfig names the connections the persistence layer uses.
type PersistenceConfig struct {
	ReadWriteConnection string `yaml:"read_write_connection" xml:"readWriteConnection,attr"`
	ReadonlyConnection  string `yaml:"readonly_connection" xml:"readonlyConnection,attr"`
}

// Validate validates the persistence configuration.
func (c *PersistenceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ReadWriteConnection, validation.Required),
	)
}

// MDMConfig controls master linkage.
type MDMConfig struct {
	Classes           []string `yaml:"classes" xml:"class"`
	MatchThreshold    float64  `yaml:"match_threshold" xml:"matchThreshold,attr"`
	ProbableThreshold float64  `yaml:"probable_threshold" xml:"probableThreshold,attr"`
}

// Validate validates the MDM configuration.
func (c *MDMConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Classes, validation.Required, validation.Each(validation.Required)),
		validation.Field(&c.MatchThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.ProbableThreshold, validation.Min(0.0), validation.Max(1.0)),
	); err != nil {
		return err
	}
	if c.ProbableThreshold > c.MatchThreshold {
		return fmt.Errorf("probable_threshold %.2f exceeds match_threshold %.2f", c.ProbableThreshold, c.MatchThreshold)
	}
	return nil
}

// Thresholds returns the configured classification thresholds.
func (c *MDMConfig) Thresholds() mdm.Thresholds {
	return mdm.Thresholds{Match: c.MatchThreshold, Probable: c.ProbableThreshold}
}

// JobsConfig holds background job schedules.
type JobsConfig struct {
	Schedules []JobSchedule `yaml:"schedules" xml:"schedule"`
}

// Validate validates the jobs configuration.
func (c *JobsConfig) Validate() error {
	return validation.Validate(c.Schedules)
}

// JobSchedule runs the named job on a cron spec with seconds
// ("0 0 3 * * *") or a descriptor ("@daily", "@every 1h").
type JobSchedule struct {
	Job  string `yaml:"job" xml:"job,attr"`
	Cron string `yaml:"cron" xml:"cron,attr"`
}

func (s JobSchedule) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Job, validation.Required),
		validation.Field(&s.Cron, validation.Required, validation.By(func(v any) error {
			spec, _ := v.(string)
			if _, err := cron.Parse(spec); err != nil {
				return validation.NewError("validation_cron", err.Error())
			}
			return nil
		})),
	)
}

// IngestConfig controls the inbox feed.
type IngestConfig struct {
	Enabled   bool   `yaml:"enabled" xml:"enabled,attr"`
	Path      string `yaml:"path" xml:"path,attr"`
	Principal string `yaml:"principal" xml:"principal,attr"`
}

// Validate validates the ingest configuration.
func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Principal, validation.When(c.Enabled, validation.Required)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): every request acts as a local principal holding
//     all permissions, suitable for local dev.
//   - "token": Bearer token authentication; at least one token is required.
type AuthConfig struct {
	Mode   string        `yaml:"mode" xml:"mode,attr"`
	Tokens []TokenConfig `yaml:"tokens" xml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
		validation.Field(&c.Tokens),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && len(c.Tokens) == 0 {
		return fmt.Errorf("auth: mode is %q but no tokens are configured", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// Principals maps each configured token to the principal it authenticates.
func (c *AuthConfig) Principals() map[string]auth.Principal {
	out := make(map[string]auth.Principal, len(c.Tokens))
	for _, t := range c.Tokens {
		out[t.Token] = auth.Principal{Name: t.Principal, Permissions: t.Permissions}
	}
	return out
}

// TokenConfig grants a bearer token a principal name and permissions.
type TokenConfig struct {
	Token       string   `yaml:"token" xml:"value,attr"`
	Principal   string   `yaml:"principal" xml:"principal,attr"`
	Permissions []string `yaml:"permissions" xml:"permission"`
}

func (t TokenConfig) Validate() error {
	perms := make([]any, len(auth.AllPermissions))
	for i, p := range auth.AllPermissions {
		perms[i] = p
	}
	return validation.ValidateStruct(&t,
		validation.Field(&t.Token, validation.Required, validation.Length(8, 0)),
		validation.Field(&t.Principal, validation.Required),
		validation.Field(&t.Permissions, validation.Each(validation.In(perms...))),
	)
}

// MessagingConfig holds event publication settings.
type MessagingConfig struct {
	AMQP AMQPConfig `yaml:"amqp" xml:"amqp"`
}

// Validate validates the messaging configuration.
func (c *MessagingConfig) Validate() error {
	return c.AMQP.Validate()
}

// AMQPConfig enables publishing events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled" xml:"enabled,attr"`
	URL      string `yaml:"url" xml:"url,attr"`
	Exchange string `yaml:"exchange" xml:"exchange,attr"`
}

// Validate validates the AMQP configuration.
func (c *AMQPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Exchange, validation.When(c.Enabled, validation.Required)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: "1",
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Connections: []ConnectionString{
			{Name: "main", Provider: "sqlite", Value: "./hiedb.db"},
		},
		Persistence: PersistenceConfig{
			ReadWriteConnection: "main",
		},
		MDM: MDMConfig{
			Classes:           []string{"Patient"},
			MatchThreshold:    mdm.DefaultThresholds.Match,
			ProbableThreshold: mdm.DefaultThresholds.Probable,
		},
		Ingest: IngestConfig{
			Path:      "./inbox",
			Principal: "ingest",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Messaging: MessagingConfig{
			AMQP: AMQPConfig{Exchange: "hiedb.events"},
		},
	}
}
