package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// Config carries every setting the filtering core consumes. The field names
// mirror the configuration keys used by the admin tooling.
type Config struct {
	MilterPort int `validate:"min=1,max=65535"`

	SMTPHost     string `validate:"required"`
	SMTPPort     int    `validate:"min=1,max=65535"`
	RemailSender string

	KeyFile      string `validate:"required"`
	MailTemplate string `validate:"required"`
	AdminAddress string

	BulkRegex          string `validate:"required"`
	AutoSubmittedRegex string `validate:"required"`
	ResendConfirmation bool

	DBName     string `validate:"required"`
	DBUser     string `validate:"required"`
	DBPassword string
	DBHost     string `validate:"required"`
	DBPort     int    `validate:"min=1,max=65535"`

	// AdminPort of 0 disables the loopback status endpoint.
	AdminPort  int `validate:"min=0,max=65535"`
	DMARCProbe bool

	LogFile string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		MilterPort:         GetEnvInt("MILTER_PORT", 1999),
		SMTPHost:           GetEnv("SMTP_HOST", "localhost"),
		SMTPPort:           GetEnvInt("SMTP_PORT", 25),
		RemailSender:       GetEnv("REMAIL_SENDER", ""),
		KeyFile:            GetEnv("KEY_FILE", ""),
		MailTemplate:       GetEnv("MAIL_TEMPLATE", ""),
		AdminAddress:       GetEnv("ADMIN_ADDRESS", ""),
		BulkRegex:          GetEnv("BULK_REGEX", "(?i)(bulk|junk|list)"),
		AutoSubmittedRegex: GetEnv("AUTO_SUBMITTED_REGEX", "(?i)auto-(generated|replied|submitted)"),
		ResendConfirmation: GetEnvBool("RESEND_CONFIRMATION", true),
		DBName:             GetEnv("DB_NAME", "postconfirm"),
		DBUser:             GetEnv("DB_USER", "postconfirm"),
		DBPassword:         GetEnv("DB_PASSWORD", ""),
		DBHost:             GetEnv("DB_HOST", "localhost"),
		DBPort:             GetEnvInt("DB_PORT", 5432),
		AdminPort:          GetEnvInt("ADMIN_PORT", 0),
		DMARCProbe:         GetEnvBool("DMARC_PROBE", false),
		LogFile:            GetEnv("LOG_FILE", ""),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if _, err := regexp.Compile(cfg.BulkRegex); err != nil {
		return nil, fmt.Errorf("config: invalid BULK_REGEX: %w", err)
	}
	if _, err := regexp.Compile(cfg.AutoSubmittedRegex); err != nil {
		return nil, fmt.Errorf("config: invalid AUTO_SUBMITTED_REGEX: %w", err)
	}

	return cfg, nil
}

// DSN returns the lib/pq connection string for the backing database.
func (c *Config) DSN() string {
	dsn := fmt.Sprintf("dbname=%s user=%s host=%s port=%d sslmode=disable",
		c.DBName, c.DBUser, c.DBHost, c.DBPort)
	if c.DBPassword != "" {
		dsn += " password=" + c.DBPassword
	}
	return dsn
}

// MilterAddr returns the listen address for the milter socket.
func (c *Config) MilterAddr() string {
	return fmt.Sprintf(":%d", c.MilterPort)
}

// SMTPAddr returns the relay address for the re-mailer.
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}
