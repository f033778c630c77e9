package gatekeeper

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/lang"
	tele "gopkg.in/telebot.v4"
)

// Config contains gatekeeper configuration.
type Config struct {
	// Token is the bot credential.
	// Environment variable: GATE_TOKEN.
	Token string `yaml:"token" env:"GATE_TOKEN"`

	// Chats is the allow-list of chat IDs the gatekeeper acts on.
	// Events for any other chat are ignored entirely.
	// Environment variable: GATE_CHATS (comma-separated).
	Chats []int64 `yaml:"chats" env:"GATE_CHATS"`

	// CaptchaTimeout is how long a new member has to solve the challenge
	// before being kicked.
	// Default: 60 seconds.
	// Environment variable: GATE_CAPTCHA_TIMEOUT.
	CaptchaTimeout time.Duration `yaml:"captcha_timeout" env:"GATE_CAPTCHA_TIMEOUT"`

	// MinOperand and MaxOperand bound the challenge operands.
	// Defaults: 1 and 9.
	// Environment variables: GATE_MIN_OPERAND, GATE_MAX_OPERAND.
	MinOperand int `yaml:"min_operand" env:"GATE_MIN_OPERAND"`
	MaxOperand int `yaml:"max_operand" env:"GATE_MAX_OPERAND"`

	// LPTimeout is the long polling timeout.
	// Default: 15 seconds.
	// Environment variable: GATE_LP_TIMEOUT.
	LPTimeout time.Duration `yaml:"lp_timeout" env:"GATE_LP_TIMEOUT"`

	// ParseMode is the default parse mode for outgoing messages.
	// Default: HTML.
	// Environment variable: GATE_PARSE_MODE.
	ParseMode tele.ParseMode `yaml:"parse_mode" env:"GATE_PARSE_MODE"`

	// NoPreview disables link previews in outgoing messages.
	// Environment variable: GATE_NO_PREVIEW.
	NoPreview bool `yaml:"no_preview" env:"GATE_NO_PREVIEW"`

	// MetricsAddress is the listen address for Prometheus exposition.
	// Metrics are disabled when empty.
	// Environment variable: GATE_METRICS_ADDRESS.
	MetricsAddress string `yaml:"metrics_address" env:"GATE_METRICS_ADDRESS"`

	// Journal configures the optional verification journal.
	Journal JournalConfig `yaml:"journal"`

	// Debug enables verbose telebot logging.
	// Environment variable: GATE_DEBUG.
	Debug bool `yaml:"debug" env:"GATE_DEBUG"`

	// TestMode puts telebot in offline mode, no requests to Telegram.
	// Environment variable: GATE_TEST_MODE.
	TestMode bool `yaml:"test_mode" env:"GATE_TEST_MODE"`
}

// Read fills the config from a yaml file if given, from environment otherwise.
func (cfg *Config) Read(fileName ...string) error {
	if len(fileName) > 0 && fileName[0] != "" {
		return cleanenv.ReadConfig(fileName[0], cfg)
	}
	return cleanenv.ReadEnv(cfg)
}

func (cfg *Config) prepareAndValidate() error {
	cfg.CaptchaTimeout = lang.Check(cfg.CaptchaTimeout, 60*time.Second)
	cfg.MinOperand = lang.Check(cfg.MinOperand, 1)
	cfg.MaxOperand = lang.Check(cfg.MaxOperand, 9)
	cfg.LPTimeout = lang.Check(cfg.LPTimeout, 15*time.Second)
	cfg.ParseMode = lang.Check(cfg.ParseMode, tele.ModeHTML)

	err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.Token, validation.Required),
		validation.Field(&cfg.Chats, validation.Required, validation.Length(1, 0)),
		validation.Field(&cfg.CaptchaTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&cfg.MinOperand, validation.Min(1)),
		validation.Field(&cfg.MaxOperand, validation.Min(cfg.MinOperand)),
		validation.Field(&cfg.LPTimeout, validation.Required, validation.Min(time.Second)),
	)
	if err != nil {
		return err
	}

	return cfg.Journal.Validate()
}
