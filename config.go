package main

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

const (
	envPrefix = "MAILMERGE"
	envFile   = ".env"

	defaultSubject = "Imaginez votre entreprise au cœur d'un quartier dynamique et écologique à Saint-Brieuc !"
)

// Config holds the configuration from the environment and the commandline
type Config struct {
	CSV       string
	Template  string
	From      string
	Password  string `json:"-"`
	Server    string
	Port      int
	Test      bool
	TestEmail string

	Subject         string
	Preview         string
	ListUnsubscribe string
	Images          map[string]string

	Delimiter       string
	EmailColumn     string
	NameColumn      string
	CompanyColumn   string
	NameFallback    string
	CompanyFallback string

	UseStartTLS bool
	Insecure    bool
	Timeout     time.Duration
	Helo        string

	VerifyMX  bool
	DNSServer string

	LogDir     string
	LogLevel   string
	LogFormat  string
	LogConsole bool

	Verbose bool
	Colors  map[Hint]Style `json:"-"`

	// Values we scan into, then process into what we want
	dump       bool
	dumpMail   bool
	noStartTLS bool
	delimiter  rune
}

// envDefaults are read from MAILMERGE_* variables, optionally loaded from
// a .env file, and become the flag defaults.
type envDefaults struct {
	Server   string `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	Port     int    `envconfig:"SMTP_PORT" default:"587"`
	From     string `envconfig:"EMAIL"`
	Password string `envconfig:"PASSWORD"`
	LogDir   string `envconfig:"LOG_DIR" default:"."`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

var defaultImages = map[string]string{
	"logo":          "logo.png",
	"project_image": "project_image.jpg",
}

var theme = []struct {
	hint  Hint
	tag   string
	color color.Attribute
}{
	{HintInfo, "===", color.FgWhite},
	{HintWarn, "+++", color.FgHiYellow},
	{HintError, "***", color.FgHiRed},
	{HintSend, " ->", color.FgCyan},
	{HintSendTls, " ~>", color.FgCyan},
	{HintRecv, "<- ", color.FgBlue},
	{HintRecvTls, "<~ ", color.FgBlue},
	{HintAccept, "<- ", color.FgGreen},
	{HintReject, "<- ", color.FgRed},
	{HintDefer, "<- ", color.FgYellow},
}

func loadEnv() (envDefaults, error) {
	// .env is optional
	_ = godotenv.Load(envFile)

	var env envDefaults
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return env, errors.Wrap(err, "failed to read environment")
	}
	return env, nil
}

func (config *Config) flagSet(env envDefaults) *flag.FlagSet {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)
	fs.StringVar(&config.CSV, "csv", "", "Path to the CSV file listing recipients (required)")
	fs.StringVar(&config.Template, "template", "", "Path to the HTML template (required)")
	fs.StringVar(&config.From, "email", env.From, "Sender email address, also used as the SMTP login (required)")
	fs.StringVar(&config.Password, "password", env.Password, "Sender SMTP password (required, or set "+envPrefix+"_PASSWORD)")
	fs.StringVar(&config.Server, "smtp", env.Server, "SMTP server to submit to")
	fs.IntVar(&config.Port, "port", env.Port, "SMTP submission port")
	fs.BoolVar(&config.Test, "test", false, "Test mode: send a single message to --test-email")
	fs.StringVar(&config.TestEmail, "test-email", "", "Recipient address for test mode")

	fs.StringVar(&config.Subject, "subject", defaultSubject, "Subject of the email")
	fs.StringVar(&config.Preview, "preview", "", "Hidden preview text shown by mail clients in the inbox")
	fs.StringVar(&config.ListUnsubscribe, "list-unsubscribe", "", "Value for the List-Unsubscribe header, e.g. <mailto:unsubscribe@example.com>")
	fs.StringToStringVar(&config.Images, "image", defaultImages, "Inline image as content-id=path, may be repeated")

	fs.StringVar(&config.Delimiter, "delimiter", ";", "CSV field delimiter")
	fs.StringVar(&config.EmailColumn, "email-column", "Email", "CSV column holding the recipient address")
	fs.StringVar(&config.NameColumn, "name-column", "Nom", "CSV column substituted for {{NOM_CLIENT}}")
	fs.StringVar(&config.CompanyColumn, "company-column", "Entreprise", "CSV column substituted for {{ENTREPRISE}}")
	fs.StringVar(&config.NameFallback, "name-fallback", "Cher client", "Text used for {{NOM_CLIENT}} when the name is empty")
	fs.StringVar(&config.CompanyFallback, "company-fallback", "", "Text used for {{ENTREPRISE}} when the company is empty")

	fs.BoolVar(&config.noStartTLS, "no-starttls", false, "Don't require STARTTLS")
	fs.BoolVar(&config.Insecure, "insecure", false, "Don't verify the server certificate")
	fs.DurationVar(&config.Timeout, "timeout", 0, "Timeout for each SMTP operation, 0 for none")
	fs.StringVar(&config.Helo, "helo", "", "Value to use for EHLO")
	fs.StringVar(&config.Helo, "ehlo", "", "Value to use for EHLO")

	fs.BoolVar(&config.VerifyMX, "verify-mx", false, "Skip recipients whose domain has no mail exchanger")
	fs.StringVar(&config.DNSServer, "dns-server", "", "DNS server[:port] for --verify-mx, defaults to the system resolver")

	fs.StringVar(&config.LogDir, "log-dir", env.LogDir, "Directory for the daily log file")
	fs.StringVar(&config.LogLevel, "log-level", env.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&config.LogFormat, "log-format", "text", "Log file format: text or json")
	fs.BoolVar(&config.LogConsole, "log-console", false, "Also write log records to the terminal")

	fs.BoolVarP(&config.Verbose, "verbose", "v", false, "Show the SMTP conversation")
	fs.BoolVar(&config.dump, "dump", false, "Dump configuration to stdout and exit")
	fs.BoolVar(&config.dumpMail, "dump-mail", false, "Dump the first generated message to stdout and exit")
	return fs
}

// ParseFlags parses commandline flags from args (e.g. os.Args()[1:])
func (config *Config) ParseFlags(args []string) error {
	env, err := loadEnv()
	if err != nil {
		return ExitError{
			err:  err,
			exit: ExitFlags,
		}
	}
	fs := config.flagSet(env)
	err = fs.Parse(args)
	if err != nil {
		return ExitError{
			err:  err,
			exit: ExitFlags,
		}
	}

	err = config.Normalize()
	if err != nil {
		return err
	}
	return config.Validate()
}

// Normalize fixes up a configuration by setting defaults etc.
func (config *Config) Normalize() error {
	config.UseStartTLS = !config.noStartTLS

	if config.Helo == "" {
		host, err := os.Hostname()
		if err != nil {
			return Fatalf(ExitFlags, "failed to retrieve hostname for --helo: %v", err)
		}
		config.Helo = host
	}

	// Accept --smtp host:port
	if host, port, err := net.SplitHostPort(config.Server); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Fatalf(ExitFlags, "invalid port in --smtp: '%s'", config.Server)
		}
		config.Server = host
		config.Port = p
	}

	delim := strings.ReplaceAll(config.Delimiter, `\t`, "\t")
	if utf8.RuneCountInString(delim) != 1 {
		return Fatalf(ExitFlags, "invalid value for --delimiter: '%s'", config.Delimiter)
	}
	config.delimiter, _ = utf8.DecodeRuneInString(delim)

	config.LogLevel = strings.ToLower(config.LogLevel)
	config.LogFormat = strings.ToLower(config.LogFormat)

	if config.Images == nil {
		config.Images = map[string]string{}
	}

	config.Colors = make(map[Hint]Style, len(theme))
	for _, t := range theme {
		config.Colors[t.hint] = Style{
			Tag:   t.tag,
			Color: color.New(t.color),
		}
	}
	return nil
}

func (config *Config) Validate() error {
	if config.dump {
		return nil
	}
	required := []struct {
		flag  string
		value string
	}{
		{"--csv", config.CSV},
		{"--template", config.Template},
		{"--email", config.From},
	}
	for _, r := range required {
		if r.value == "" {
			return Fatalf(ExitFlags, "%s is required", r.flag)
		}
	}
	if config.Password == "" && !config.dumpMail {
		return Fatalf(ExitFlags, "--password is required (or set %s_PASSWORD)", envPrefix)
	}
	if config.Server == "" {
		return Fatalf(ExitFlags, "--smtp must not be empty")
	}
	if config.Port < 1 || config.Port > 65535 {
		return Fatalf(ExitFlags, "invalid value for --port: %d", config.Port)
	}
	if config.Timeout < 0 {
		return Fatalf(ExitFlags, "invalid value for --timeout: %s", config.Timeout)
	}
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Fatalf(ExitFlags, "invalid value for --log-level: '%s'", config.LogLevel)
	}
	switch config.LogFormat {
	case "text", "json":
	default:
		return Fatalf(ExitFlags, "invalid value for --log-format: '%s'", config.LogFormat)
	}
	for cid, path := range config.Images {
		if cid == "" || path == "" {
			return Fatalf(ExitFlags, "invalid value for --image: '%s=%s'", cid, path)
		}
	}
	return nil
}

// Dump writes the effective configuration, without the password, as JSON.
func (config *Config) Dump(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(config)
}

// Addr is the host:port of the SMTP server.
func (config *Config) Addr() string {
	return net.JoinHostPort(config.Server, strconv.Itoa(config.Port))
}

// Tokens is the placeholder table used by the Personalizer.
func (config *Config) Tokens() []Token {
	return []Token{
		{Placeholder: "{{NOM_CLIENT}}", Column: config.NameColumn, Fallback: config.NameFallback},
		{Placeholder: "{{ENTREPRISE}}", Column: config.CompanyColumn, Fallback: config.CompanyFallback},
	}
}
