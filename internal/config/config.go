// Package config loads gitgrade settings from an optional yaml file and the
// environment.
package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gsarma/gitgrade/internal/email"
	"github.com/gsarma/gitgrade/internal/logfile"
)

// Sandbox kinds for runner.sandbox.
const (
	SandboxProcess  = "process"
	SandboxFirejail = "firejail"
	SandboxDocker   = "docker"
)

// Email providers for email.provider.
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderLog      = "log"
)

// Config holds everything the server and client need.
type Config struct {
	Server ServerConfig
	DB     DatabaseConfig
	Runner RunnerConfig
	Email  EmailConfig
	Remote logfile.SFTPConfig
}

type ServerConfig struct {
	// Directory holding one home directory per user.
	// Mandatory.
	UsersDir string

	// Directory holding uploaded assignments and results logs.
	// Mandatory.
	DataDir string

	LogDirName    string
	ClientLogName string
	ReplyLogName  string

	PollInterval    time.Duration
	ReadChunk       int64
	DispatchWorkers int

	// Notify enables filesystem notifications as a hint to poll early.
	Notify bool

	// Address for the status API. Empty disables it.
	HTTPAddr string
	// Bearer token required by the status API. Empty means no auth.
	APIToken string

	// Email addresses made faculty admins at startup.
	Admins []string

	// Shared directories that absolute upload paths in events may name,
	// in addition to the sender's home directory.
	UploadDirs []string

	GitAuthorName  string
	GitAuthorEmail string
	// RepoHost prefixes repository paths in emails, e.g. git@grader.example.edu.
	RepoHost string
}

type DatabaseConfig struct {
	// sqlite or postgres.
	Driver string
	DSN    string
}

type RunnerConfig struct {
	Workers         int
	QueueSize       int
	WorkDir         string
	Timeout         time.Duration
	MemoryMB        int
	Sandbox         string
	DockerImage     string
	CleanupSchedule string
	WorkspaceTTL    time.Duration
}

type EmailConfig struct {
	Provider      string
	From          string
	QueueSize     int
	RatePerSecond float64
	SMTP          email.SMTPConfig
	SendGrid      email.SendGridConfig
}

// NewConfig reads config.yaml from the working directory, configPath or
// configFile, then lets environment variables override any key with dots
// replaced by underscores (SERVER_USERSDIR). app selects the required keys:
// "server" or "client".
func NewConfig(app string) (*Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigType("yaml")
	if viper.IsSet("configPath") {
		configPath := viper.GetString("configPath")
		splitPath := strings.Split(strings.TrimLeft(configPath, "/"), "/")
		viper.AddConfigPath("/" + path.Join(splitPath...))
	}

	if viper.IsSet("configFile") {
		viper.SetConfigFile(viper.GetString("configFile"))
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Infoln("No config file found, using ENVs only")
		} else {
			return nil, errors.Wrap(err, "read config")
		}
	}

	applyDefaults()
	configLog()

	var required []string
	switch app {
	case "server":
		required = []string{"server.usersDir", "server.dataDir"}
	case "client":
	default:
		return nil, errors.Errorf("unknown application %q", app)
	}
	for _, s := range required {
		if !viper.IsSet(s) || viper.GetString(s) == "" {
			return nil, errors.Errorf("%s not set", s)
		}
	}

	c := &Config{}
	c.configServer()
	if err := c.configDatabase(); err != nil {
		return nil, err
	}
	if err := c.configRunner(); err != nil {
		return nil, err
	}
	if err := c.configEmail(); err != nil {
		return nil, err
	}
	c.configRemote()

	return c, nil
}

func applyDefaults() {
	viper.SetDefault("server.logDirName", ".gitgrade")
	viper.SetDefault("server.clientLogName", "client.log")
	viper.SetDefault("server.replyLogName", "server.log")
	viper.SetDefault("server.pollInterval", 500*time.Millisecond)
	viper.SetDefault("server.readChunk", logfile.DefaultReadChunk)
	viper.SetDefault("server.dispatchWorkers", 4)
	viper.SetDefault("server.notify", true)
	viper.SetDefault("server.httpAddr", ":8080")
	viper.SetDefault("server.gitAuthorName", "gitgrade")
	viper.SetDefault("server.gitAuthorEmail", "gitgrade@localhost")
	viper.SetDefault("server.uploadDirs", []string{os.TempDir()})

	viper.SetDefault("db.driver", "sqlite")

	viper.SetDefault("runner.workers", 2)
	viper.SetDefault("runner.queueSize", 256)
	viper.SetDefault("runner.timeout", 60*time.Second)
	viper.SetDefault("runner.memoryMB", 512)
	viper.SetDefault("runner.sandbox", SandboxProcess)
	viper.SetDefault("runner.cleanupSchedule", "@hourly")
	viper.SetDefault("runner.workspaceTTL", 6*time.Hour)

	viper.SetDefault("email.provider", ProviderLog)
	viper.SetDefault("email.from", "gitgrade@localhost")
	viper.SetDefault("email.queueSize", 512)
	viper.SetDefault("email.ratePerSecond", 0)
	viper.SetDefault("email.smtp.port", 587)

	viper.SetDefault("remote.port", "22")
	viper.SetDefault("log.level", "info")
}

func configLog() {
	if viper.GetString("log.format") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		log.Info("The logs format is set to JSON")
	}

	stringLevel := viper.GetString("log.level")
	intLevel, err := log.ParseLevel(stringLevel)
	if err != nil {
		log.Printf("Log level '%s' not supported, setting to 'trace'", stringLevel)
		intLevel = log.TraceLevel
	}
	log.SetLevel(intLevel)
}

func (c *Config) configServer() {
	c.Server.UsersDir = viper.GetString("server.usersDir")
	c.Server.DataDir = viper.GetString("server.dataDir")
	c.Server.LogDirName = viper.GetString("server.logDirName")
	c.Server.ClientLogName = viper.GetString("server.clientLogName")
	c.Server.ReplyLogName = viper.GetString("server.replyLogName")
	c.Server.PollInterval = viper.GetDuration("server.pollInterval")
	c.Server.ReadChunk = viper.GetInt64("server.readChunk")
	c.Server.DispatchWorkers = viper.GetInt("server.dispatchWorkers")
	c.Server.Notify = viper.GetBool("server.notify")
	c.Server.HTTPAddr = viper.GetString("server.httpAddr")
	c.Server.APIToken = viper.GetString("server.apiToken")
	c.Server.GitAuthorName = viper.GetString("server.gitAuthorName")
	c.Server.GitAuthorEmail = viper.GetString("server.gitAuthorEmail")
	c.Server.RepoHost = viper.GetString("server.repoHost")

	c.Server.Admins = stringList("server.admins")
	c.Server.UploadDirs = stringList("server.uploadDirs")
}

// stringList reads a list key. A comma separated env var arrives as a
// single string.
func stringList(key string) []string {
	var out []string
	for _, a := range viper.GetStringSlice(key) {
		for _, s := range strings.Split(a, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) configDatabase() error {
	c.DB.Driver = viper.GetString("db.driver")
	c.DB.DSN = viper.GetString("db.dsn")
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.DSN == "" {
			c.DB.DSN = path.Join(c.Server.DataDir, "gitgrade.db")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required when db.driver is postgres")
		}
	default:
		return errors.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	return nil
}

func (c *Config) configRunner() error {
	c.Runner.Workers = viper.GetInt("runner.workers")
	c.Runner.QueueSize = viper.GetInt("runner.queueSize")
	c.Runner.WorkDir = viper.GetString("runner.workDir")
	c.Runner.Timeout = viper.GetDuration("runner.timeout")
	c.Runner.MemoryMB = viper.GetInt("runner.memoryMB")
	c.Runner.Sandbox = viper.GetString("runner.sandbox")
	c.Runner.DockerImage = viper.GetString("runner.dockerImage")
	c.Runner.CleanupSchedule = viper.GetString("runner.cleanupSchedule")
	c.Runner.WorkspaceTTL = viper.GetDuration("runner.workspaceTTL")

	if c.Runner.Workers < 1 {
		return errors.New("runner.workers must be at least 1")
	}
	if c.Runner.Timeout <= 0 {
		return errors.New("runner.timeout must be positive")
	}
	switch c.Runner.Sandbox {
	case SandboxProcess, SandboxFirejail:
	case SandboxDocker:
		if c.Runner.DockerImage == "" {
			return errors.New("runner.dockerImage is required when runner.sandbox is docker")
		}
	default:
		return errors.Errorf("runner.sandbox %q is not supported", c.Runner.Sandbox)
	}
	return nil
}

func (c *Config) configEmail() error {
	c.Email.Provider = viper.GetString("email.provider")
	c.Email.From = viper.GetString("email.from")
	c.Email.QueueSize = viper.GetInt("email.queueSize")
	c.Email.RatePerSecond = viper.GetFloat64("email.ratePerSecond")
	switch c.Email.Provider {
	case ProviderLog:
	case ProviderSMTP:
		c.Email.SMTP = email.SMTPConfig{
			Host:     viper.GetString("email.smtp.host"),
			Port:     viper.GetInt("email.smtp.port"),
			Username: viper.GetString("email.smtp.username"),
			Password: viper.GetString("email.smtp.password"),
		}
		if c.Email.SMTP.Host == "" {
			return errors.New("email.smtp.host is required when email.provider is smtp")
		}
	case ProviderSendGrid:
		c.Email.SendGrid.APIKey = viper.GetString("email.sendgrid.apiKey")
		if c.Email.SendGrid.APIKey == "" {
			return errors.New("email.sendgrid.apiKey is required when email.provider is sendgrid")
		}
	default:
		return errors.Errorf("email.provider %q is not supported", c.Email.Provider)
	}
	return nil
}

func (c *Config) configRemote() {
	c.Remote = logfile.SFTPConfig{
		Host:       viper.GetString("remote.host"),
		Port:       viper.GetString("remote.port"),
		User:       viper.GetString("remote.user"),
		PemKeyPath: viper.GetString("remote.pemKeyPath"),
		PemKeyPass: viper.GetString("remote.pemKeyPass"),
		HostKey:    viper.GetString("remote.hostKey"),
	}
}
