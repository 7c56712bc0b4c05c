package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine settings loaded from file and environment variables.
// Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Connect  Connect  `mapstructure:"connect"`
	Terminal Terminal `mapstructure:"terminal"`
	Sftp     Sftp     `mapstructure:"sftp"`
	Watch    Watch    `mapstructure:"watch"`
	Keys     Keys     `mapstructure:"keys"`
}

// Connect controls connection establishment and authentication timeouts.
type Connect struct {
	// Timeout bounds the TCP dial plus SSH handshake for one hop.
	Timeout time.Duration `mapstructure:"timeout"`

	// InteractiveTimeout replaces Timeout when keyboard-interactive or
	// multi-factor authentication is permitted, since a human may have to
	// type an OTP before the handshake can finish.
	InteractiveTimeout time.Duration `mapstructure:"interactive_timeout"`

	// PromptTTL is how long a pending keyboard-interactive or passphrase
	// request may wait for a user response before it self-cancels.
	PromptTTL time.Duration `mapstructure:"prompt_ttl"`

	// KnownHostsFile enables host key verification against the given
	// known_hosts file. Empty means the caller owns host key trust and
	// the engine accepts any key.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// Keepalive is the interval between keepalive@openssh.com requests on
	// long-lived clients. 0 disables keepalives.
	Keepalive time.Duration `mapstructure:"keepalive"`
}

// Terminal controls interactive shell output delivery.
type Terminal struct {
	// FlushInterval is how often buffered remote output is flushed to the
	// session's event channel when the threshold has not been reached.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// FlushThreshold flushes the output buffer immediately once it holds
	// at least this many bytes.
	FlushThreshold int `mapstructure:"flush_threshold"`

	// Charset is sent to the remote as the locale (LANG=en_US.<Charset>)
	// when a shell is opened.
	Charset string `mapstructure:"charset"`
}

// Sftp controls SFTP session behaviour, including sudo elevation.
type Sftp struct {
	// SudoTimeout bounds the sudo elevation handshake: password prompt,
	// marker echo and SFTP protocol init.
	SudoTimeout time.Duration `mapstructure:"sudo_timeout"`

	// ServerPaths is the ordered list of remote sftp-server binaries probed
	// in sudo mode. The first path that probes executable wins.
	ServerPaths []string `mapstructure:"server_paths"`

	// FallbackEncoding is the filename encoding assumed for a session whose
	// directory listings contain bytes that are not valid UTF-8.
	FallbackEncoding string `mapstructure:"fallback_encoding"`
}

// Watch controls the polling auto-sync service.
//
// Polling is deliberate: atomic-save editors replace the watched file
// instead of mutating it, which inotify-style watchers miss.
type Watch struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// Keys controls default on-disk private key discovery.
type Keys struct {
	// Dir is the directory scanned for conventional key files.
	// Empty means ~/.ssh.
	Dir string `mapstructure:"dir"`

	// Names are the conventional key file names tried, in order.
	Names []string `mapstructure:"names"`
}

// Load reads configuration from a file and allows environment variables to
// override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("connect.timeout", "NETCATTY_CONNECT_TIMEOUT")
	v.BindEnv("connect.interactive_timeout", "NETCATTY_INTERACTIVE_TIMEOUT")
	v.BindEnv("connect.known_hosts_file", "NETCATTY_KNOWN_HOSTS")
	v.BindEnv("terminal.charset", "NETCATTY_CHARSET")
	v.BindEnv("sftp.fallback_encoding", "NETCATTY_FALLBACK_ENCODING")
	v.BindEnv("keys.dir", "NETCATTY_KEY_DIR")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration, the same one Load yields when
// the config file does not exist and no environment overrides are set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("connect.timeout", 20*time.Second)
	v.SetDefault("connect.interactive_timeout", 120*time.Second)
	v.SetDefault("connect.prompt_ttl", 5*time.Minute)
	v.SetDefault("connect.known_hosts_file", "")
	v.SetDefault("connect.keepalive", time.Minute)
	v.SetDefault("terminal.flush_interval", 50*time.Millisecond)
	v.SetDefault("terminal.flush_threshold", 16*1024)
	v.SetDefault("terminal.charset", "UTF-8")
	v.SetDefault("sftp.sudo_timeout", 20*time.Second)
	v.SetDefault("sftp.server_paths", []string{
		"/usr/lib/openssh/sftp-server",
		"/usr/libexec/openssh/sftp-server",
		"/usr/lib/ssh/sftp-server",
		"/usr/libexec/sftp-server",
	})
	v.SetDefault("sftp.fallback_encoding", "gbk")
	v.SetDefault("watch.poll_interval", time.Second)
	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("keys.dir", "")
	v.SetDefault("keys.names", []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"})
}
