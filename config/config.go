// Package config loads the tproxyctl configuration from a properties file.
// A missing configuration file is not an error: the tool is installed as a
// dispatcher hook on hosts that may not be configured for proxying at all,
// and such hosts must see a silent no-op.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kardianos/osext"
	"github.com/magiconair/properties"
	"go.uber.org/zap"
)

const (
	// DefaultPath is the system-wide configuration file location.
	DefaultPath = "/etc/tproxyctl/tproxyctl.conf"

	defaultCacheDir      = "/var/cache/tproxyctl"
	defaultFetchTimeout  = 30 * time.Second
	defaultListenAddress = "127.0.0.1"
	defaultListenPort    = 1080
)

// ProxyTarget is the redirect destination for one event handling pass. It is
// re-read from configuration on every invocation and immutable afterwards.
type ProxyTarget struct {
	ListenAddress string
	ListenPort    int
	ProxyAddress  string
	ProxyPort     int
	ProxyType     string
}

// Config is the full tproxyctl configuration.
type Config struct {
	// ListenAddress/ListenPort is the local transparent proxy listener.
	ListenAddress string
	ListenPort    int

	// ProxyAddress/ProxyPort/ProxyType describe the upstream proxy the
	// daemon forwards to.
	ProxyAddress string
	ProxyPort    int
	ProxyType    string

	// TriggerInterfaces are glob patterns of interface names that qualify
	// an event for handling.
	TriggerInterfaces []string

	// ForwardInterfaces are the interfaces whose forwarded traffic is
	// redirected.
	ForwardInterfaces []string

	// BypassNetworks are extra networks excluded from redirection, merged
	// with the static reserved ranges and the remote list.
	BypassNetworks []string

	// AutoproxyURL is the remote bypass list location. Empty disables the
	// remote fetch.
	AutoproxyURL string

	// FetchTimeout bounds a single remote fetch attempt.
	FetchTimeout time.Duration

	// CacheDir holds the dated raw fetch files and the lock file.
	CacheDir string

	// ExceptionFile is the merged, sorted exception list consumed by the
	// chain manager and the proxy daemon.
	ExceptionFile string

	// ProxyCommand is the daemon launch command line.
	ProxyCommand string

	// ProxyConfigPath is the daemon configuration file. Generation is
	// skipped when it already exists.
	ProxyConfigPath string

	// ProxyConfigTemplate is the template rendered into ProxyConfigPath.
	ProxyConfigTemplate string
}

// Load reads the configuration from the given path. A missing file returns
// (nil, nil) so that callers can treat it as an intentional no-op.
func Load(path string) (*Config, error) {

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			zap.L().Debug("No configuration present", zap.String("path", path))
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read configuration %s: %s", path, err)
	}

	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("unable to parse configuration %s: %s", path, err)
	}

	cfg := &Config{
		ListenAddress:       p.GetString("listen.address", defaultListenAddress),
		ListenPort:          p.GetInt("listen.port", defaultListenPort),
		ProxyAddress:        p.GetString("proxy.address", ""),
		ProxyPort:           p.GetInt("proxy.port", 0),
		ProxyType:           p.GetString("proxy.type", "socks5"),
		TriggerInterfaces:   list(p, "interfaces.trigger"),
		ForwardInterfaces:   list(p, "interfaces.forward"),
		BypassNetworks:      list(p, "bypass.networks"),
		AutoproxyURL:        p.GetString("autoproxy.url", ""),
		FetchTimeout:        p.GetParsedDuration("autoproxy.timeout", defaultFetchTimeout),
		CacheDir:            p.GetString("cache.dir", defaultCacheDir),
		ExceptionFile:       p.GetString("exception.file", ""),
		ProxyCommand:        p.GetString("proxyd.command", ""),
		ProxyConfigPath:     p.GetString("proxyd.config", ""),
		ProxyConfigTemplate: p.GetString("proxyd.template", ""),
	}

	if cfg.ExceptionFile == "" {
		cfg.ExceptionFile = filepath.Join(cfg.CacheDir, "exceptions.list")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault searches the standard locations: the system path, then a file
// next to the executable.
func LoadDefault() (*Config, error) {

	cfg, err := Load(DefaultPath)
	if err != nil || cfg != nil {
		return cfg, err
	}

	folder, err := osext.ExecutableFolder()
	if err != nil {
		zap.L().Debug("Unable to resolve executable folder", zap.Error(err))
		return nil, nil
	}

	return Load(filepath.Join(folder, "tproxyctl.conf"))
}

// Validate checks the configuration for values the rest of the system cannot
// work with.
func (c *Config) Validate() error {

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}

	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy port %d", c.ProxyPort)
	}

	if len(c.TriggerInterfaces) == 0 {
		return fmt.Errorf("no trigger interfaces configured")
	}

	for _, pattern := range c.TriggerInterfaces {
		if pattern == "" {
			return fmt.Errorf("empty trigger interface pattern")
		}
	}

	return nil
}

// Target returns the proxy target tuple for this invocation.
func (c *Config) Target() ProxyTarget {
	return ProxyTarget{
		ListenAddress: c.ListenAddress,
		ListenPort:    c.ListenPort,
		ProxyAddress:  c.ProxyAddress,
		ProxyPort:     c.ProxyPort,
		ProxyType:     c.ProxyType,
	}
}

func list(p *properties.Properties, key string) []string {

	value := p.GetString(key, "")
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
