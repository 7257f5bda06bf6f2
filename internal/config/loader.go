package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix is prepended to every environment override, e.g. BORGMON_BORG_REPO.
const EnvPrefix = "BORGMON"

// ArchiveTimestampFormat names archives when none is given (YYYYMMDDTHHMMSS).
const ArchiveTimestampFormat = "20060102T150405"

// Operation selects the borg subcommand a run performs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationPrune  Operation = "prune"
)

// Config represents one invocation: what to run against which repository
// and where to report the results.
type Config struct {
	Include []string `mapstructure:"include" yaml:"include,omitempty"`

	// Operation is set by the subcommand, never read from a file.
	Operation Operation `mapstructure:"-" yaml:"-"`

	Borg       BorgConfig       `mapstructure:"borg"       yaml:"borg"`
	Create     CreateConfig     `mapstructure:"create"     yaml:"create"`
	Prune      PruneConfig      `mapstructure:"prune"      yaml:"prune"`
	Passphrase PassphraseConfig `mapstructure:"passphrase" yaml:"passphrase"`
	Vault      VaultConfig      `mapstructure:"vault"      yaml:"vault"`
	Zabbix     ZabbixConfig     `mapstructure:"zabbix"     yaml:"zabbix"`
	Transcript TranscriptConfig `mapstructure:"transcript" yaml:"transcript"`
	Log        LogConfig        `mapstructure:"log"        yaml:"log"`
}

// BorgConfig holds the settings shared by every borg invocation.
type BorgConfig struct {
	Binary     string `mapstructure:"binary"      yaml:"binary"`
	Repo       string `mapstructure:"repo"        yaml:"repo"`
	Params     string `mapstructure:"params"      yaml:"params,omitempty"`
	CommonOpts string `mapstructure:"common_opts" yaml:"common_opts,omitempty"`
	Sudo       bool   `mapstructure:"sudo"        yaml:"sudo"`
}

// CreateConfig is only used by the create operation.
type CreateConfig struct {
	Archive string `mapstructure:"archive" yaml:"archive,omitempty"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// PruneConfig is only used by the prune operation.
type PruneConfig struct {
	DryRun bool            `mapstructure:"dry_run" yaml:"dry_run"`
	Strict bool            `mapstructure:"strict"  yaml:"strict"`
	Keep   RetentionConfig `mapstructure:"keep"    yaml:"keep"`
}

// RetentionConfig mirrors borg's --keep-* flags. Empty means "not set".
type RetentionConfig struct {
	Within   string `mapstructure:"within"   yaml:"within,omitempty"`
	Secondly string `mapstructure:"secondly" yaml:"secondly,omitempty"`
	Minutely string `mapstructure:"minutely" yaml:"minutely,omitempty"`
	Hourly   string `mapstructure:"hourly"   yaml:"hourly,omitempty"`
	Daily    string `mapstructure:"daily"    yaml:"daily,omitempty"`
	Weekly   string `mapstructure:"weekly"   yaml:"weekly,omitempty"`
	Monthly  string `mapstructure:"monthly"  yaml:"monthly,omitempty"`
	Yearly   string `mapstructure:"yearly"   yaml:"yearly,omitempty"`
}

// PassphraseConfig points at the repository passphrase. The file wins over Vault.
type PassphraseConfig struct {
	File       string `mapstructure:"file"        yaml:"file,omitempty"`
	VaultPath  string `mapstructure:"vault_path"  yaml:"vault_path,omitempty"`
	VaultField string `mapstructure:"vault_field" yaml:"vault_field,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address  string `mapstructure:"address"   yaml:"address"`
	Token    string `mapstructure:"token"     yaml:"token,omitempty"`
	RoleID   string `mapstructure:"role_id"   yaml:"role_id,omitempty"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
}

// ZabbixConfig is the monitoring target.
type ZabbixConfig struct {
	Host   string `mapstructure:"host"   yaml:"host"`
	Proxy  string `mapstructure:"proxy"  yaml:"proxy"`
	Sender string `mapstructure:"sender" yaml:"sender"`
}

// TranscriptConfig controls the on-disk record of each run.
type TranscriptConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory,omitempty"`
	Compress  bool   `mapstructure:"compress"  yaml:"compress"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("borg.binary", "borg")
	v.SetDefault("zabbix.sender", "/usr/bin/zabbix_sender")
	v.SetDefault("passphrase.vault_field", "passphrase")
	// Known key so BORGMON_VAULT_TOKEN is picked up; VAULT_TOKEN still applies.
	v.SetDefault("vault.token", "")
	v.SetDefault("transcript.compress", true)
	v.SetDefault("log.level", "info")
}

// Load reads the configuration using Viper. path may be empty, in which case
// only defaults, environment and flags are used. Included files are merged
// in order. bindings maps config keys ("borg.repo") to flag names
// ("borg-repo"); flags missing from fs are skipped.
func (c *Config) Load(path string, fs *pflag.FlagSet, bindings map[string]string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read base configuration
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if fs != nil {
		for key, name := range bindings {
			flag := fs.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("%w: bind flag %s: %v", ErrLoadConfig, name, err)
			}
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return nil
}

// Validate checks the fields the selected operation needs and fills the
// archive name from now when it is empty.
func (c *Config) Validate(now time.Time) error {
	var missing []string
	if c.Borg.Repo == "" {
		missing = append(missing, "borg.repo")
	}
	if c.Zabbix.Proxy == "" {
		missing = append(missing, "zabbix.proxy")
	}

	switch c.Operation {
	case OperationCreate:
		if c.Create.Path == "" {
			missing = append(missing, "create.path")
		}
		if c.Create.Archive == "" {
			c.Create.Archive = now.UTC().Format(ArchiveTimestampFormat)
		}
	case OperationPrune:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrValidateConfig, c.Operation)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required %s", ErrValidateConfig, strings.Join(missing, ", "))
	}
	return nil
}
