// Package config loads the server configuration from flags, LITERPC_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"lite-rpc/coordinator"
	"lite-rpc/registry"
	"lite-rpc/server"
)

const EnvPrefix = "LITERPC"

const (
	CoordinatorEtcd   = "etcd"
	CoordinatorMemory = "memory"
	CoordinatorNone   = "none"
)

type Config struct {
	ListenAddr    string `mapstructure:"listen" validate:"required,hostname_port"`
	AdvertiseAddr string `mapstructure:"advertise" validate:"omitempty,hostname_port"`

	Coordinator Coordinator `mapstructure:"coordinator"`

	MaxConnections  int           `mapstructure:"max-connections" validate:"min=1"`
	RateLimit       float64       `mapstructure:"rate-limit" validate:"min=0"` // calls per second, 0 disables
	RateBurst       int           `mapstructure:"rate-burst" validate:"min=0"`
	InvokeTimeout   time.Duration `mapstructure:"invoke-timeout" validate:"min=0"` // 0 disables
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" validate:"min=0"`
	MetricsAddr     string        `mapstructure:"metrics" validate:"omitempty,hostname_port"`
	Debug           bool          `mapstructure:"debug"`
}

type Coordinator struct {
	Kind           string        `mapstructure:"kind" validate:"oneof=etcd memory none"`
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	SessionTimeout time.Duration `mapstructure:"session-timeout" validate:"min=1s"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" validate:"min=0"` // 0 waits forever
	ParentPath     string        `mapstructure:"parent-path" validate:"required,startswith=/"`
	NodePrefix     string        `mapstructure:"node-prefix" validate:"required,excludes=/"`
}

func Default() Config {
	return Config{
		ListenAddr: ":9000",
		Coordinator: Coordinator{
			Kind:           CoordinatorNone,
			SessionTimeout: coordinator.DefaultSessionTimeout,
			ParentPath:     registry.DefaultParentPath,
			NodePrefix:     registry.DefaultNodePrefix,
		},
		MaxConnections:  server.DefaultMaxConnections,
		ShutdownTimeout: 10 * time.Second,
	}
}

// BindFlags defines one flag per configuration key, defaulting to Default().
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("listen", d.ListenAddr, "address to listen on")
	fs.String("advertise", d.AdvertiseAddr, "address published to the registry, defaults to the bound address")
	fs.String("coordinator.kind", d.Coordinator.Kind, "coordination store: etcd, memory or none")
	fs.StringSlice("coordinator.endpoints", d.Coordinator.Endpoints, "etcd endpoints")
	fs.String("coordinator.username", d.Coordinator.Username, "etcd username")
	fs.String("coordinator.password", d.Coordinator.Password, "etcd password")
	fs.Duration("coordinator.session-timeout", d.Coordinator.SessionTimeout, "coordination session timeout")
	fs.Duration("coordinator.connect-timeout", d.Coordinator.ConnectTimeout, "give up establishing the session after this long, 0 waits forever")
	fs.String("coordinator.parent-path", d.Coordinator.ParentPath, "parent node of server registrations")
	fs.String("coordinator.node-prefix", d.Coordinator.NodePrefix, "name prefix of server registration nodes")
	fs.Int("max-connections", d.MaxConnections, "maximum number of concurrently served connections")
	fs.Float64("rate-limit", d.RateLimit, "calls per second accepted by this server, 0 disables limiting")
	fs.Int("rate-burst", d.RateBurst, "burst size of the rate limiter")
	fs.Duration("invoke-timeout", d.InvokeTimeout, "answer with a timeout error after this long, 0 disables")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "how long shutdown waits for in-flight calls")
	fs.String("metrics", d.MetricsAddr, "address of the Prometheus metrics endpoint, empty disables it")
	fs.Bool("debug", d.Debug, "debug logging")
}

// Load reads the configuration. Flags set on the command line win over environment
// variables, which win over the config file, which wins over flag defaults.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, errors.Wrap(err, "cannot bind flags")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "cannot read config file %s", configFile)
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid key at once.
func (c Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		// Use config key names in error messages
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})

	var errs error
	if err := validate.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return err
		}
		for _, e := range validationErrs {
			key := strings.TrimPrefix(e.Namespace(), "Config.")
			errs = multierr.Append(errs, fmt.Errorf(`key="%s", value="%v", failed "%s" validation`, key, e.Value(), e.ActualTag()))
		}
	}
	if c.Coordinator.Kind == CoordinatorEtcd && len(c.Coordinator.Endpoints) == 0 {
		errs = multierr.Append(errs, errors.New(`key="coordinator.endpoints" is required for the etcd coordinator`))
	}
	return errs
}
