package configs

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

//go:embed config.example.yaml
var exampleYAML string

// embeddedDefaults is config.example.yaml parsed once, both as raw keys and
// decoded into a Config.
var embeddedDefaults = sync.OnceValues(func() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(exampleYAML)); err != nil {
		return nil, fmt.Errorf("failed to read embedded config.example.yaml: %w", err)
	}
	return v, nil
})

// DefaultConfig decodes the embedded config.example.yaml.
func DefaultConfig() (Config, error) {
	v, err := embeddedDefaults()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode embedded config.example.yaml: %w", err)
	}
	return cfg, nil
}

func MustDefaultConfig() Config {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(err)
	}
	return cfg
}

// RegisterDefaults seeds v with every key of the embedded example config,
// so a partial config file only needs to carry what differs.
func RegisterDefaults(v *viper.Viper) error {
	defaults, err := embeddedDefaults()
	if err != nil {
		return err
	}

	for _, key := range defaults.AllKeys() {
		v.SetDefault(key, defaults.Get(key))
	}
	return nil
}
