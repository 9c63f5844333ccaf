package configs

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var Values Config

type (
	Config struct {
		Log       Log       `mapstructure:"log"`
		Chain     Chain     `mapstructure:"chain"`
		Console   Console   `mapstructure:"console"`
		Conductor Conductor `mapstructure:"conductor"`
		Kernel    Kernel    `mapstructure:"kernel"`
		Bridge    Bridge    `mapstructure:"bridge"`
		Signature Signature `mapstructure:"signature"`
		Forkd     Forkd     `mapstructure:"forkd"`
		Dapp      Dapp      `mapstructure:"dapp"`
	}

	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max-size-mb"`
		MaxBackups int    `mapstructure:"max-backups"`
	}

	Chain struct {
		ID             uint64 `mapstructure:"id"`
		UpstreamRPCURL string `mapstructure:"upstream-rpc-url"`
	}

	Console struct {
		Address      string `mapstructure:"address"`
		OwnerAddress string `mapstructure:"owner-address"`
	}

	Conductor struct {
		BaseURL        string        `mapstructure:"base-url"`
		CreateForkPath string        `mapstructure:"create-fork-path"`
		RPCPath        string        `mapstructure:"rpc-path"`
		Timeout        time.Duration `mapstructure:"timeout"`
		JWTToken       string        `mapstructure:"jwt-token"`
	}

	Kernel struct {
		ListenAddr     string   `mapstructure:"listen-addr"`
		ProxyAddr      string   `mapstructure:"proxy-addr"`
		KernelURL      string   `mapstructure:"kernel-url"`
		DevtoolsURL    string   `mapstructure:"devtools-url"`
		DevtoolsTarget string   `mapstructure:"devtools-target"`
		JournalPath    string   `mapstructure:"journal-path"`
		AllowedOrigins []string `mapstructure:"allowed-origins"`
	}

	Bridge struct {
		InitRetryDelay time.Duration `mapstructure:"init-retry-delay"`
		InitRetries    int           `mapstructure:"init-retries"`
	}

	Signature struct {
		PollInterval time.Duration `mapstructure:"poll-interval"`
		MaxAttempts  int           `mapstructure:"max-attempts"`
	}

	Forkd struct {
		ListenAddr          string `mapstructure:"listen-addr"`
		Image               string `mapstructure:"image"`
		UpstreamRPCURL      string `mapstructure:"upstream-rpc-url"`
		ChainID             uint64 `mapstructure:"chain-id"`
		StateFile           string `mapstructure:"state-file"`
		Host                string `mapstructure:"host"`
		PortRangeStart      int    `mapstructure:"port-range-start"`
		ProvisionsPerMinute int    `mapstructure:"provisions-per-minute"`
	}

	Dapp struct {
		KernelWSURL string `mapstructure:"kernel-ws-url"`
		Origin      string `mapstructure:"origin"`
		ContextID   int    `mapstructure:"context-id"`
	}
)

const (
	DefaultConductorBaseURL    = "https://gtw.brahma.fi/v1/conductor/forks"
	DevConductorBaseURL        = "https://gtw.dev.brahma.fi/v1/conductor/forks"
	DefaultCreateForkPath      = "assign/connect"
	DefaultRPCPath             = "sandbox/connect"
	DefaultSignaturePoll       = time.Second
	DefaultSignatureMaxAttempt = 120
)

func (c *Config) ValidateKernel() error {
	var errs []error

	if c.Chain.ID == 0 {
		errs = append(errs, errors.New("chain.id is required"))
	}
	if c.Chain.UpstreamRPCURL == "" {
		errs = append(errs, errors.New("chain.upstream-rpc-url is required"))
	}
	if !common.IsHexAddress(c.Console.Address) {
		errs = append(errs, errors.New("console.address must be a hex address"))
	}
	if !common.IsHexAddress(c.Console.OwnerAddress) {
		errs = append(errs, errors.New("console.owner-address must be a hex address"))
	}
	if _, err := url.ParseRequestURI(c.Conductor.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("conductor.base-url is invalid: %w", err))
	}
	if c.Kernel.ListenAddr == "" {
		errs = append(errs, errors.New("kernel.listen-addr is required"))
	}
	if c.Kernel.KernelURL == "" {
		errs = append(errs, errors.New("kernel.kernel-url is required"))
	}
	if c.Signature.PollInterval <= 0 {
		errs = append(errs, errors.New("signature.poll-interval must be positive"))
	}
	if c.Signature.MaxAttempts <= 0 {
		errs = append(errs, errors.New("signature.max-attempts must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("kernel configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func (c *Forkd) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("forkd.listen-addr is required"))
	}
	if c.Image == "" {
		errs = append(errs, errors.New("forkd.image is required"))
	}
	if c.UpstreamRPCURL == "" {
		errs = append(errs, errors.New("forkd.upstream-rpc-url is required"))
	}
	if c.ChainID == 0 {
		errs = append(errs, errors.New("forkd.chain-id is required"))
	}
	if c.PortRangeStart <= 0 || c.PortRangeStart > 65535 {
		errs = append(errs, errors.New("forkd.port-range-start must be a valid port"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("forkd configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

func (c *Dapp) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.KernelWSURL); err != nil {
		errs = append(errs, fmt.Errorf("dapp.kernel-ws-url is invalid: %w", err))
	}
	if c.Origin == "" {
		errs = append(errs, errors.New("dapp.origin is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("dapp configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}
