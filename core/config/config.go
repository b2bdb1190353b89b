// Package config loads the node's YAML configuration and resolves it into
// ready-to-use collaborators: the chain client, the signing wallet registry,
// and the endpoint trigger table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/api3dao/airnode-go/core/wallet"
	"github.com/api3dao/airnode-go/pkg/adapter"
	"github.com/api3dao/airnode-go/pkg/logger"
	"github.com/api3dao/airnode-go/pkg/retry"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Logger    logger.Logger
	EthClient *ethclient.Client
	Registry  wallet.Registry
	Endpoints []adapter.Endpoint

	AirnodeAddress      common.Address
	AirnodeRrpAddress   common.Address
	GasPriceFeedAddress common.Address // zero means "feed disabled"

	BlockHistoryLimit         uint64
	MinConfirmations          uint64
	AllowConfirmationOverride bool

	RequestBatchSize            int
	MaxRequestsPerSponsorWallet int

	BlockedRequestSkipAfterBlocks uint64

	FulfillmentGasLimit  uint64
	WithdrawalGasLimit   uint64
	FallbackGasPriceGwei uint64
	MaxGasPriceGwei      uint64

	RoundInterval time.Duration
	RetryPolicy   retry.Policy

	DbPath string

	MetricsIpPortAddress string
	EnableMetrics        bool
}

// ConfigRaw is the YAML shape read from the config file.
type ConfigRaw struct {
	Environment string `yaml:"environment"`

	EthRpcUrl string `yaml:"eth_rpc_url" validate:"required,url"`

	AirnodeAddress      string `yaml:"airnode_address" validate:"required"`
	AirnodeRrpAddress   string `yaml:"airnode_rrp_address" validate:"required"`
	GasPriceFeedAddress string `yaml:"gas_price_feed_address"`

	SponsorWalletKeys []string `yaml:"sponsor_wallet_keys" validate:"required,min=1"`

	Endpoints []EndpointRaw `yaml:"endpoints" validate:"required,min=1,dive"`

	BlockHistoryLimit         uint64 `yaml:"block_history_limit"`
	MinConfirmations          uint64 `yaml:"min_confirmations"`
	AllowConfirmationOverride bool   `yaml:"allow_confirmation_override"`

	RequestBatchSize            int `yaml:"request_batch_size"`
	MaxRequestsPerSponsorWallet int `yaml:"max_requests_per_sponsor_wallet"`

	BlockedRequestSkipAfterBlocks uint64 `yaml:"blocked_request_skip_after_blocks"`

	FulfillmentGasLimit  uint64 `yaml:"fulfillment_gas_limit"`
	WithdrawalGasLimit   uint64 `yaml:"withdrawal_gas_limit"`
	FallbackGasPriceGwei uint64 `yaml:"fallback_gas_price_gwei"`
	MaxGasPriceGwei      uint64 `yaml:"max_gas_price_gwei"`

	RoundIntervalSeconds int `yaml:"round_interval_seconds"`
	RetryAttempts        int `yaml:"retry_attempts"`
	RetryTimeoutSeconds  int `yaml:"retry_timeout_seconds"`

	DbPath string `yaml:"db_path" validate:"required"`

	MetricsIpPortAddress string `yaml:"metrics_ip_port_address"`
	EnableMetrics        bool   `yaml:"enable_metrics"`
}

// EndpointRaw maps an endpoint id to its upstream HTTP operation.
type EndpointRaw struct {
	EndpointID   string `yaml:"endpoint_id" validate:"required"`
	URL          string `yaml:"url" validate:"required,url"`
	Method       string `yaml:"method" validate:"required,oneof=GET POST get post"`
	ResponsePath string `yaml:"response_path"`
	ResponseType string `yaml:"response_type"`
}

const (
	defaultBlockHistoryLimit             = 300
	defaultRequestBatchSize              = 10
	defaultMaxRequestsPerSponsorWallet   = 10
	defaultBlockedRequestSkipAfterBlocks = 20
	defaultRoundIntervalSeconds          = 30
)

// NewConfig reads, validates, and resolves the YAML file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := ReadRaw(configFilePath)
	if err != nil {
		return nil, err
	}
	return Resolve(raw)
}

// ReadRaw reads and validates the raw YAML without resolving collaborators.
func ReadRaw(configFilePath string) (*ConfigRaw, error) {
	content, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFilePath, err)
	}

	var raw ConfigRaw
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFilePath, err)
	}

	if err := validator.New().Struct(&raw); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", configFilePath, err)
	}
	for _, field := range []struct{ name, value string }{
		{"airnode_address", raw.AirnodeAddress},
		{"airnode_rrp_address", raw.AirnodeRrpAddress},
	} {
		if !common.IsHexAddress(field.value) {
			return nil, fmt.Errorf("config: %s %q is not a valid address", field.name, field.value)
		}
	}
	if raw.GasPriceFeedAddress != "" && !common.IsHexAddress(raw.GasPriceFeedAddress) {
		return nil, fmt.Errorf("config: gas_price_feed_address %q is not a valid address", raw.GasPriceFeedAddress)
	}
	return &raw, nil
}

// Resolve turns validated raw configuration into live collaborators.
func Resolve(raw *ConfigRaw) (*Config, error) {
	environment := logger.Environment(raw.Environment)
	if environment == "" {
		environment = logger.Development
	}
	l, err := logger.NewZapLogger(environment)
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}

	ethClient, err := ethclient.Dial(raw.EthRpcUrl)
	if err != nil {
		l.Errorf("cannot create ethclient for %s: %v", raw.EthRpcUrl, err)
		return nil, err
	}

	registry, err := wallet.NewRegistry(raw.SponsorWalletKeys)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	endpoints := make([]adapter.Endpoint, len(raw.Endpoints))
	for i, e := range raw.Endpoints {
		endpoints[i] = adapter.Endpoint{
			EndpointID:   common.HexToHash(e.EndpointID),
			URL:          e.URL,
			Method:       e.Method,
			ResponsePath: e.ResponsePath,
			ResponseType: e.ResponseType,
		}
	}

	cfg := &Config{
		Logger:    l,
		EthClient: ethClient,
		Registry:  registry,
		Endpoints: endpoints,

		AirnodeAddress:    common.HexToAddress(raw.AirnodeAddress),
		AirnodeRrpAddress: common.HexToAddress(raw.AirnodeRrpAddress),

		BlockHistoryLimit:         raw.BlockHistoryLimit,
		MinConfirmations:          raw.MinConfirmations,
		AllowConfirmationOverride: raw.AllowConfirmationOverride,

		RequestBatchSize:            raw.RequestBatchSize,
		MaxRequestsPerSponsorWallet: raw.MaxRequestsPerSponsorWallet,

		BlockedRequestSkipAfterBlocks: raw.BlockedRequestSkipAfterBlocks,

		FulfillmentGasLimit:  raw.FulfillmentGasLimit,
		WithdrawalGasLimit:   raw.WithdrawalGasLimit,
		FallbackGasPriceGwei: raw.FallbackGasPriceGwei,
		MaxGasPriceGwei:      raw.MaxGasPriceGwei,

		RoundInterval: time.Duration(raw.RoundIntervalSeconds) * time.Second,
		RetryPolicy:   retry.DefaultPolicy,

		DbPath: raw.DbPath,

		MetricsIpPortAddress: raw.MetricsIpPortAddress,
		EnableMetrics:        raw.EnableMetrics,
	}
	if raw.GasPriceFeedAddress != "" {
		cfg.GasPriceFeedAddress = common.HexToAddress(raw.GasPriceFeedAddress)
	}

	if cfg.BlockHistoryLimit == 0 {
		cfg.BlockHistoryLimit = defaultBlockHistoryLimit
	}
	if cfg.RequestBatchSize == 0 {
		cfg.RequestBatchSize = defaultRequestBatchSize
	}
	if cfg.MaxRequestsPerSponsorWallet == 0 {
		cfg.MaxRequestsPerSponsorWallet = defaultMaxRequestsPerSponsorWallet
	}
	if cfg.BlockedRequestSkipAfterBlocks == 0 {
		cfg.BlockedRequestSkipAfterBlocks = defaultBlockedRequestSkipAfterBlocks
	}
	if cfg.RoundInterval == 0 {
		cfg.RoundInterval = defaultRoundIntervalSeconds * time.Second
	}
	if raw.RetryAttempts > 0 {
		cfg.RetryPolicy.Attempts = raw.RetryAttempts
	}
	if raw.RetryTimeoutSeconds > 0 {
		cfg.RetryPolicy.Timeout = time.Duration(raw.RetryTimeoutSeconds) * time.Second
	}

	return cfg, nil
}
