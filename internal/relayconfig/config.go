// Package relayconfig loads and persists the settlement relayer's
// configuration: the closed enumeration of knobs that govern CSO, TPV, RS,
// SG, BQ and WPS behavior.
package relayconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// FeaturePolicyConfig is one row of the FeaturePolicy table (spec §3),
// loaded from configuration and immutable for the life of the process.
type FeaturePolicyConfig struct {
	AllowedProgramID     string   `yaml:"allowed_program_id"`
	AllowedFunctionNames []string `yaml:"allowed_functions"`
}

// EVMChainConfig holds the per-chain WPS/BQ/gas knobs for one EVM chain_id.
type EVMChainConfig struct {
	RPCURL            string   `yaml:"rpc_url"`
	PrivateKeys       []string `yaml:"private_keys"`
	TipMultiplier     float64  `yaml:"tip_multiplier"`
	FeeCapMultiplier  float64  `yaml:"fee_cap_multiplier"`
}

// Config is the full, closed set of relayer configuration keys from spec §6.3.
type Config struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	HTTPAddr string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	AuthTokens []string `yaml:"auth_tokens" envconfig:"AUTH_TOKENS"`

	// Balance ledger mode (spec §4.4, §9 open question).
	OnchainLedger bool `yaml:"onchain_ledger" envconfig:"ONCHAIN_LEDGER"`

	// Recipient resolution policy (spec §4.4).
	IdentityRequireOnchainRecipient bool `yaml:"identity_require_onchain_recipient" envconfig:"IDENTITY_REQUIRE_ONCHAIN_RECIPIENT"`

	// Flips require_fee_payer_match on every FeaturePolicy.
	TxEnforceFeePayerMatch bool `yaml:"tx_enforce_fee_payer_match" envconfig:"TX_ENFORCE_FEE_PAYER_MATCH"`

	// RS behavior.
	RelaySubmitURL         string `yaml:"relay_submit_url" envconfig:"RELAY_SUBMIT_URL"`
	RelaySubmitPayloadMode string `yaml:"relay_submit_payload_mode" envconfig:"RELAY_SUBMIT_PAYLOAD_MODE"`
	// RelaySubmitRetry resolves the spec §9 open question: broadcast is
	// single-shot unless explicitly enabled.
	RelaySubmitRetry bool `yaml:"relay_submit_retry" envconfig:"RELAY_SUBMIT_RETRY"`

	// CSO endpoints.
	RelayStatusURL      string   `yaml:"relay_status_url" envconfig:"RELAY_STATUS_URL"`
	RelayStatusFallback []string `yaml:"relay_status_fallback" envconfig:"RELAY_STATUS_FALLBACK"`

	// SG/CSO timings, all in milliseconds.
	PollMS    int64 `yaml:"poll_ms" envconfig:"POLL_MS"`
	TimeoutMS int64 `yaml:"timeout_ms" envconfig:"TIMEOUT_MS"`
	CacheMS   int64 `yaml:"cache_ms" envconfig:"CACHE_MS"`

	// FeaturePolicy table, keyed by feature_kind.
	Policies map[string]FeaturePolicyConfig `yaml:"policies"`

	// BQ knobs.
	BatchMaxSize    int   `yaml:"batch_max_size" envconfig:"BATCH_MAX_SIZE"`
	BatchMaxWaitMS  int64 `yaml:"batch_max_wait_ms" envconfig:"BATCH_MAX_WAIT_MS"`

	// WPS knobs.
	WalletsPerChainMax int   `yaml:"wallets_per_chain_max" envconfig:"WALLETS_PER_CHAIN_MAX"`
	RetryMax           int   `yaml:"retry_max" envconfig:"RETRY_MAX"`
	RetryBaseMS        int64 `yaml:"retry_base_ms" envconfig:"RETRY_BASE_MS"`

	// EVM chains, keyed by chain_id string (e.g. "11155111").
	EVMChains map[string]EVMChainConfig `yaml:"evm_chains"`
}

// featureKinds is the closed set from spec §3.
var featureKinds = []string{
	"swap", "payment_create", "payment_settle",
	"invoice_create", "invoice_pay", "yield_step", "identity_claim",
}

// DefaultConfig returns the baked-in defaults named throughout spec §4.
func DefaultConfig() *Config {
	policies := make(map[string]FeaturePolicyConfig, len(featureKinds))
	for _, k := range featureKinds {
		policies[k] = FeaturePolicyConfig{}
	}

	return &Config{
		DataDir:  "~/.envelop-relayer",
		LogLevel: "info",
		HTTPAddr: ":8080",

		OnchainLedger:                   false,
		IdentityRequireOnchainRecipient: false,
		TxEnforceFeePayerMatch:          true,

		RelaySubmitPayloadMode: "auto",
		RelaySubmitRetry:       false,

		PollMS:    4000,
		TimeoutMS: 300_000,
		CacheMS:   2000,

		Policies: policies,

		BatchMaxSize:   5,
		BatchMaxWaitMS: 10_000,

		WalletsPerChainMax: 2,
		RetryMax:           3,
		RetryBaseMS:        2000,

		EVMChains: map[string]EVMChainConfig{},
	}
}

// ConfigPath returns the default config file path under dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), "relayer.yaml")
}

// LoadConfig reads the YAML config at path, falling back to defaults for any
// field the file omits, then overlays environment variables (which always
// win over the file) using the RELAYER_ prefix.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envconfig.Process("relayer", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if cfg.Policies == nil {
		cfg.Policies = make(map[string]FeaturePolicyConfig)
	}
	if cfg.EVMChains == nil {
		cfg.EVMChains = make(map[string]EVMChainConfig)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
