// Package config loads the vault configuration from YAML.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

const (
	PoolModeMemory = "memory"
	PoolModeEVM    = "evm"

	// PrivateKeyEnv holds the hex key of the vault account in evm mode.
	PrivateKeyEnv = "LOOPVAULT_PRIVATE_KEY"
	// APITokenEnv overrides api_token from the file.
	APITokenEnv = "LOOPVAULT_API_TOKEN"

	defaultConfigPath        = "vault.yaml"
	defaultHTTPAddr          = ":8080"
	defaultRebalanceInterval = time.Minute
	defaultWALDir            = "./wal"
	defaultTxTimeout         = 2 * time.Minute
	defaultBaseCurrencyDecs  = 8

	defaultTargetHealthFactor = "1.5"
	defaultMinHealthFactor    = "1.2"
	defaultMaxHealthFactor    = "2.0"
	defaultTargetLTVBps       = 6000
	defaultMaxLoopIterations  = 4

	defaultSimLiquidity = "10000000"
	defaultSimLTVBps    = 9000
	defaultSimLiqThrBps = 9500
)

// addresses used by the in-memory market unless the file sets them
var (
	SimPoolAddress  = common.HexToAddress("0x000000000000000000000000000000000000a000")
	SimBaseToken    = common.HexToAddress("0x000000000000000000000000000000000000b001")
	SimBorrowToken  = common.HexToAddress("0x000000000000000000000000000000000000b002")
	SimVaultAddress = common.HexToAddress("0x000000000000000000000000000000000000c000")
	SimOperator     = common.HexToAddress("0x000000000000000000000000000000000000d000")
)

type Config struct {
	PoolMode string

	RPCURL               string
	ChainID              int64
	PrivateKeyHex        string
	BaseCurrencyDecimals int
	TxTimeout            time.Duration

	PoolAddress  common.Address
	BaseToken    common.Address
	BorrowToken  common.Address
	VaultAddress common.Address
	Operator     common.Address
	// Keeper is the caller the keeper loop rebalances as.
	Keeper common.Address

	Risk              domain.RiskParameters
	RebalanceInterval time.Duration

	HTTPAddr string
	APIToken string
	WALDir   string

	Sim SimConfig
}

// SimConfig describes the in-memory market. Both assets are listed at price 1.
type SimConfig struct {
	Liquidity               decimal.Decimal
	LTVBps                  int64
	LiquidationThresholdBps int64
}

// VaultWALDir, SnapshotWALDir and MarketStateDir live under WALDir.
func (c Config) VaultWALDir() string    { return c.WALDir + "/vault" }
func (c Config) SnapshotWALDir() string { return c.WALDir + "/positions" }
func (c Config) MarketStateDir() string { return c.WALDir + "/market" }

type ConfigTmp struct {
	PoolMode             string        `yaml:"pool_mode"`
	RPCURL               string        `yaml:"rpc_url,omitempty"`
	ChainID              int64         `yaml:"chain_id,omitempty"`
	BaseCurrencyDecimals int           `yaml:"base_currency_decimals,omitempty"`
	TxTimeout            time.Duration `yaml:"tx_timeout,omitempty"`

	PoolAddress  string `yaml:"pool_address,omitempty"`
	BaseToken    string `yaml:"base_token,omitempty"`
	BorrowToken  string `yaml:"borrow_token,omitempty"`
	VaultAddress string `yaml:"vault_address,omitempty"`
	Operator     string `yaml:"operator,omitempty"`
	Keeper       string `yaml:"keeper,omitempty"`

	TargetHealthFactor string        `yaml:"target_health_factor,omitempty"`
	MinHealthFactor    string        `yaml:"min_health_factor,omitempty"`
	MaxHealthFactor    string        `yaml:"max_health_factor,omitempty"`
	TargetLTVBps       int64         `yaml:"target_ltv_bps,omitempty"`
	MaxLoopIterations  int           `yaml:"max_loop_iterations,omitempty"`
	RebalanceInterval  time.Duration `yaml:"rebalance_interval,omitempty"`

	HTTPAddr string `yaml:"http_addr,omitempty"`
	APIToken string `yaml:"api_token,omitempty"`
	WALDir   string `yaml:"wal_dir,omitempty"`

	SimLiquidity               string `yaml:"sim_liquidity,omitempty"`
	SimLTVBps                  int64  `yaml:"sim_ltv_bps,omitempty"`
	SimLiquidationThresholdBps int64  `yaml:"sim_liquidation_threshold_bps,omitempty"`
}

// Flags are the command line switches.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags parses --config and --setup.
func ParseFlags() Flags {
	path := flag.String("config", defaultConfigPath, "path to yaml config")
	setup := flag.Bool("setup", false, "run the configuration wizard and write vault.gen.yaml")
	flag.Parse()
	return Flags{ConfigPath: *path, Setup: *setup}
}

// Load reads and validates the config at path. Secrets come from the environment.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
	}
	return tmp.Build(os.Getenv(PrivateKeyEnv), os.Getenv(APITokenEnv))
}

// Build applies defaults and validates.
func (c ConfigTmp) Build(privateKeyHex, apiToken string) (Config, error) {
	return c.build(privateKeyHex, apiToken, true)
}

// Check validates the file contents alone; in evm mode the key and the account derived from it
// are not checked.
func (c ConfigTmp) Check() error {
	_, err := c.build("", "", false)
	return err
}

func (c ConfigTmp) build(privateKeyHex, apiToken string, withKey bool) (Config, error) {
	conf := Config{
		PoolMode:             strings.ToLower(strings.TrimSpace(c.PoolMode)),
		RPCURL:               c.RPCURL,
		ChainID:              c.ChainID,
		BaseCurrencyDecimals: c.BaseCurrencyDecimals,
		TxTimeout:            c.TxTimeout,
		RebalanceInterval:    c.RebalanceInterval,
		HTTPAddr:             c.HTTPAddr,
		APIToken:             c.APIToken,
		WALDir:               c.WALDir,
	}

	if conf.PoolMode == "" {
		conf.PoolMode = PoolModeMemory
	}
	if conf.RebalanceInterval == 0 {
		conf.RebalanceInterval = defaultRebalanceInterval
	}
	if conf.RebalanceInterval < 0 {
		return Config{}, fmt.Errorf("incorrect 'rebalance_interval' param in yaml config: %s", conf.RebalanceInterval)
	}
	if conf.HTTPAddr == "" {
		conf.HTTPAddr = defaultHTTPAddr
	}
	if apiToken != "" {
		conf.APIToken = apiToken
	}
	if conf.WALDir == "" {
		conf.WALDir = defaultWALDir
	}
	conf.WALDir = strings.TrimRight(conf.WALDir, "/")

	risk, err := c.riskParameters()
	if err != nil {
		return Config{}, err
	}
	conf.Risk = risk

	switch conf.PoolMode {
	case PoolModeMemory:
		err = c.applyMemory(&conf)
	case PoolModeEVM:
		err = c.applyEVM(&conf, privateKeyHex, withKey)
	default:
		err = fmt.Errorf("incorrect 'pool_mode' param in yaml config: %q (memory or evm)", c.PoolMode)
	}
	if err != nil {
		return Config{}, err
	}

	if conf.Keeper == (common.Address{}) {
		conf.Keeper = conf.Operator
	}
	return conf, nil
}

func (c ConfigTmp) riskParameters() (domain.RiskParameters, error) {
	ratios := make([]decimal.Decimal, 0, 3)
	for _, field := range []struct {
		name, value, fallback string
	}{
		{"target_health_factor", c.TargetHealthFactor, defaultTargetHealthFactor},
		{"min_health_factor", c.MinHealthFactor, defaultMinHealthFactor},
		{"max_health_factor", c.MaxHealthFactor, defaultMaxHealthFactor},
	} {
		raw := field.value
		if raw == "" {
			raw = field.fallback
		}
		wad, err := domain.ToWad(raw)
		if err != nil {
			return domain.RiskParameters{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal), error: %w", field.name, err)
		}
		ratios = append(ratios, wad)
	}

	ltv := c.TargetLTVBps
	if ltv == 0 {
		ltv = defaultTargetLTVBps
	}
	iterations := c.MaxLoopIterations
	if iterations == 0 {
		iterations = defaultMaxLoopIterations
	}

	params, err := domain.NewRiskParameters(ratios[0], ratios[1], ratios[2], ltv, iterations)
	if err != nil {
		return domain.RiskParameters{}, fmt.Errorf("invalid risk parameters in yaml config: %w", err)
	}
	return params, nil
}

func (c ConfigTmp) applyMemory(conf *Config) error {
	addrs := []struct {
		name     string
		raw      string
		fallback common.Address
		dst      *common.Address
	}{
		{"pool_address", c.PoolAddress, SimPoolAddress, &conf.PoolAddress},
		{"base_token", c.BaseToken, SimBaseToken, &conf.BaseToken},
		{"borrow_token", c.BorrowToken, SimBorrowToken, &conf.BorrowToken},
		{"vault_address", c.VaultAddress, SimVaultAddress, &conf.VaultAddress},
		{"operator", c.Operator, SimOperator, &conf.Operator},
		{"keeper", c.Keeper, common.Address{}, &conf.Keeper},
	}
	for _, a := range addrs {
		if a.raw == "" {
			*a.dst = a.fallback
			continue
		}
		addr, err := parseAddress(a.name, a.raw)
		if err != nil {
			return err
		}
		*a.dst = addr
	}

	liquidity := c.SimLiquidity
	if liquidity == "" {
		liquidity = defaultSimLiquidity
	}
	units, err := domain.Units(liquidity)
	if err != nil || units.IsNegative() {
		return fmt.Errorf("incorrect 'sim_liquidity' param in yaml config: %q", c.SimLiquidity)
	}
	conf.Sim = SimConfig{
		Liquidity:               units,
		LTVBps:                  c.SimLTVBps,
		LiquidationThresholdBps: c.SimLiquidationThresholdBps,
	}
	if conf.Sim.LTVBps == 0 {
		conf.Sim.LTVBps = defaultSimLTVBps
	}
	if conf.Sim.LiquidationThresholdBps == 0 {
		conf.Sim.LiquidationThresholdBps = defaultSimLiqThrBps
	}
	if conf.Sim.LTVBps > conf.Sim.LiquidationThresholdBps || conf.Sim.LiquidationThresholdBps > domain.BPS.IntPart() {
		return fmt.Errorf("incorrect simulated market risk config: ltv %d, liquidation threshold %d",
			conf.Sim.LTVBps, conf.Sim.LiquidationThresholdBps)
	}
	return nil
}

func (c ConfigTmp) applyEVM(conf *Config, privateKeyHex string, withKey bool) error {
	if c.RPCURL == "" {
		return fmt.Errorf("'rpc_url' is required in evm mode")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("'chain_id' is required in evm mode")
	}

	required := []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"pool_address", c.PoolAddress, &conf.PoolAddress},
		{"base_token", c.BaseToken, &conf.BaseToken},
		{"borrow_token", c.BorrowToken, &conf.BorrowToken},
		{"operator", c.Operator, &conf.Operator},
	}
	for _, r := range required {
		if r.raw == "" {
			return fmt.Errorf("'%s' is required in evm mode", r.name)
		}
		addr, err := parseAddress(r.name, r.raw)
		if err != nil {
			return err
		}
		*r.dst = addr
	}

	var err error
	if c.Keeper != "" {
		if conf.Keeper, err = parseAddress("keeper", c.Keeper); err != nil {
			return err
		}
	}
	if conf.BaseCurrencyDecimals == 0 {
		conf.BaseCurrencyDecimals = defaultBaseCurrencyDecs
	}
	if conf.TxTimeout == 0 {
		conf.TxTimeout = defaultTxTimeout
	}
	if !withKey {
		return nil
	}

	if privateKeyHex == "" {
		return fmt.Errorf("%s environment variable must be set in evm mode", PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", PrivateKeyEnv, err)
	}
	conf.PrivateKeyHex = privateKeyHex

	// the vault account is the key's account
	conf.VaultAddress = crypto.PubkeyToAddress(key.PublicKey)
	if c.VaultAddress != "" {
		configured, err := parseAddress("vault_address", c.VaultAddress)
		if err != nil {
			return err
		}
		if configured != conf.VaultAddress {
			return fmt.Errorf("'vault_address' %s does not match the account of %s (%s)", configured.Hex(), PrivateKeyEnv, conf.VaultAddress.Hex())
		}
	}
	return nil
}

func parseAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a hex address): %q", name, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("'%s' must not be the zero address", name)
	}
	return addr, nil
}
