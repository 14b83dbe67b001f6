package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/loopvault/internal/domain"
)

const testKey = "0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestBuild_MemoryDefaults(t *testing.T) {
	conf, err := ConfigTmp{}.Build("", "")
	require.NoError(t, err)

	assert.Equal(t, PoolModeMemory, conf.PoolMode)
	assert.Equal(t, SimPoolAddress, conf.PoolAddress)
	assert.Equal(t, SimVaultAddress, conf.VaultAddress)
	assert.Equal(t, SimOperator, conf.Operator)
	assert.Equal(t, conf.Operator, conf.Keeper)
	assert.Equal(t, time.Minute, conf.RebalanceInterval)
	assert.Equal(t, ":8080", conf.HTTPAddr)
	assert.Equal(t, "./wal/vault", conf.VaultWALDir())
	assert.Equal(t, "./wal/positions", conf.SnapshotWALDir())

	assert.True(t, conf.Risk.TargetHealthFactor.Equal(domain.MustWad("1.5")))
	assert.True(t, conf.Risk.MinHealthFactor.Equal(domain.MustWad("1.2")))
	assert.True(t, conf.Risk.MaxHealthFactor.Equal(domain.MustWad("2")))
	assert.Equal(t, int64(6000), conf.Risk.TargetLTVBps)
	assert.Equal(t, 4, conf.Risk.MaxLoopIterations)

	assert.True(t, conf.Sim.Liquidity.Equal(domain.MustUnits("10000000")))
	assert.Equal(t, int64(9000), conf.Sim.LTVBps)
	assert.Equal(t, int64(9500), conf.Sim.LiquidationThresholdBps)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool_mode: memory
operator: "0x00000000000000000000000000000000000000ff"
keeper: "0x0000000000000000000000000000000000000abc"
target_health_factor: "1.6"
min_health_factor: "1.3"
max_health_factor: "2.2"
target_ltv_bps: 5500
max_loop_iterations: 6
rebalance_interval: 30s
http_addr: "127.0.0.1:9000"
api_token: from-file
wal_dir: /tmp/loopvault/
sim_liquidity: "5000"
`), 0o600))

	t.Setenv(APITokenEnv, "from-env")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xff"), conf.Operator)
	assert.Equal(t, common.HexToAddress("0xabc"), conf.Keeper)
	assert.True(t, conf.Risk.TargetHealthFactor.Equal(domain.MustWad("1.6")))
	assert.Equal(t, int64(5500), conf.Risk.TargetLTVBps)
	assert.Equal(t, 6, conf.Risk.MaxLoopIterations)
	assert.Equal(t, 30*time.Second, conf.RebalanceInterval)
	assert.Equal(t, "127.0.0.1:9000", conf.HTTPAddr)
	assert.Equal(t, "from-env", conf.APIToken)
	assert.Equal(t, "/tmp/loopvault/market", conf.MarketStateDir())
	assert.True(t, conf.Sim.Liquidity.Equal(domain.MustUnits("5000")))
}

func TestBuild_EVM(t *testing.T) {
	key, err := crypto.HexToECDSA(testKey[2:])
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey)

	base := ConfigTmp{
		PoolMode:    "evm",
		RPCURL:      "http://localhost:8545",
		ChainID:     1,
		PoolAddress: "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
		BaseToken:   "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		BorrowToken: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Operator:    "0x00000000000000000000000000000000000000ff",
	}

	conf, err := base.Build(testKey, "")
	require.NoError(t, err)
	assert.Equal(t, account, conf.VaultAddress)
	assert.Equal(t, conf.Operator, conf.Keeper)
	assert.Equal(t, 8, conf.BaseCurrencyDecimals)
	assert.Equal(t, 2*time.Minute, conf.TxTimeout)

	tests := []struct {
		name   string
		mutate func(c *ConfigTmp)
		key    string
	}{
		{name: "missing key", mutate: func(c *ConfigTmp) {}, key: ""},
		{name: "bad key", mutate: func(c *ConfigTmp) {}, key: "0x1234"},
		{name: "missing rpc", mutate: func(c *ConfigTmp) { c.RPCURL = "" }, key: testKey},
		{name: "missing chain", mutate: func(c *ConfigTmp) { c.ChainID = 0 }, key: testKey},
		{name: "missing pool", mutate: func(c *ConfigTmp) { c.PoolAddress = "" }, key: testKey},
		{name: "bad token", mutate: func(c *ConfigTmp) { c.BaseToken = "dai" }, key: testKey},
		{name: "vault mismatch", mutate: func(c *ConfigTmp) { c.VaultAddress = "0x0000000000000000000000000000000000000001" }, key: testKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			_, err := c.Build(tt.key, "")
			require.Error(t, err)
		})
	}
}

func TestBuild_Rejects(t *testing.T) {
	tests := []struct {
		name string
		tmp  ConfigTmp
	}{
		{name: "unknown mode", tmp: ConfigTmp{PoolMode: "cex"}},
		{name: "band inverted", tmp: ConfigTmp{MinHealthFactor: "1.6"}},
		{name: "ratio not a number", tmp: ConfigTmp{TargetHealthFactor: "high"}},
		{name: "too many iterations", tmp: ConfigTmp{MaxLoopIterations: 17}},
		{name: "negative interval", tmp: ConfigTmp{RebalanceInterval: -time.Second}},
		{name: "zero operator", tmp: ConfigTmp{Operator: "0x0000000000000000000000000000000000000000"}},
		{name: "ltv above threshold", tmp: ConfigTmp{SimLTVBps: 9800}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tmp.Build("", "")
			require.Error(t, err)
		})
	}
}

func TestCheck_SkipsKeyInEVMMode(t *testing.T) {
	tmp := ConfigTmp{
		PoolMode:    PoolModeEVM,
		RPCURL:      "http://localhost:8545",
		ChainID:     10,
		PoolAddress: "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
		BaseToken:   "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1",
		BorrowToken: "0x0b2C639c533813f4Aa9D7837cAf62653d097Ff85",
		Operator:    "0x00000000000000000000000000000000000000ff",
	}
	require.NoError(t, tmp.Check())

	_, err := tmp.Build("", "")
	require.Error(t, err)

	tmp.RPCURL = ""
	require.Error(t, tmp.Check())
}
