package setup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/loopvault/config"
)

func TestAnswers_ConfigTmp(t *testing.T) {
	tmp, err := defaultAnswers().configTmp()
	require.NoError(t, err)

	assert.Equal(t, config.PoolModeMemory, tmp.PoolMode)
	assert.Equal(t, "1.5", tmp.TargetHealthFactor)
	assert.Equal(t, int64(6000), tmp.TargetLTVBps)
	assert.Equal(t, 4, tmp.MaxLoopIterations)
	assert.Equal(t, time.Minute, tmp.RebalanceInterval)
	assert.Empty(t, tmp.RPCURL)
}

func TestAnswers_ConfigTmpEVM(t *testing.T) {
	a := defaultAnswers()
	a.poolMode = config.PoolModeEVM
	a.rpcURL = "http://localhost:8545"
	a.poolAddress = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	a.baseToken = "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	a.borrowToken = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	a.operator = "0x00000000000000000000000000000000000000ff"

	tmp, err := a.configTmp()
	require.NoError(t, err)
	assert.Equal(t, int64(1), tmp.ChainID)
	assert.Equal(t, a.poolAddress, tmp.PoolAddress)
	assert.Empty(t, tmp.VaultAddress, "the vault account comes from the key at start")

	a.borrowToken = a.baseToken
	_, err = a.configTmp()
	require.NoError(t, err, "token equality is checked by the vault, not the file")
}

func TestAnswers_RejectsInvertedBand(t *testing.T) {
	a := defaultAnswers()
	a.minHF = "1.8"

	_, err := a.configTmp()
	require.Error(t, err)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validateRatio("1.05"))
	assert.Error(t, validateRatio("0"))
	assert.Error(t, validateRatio("x"))

	assert.NoError(t, validatePositiveInt("6000"))
	assert.Error(t, validatePositiveInt("-1"))

	assert.NoError(t, validateAddress("0x00000000000000000000000000000000000000ff"))
	assert.Error(t, validateAddress("ff"))

	assert.Error(t, notEmpty(""))
}
