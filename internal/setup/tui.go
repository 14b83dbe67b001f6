package setup

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/loopvault/config"
)

// OutputFile is where the wizard writes the generated config.
const OutputFile = "vault.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers collects the raw wizard input.
type answers struct {
	poolMode string

	rpcURL      string
	chainID     string
	poolAddress string
	baseToken   string
	borrowToken string
	operator    string

	targetHF   string
	minHF      string
	maxHF      string
	ltvBps     string
	iterations string

	interval string
	httpAddr string
}

func defaultAnswers() answers {
	return answers{
		poolMode:   config.PoolModeMemory,
		chainID:    "1",
		targetHF:   "1.5",
		minHF:      "1.2",
		maxHF:      "2.0",
		ltvBps:     "6000",
		iterations: "4",
		interval:   "1m",
		httpAddr:   ":8080",
	}
}

func header(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LOOPVAULT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes OutputFile.
func RunTUI() error {
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LOOPVAULT CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Set up a leveraged stablecoin loop.\n"))

	fmt.Println(stepStyle.Render("STEP 1: LENDING POOL"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where does the vault borrow?").
				Options(
					huh.NewOption("Simulated in-memory market", config.PoolModeMemory),
					huh.NewOption("Aave v3 compatible pool (EVM)", config.PoolModeEVM),
				).
				Value(&a.poolMode),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.poolMode == config.PoolModeEVM {
		header("STEP 2: CHAIN")
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().Title("RPC URL").Value(&a.rpcURL).Validate(notEmpty),
				huh.NewInput().Title("Chain ID").Value(&a.chainID).Validate(validatePositiveInt),
				huh.NewInput().Title("Pool address").Value(&a.poolAddress).Validate(validateAddress),
				huh.NewInput().Title("Base token (deposit asset)").Value(&a.baseToken).Validate(validateAddress),
				huh.NewInput().Title("Borrow token").Value(&a.borrowToken).Validate(validateAddress),
				huh.NewInput().Title("Operator address").Value(&a.operator).Validate(validateAddress),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	header("STEP 3: RISK")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Target health factor").Value(&a.targetHF).Validate(validateRatio),
			huh.NewInput().Title("Min health factor").Description("Below this the vault delevers").Value(&a.minHF).Validate(validateRatio),
			huh.NewInput().Title("Max health factor").Description("Above this the vault relevers").Value(&a.maxHF).Validate(validateRatio),
			huh.NewInput().Title("Target LTV (bps)").Description("Share of each supply borrowed back, e.g. 6000").Value(&a.ltvBps).Validate(validatePositiveInt),
			huh.NewInput().Title("Max loop iterations").Description("1-16").Value(&a.iterations).Validate(validatePositiveInt),
		),
	).Run()
	if err != nil {
		return err
	}

	header("STEP 4: KEEPER AND API")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Rebalance interval").
				Description("Duration string (e.g. 30s, 1m, 5m)").
				Value(&a.interval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().Title("HTTP listen address").Value(&a.httpAddr).Validate(notEmpty),
		),
	).Run()
	if err != nil {
		return err
	}

	cfgTmp, err := a.configTmp()
	if err != nil {
		return err
	}

	header("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Pool: %s\nHealth factor: %s < %s < %s\nTarget LTV: %s bps, %s iterations\nRebalance every: %s\n",
		a.poolMode, a.minHF, a.targetHF, a.maxHF, a.ltvBps, a.iterations, a.interval,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(OutputFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	msg := fmt.Sprintf("\nConfiguration saved to %s\n", OutputFile)
	if a.poolMode == config.PoolModeEVM {
		msg += fmt.Sprintf("Export %s before starting.\n", config.PrivateKeyEnv)
	}
	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(msg + "Starting vault..."))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

// configTmp converts answers and checks them the same way loading the file will.
func (a answers) configTmp() (config.ConfigTmp, error) {
	interval, err := time.ParseDuration(a.interval)
	if err != nil {
		return config.ConfigTmp{}, err
	}
	ltv, err := strconv.ParseInt(a.ltvBps, 10, 64)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("target ltv: %w", err)
	}
	iterations, err := strconv.Atoi(a.iterations)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("max loop iterations: %w", err)
	}

	tmp := config.ConfigTmp{
		PoolMode:           a.poolMode,
		TargetHealthFactor: a.targetHF,
		MinHealthFactor:    a.minHF,
		MaxHealthFactor:    a.maxHF,
		TargetLTVBps:       ltv,
		MaxLoopIterations:  iterations,
		RebalanceInterval:  interval,
		HTTPAddr:           a.httpAddr,
	}

	if a.poolMode == config.PoolModeEVM {
		chainID, err := strconv.ParseInt(a.chainID, 10, 64)
		if err != nil {
			return config.ConfigTmp{}, fmt.Errorf("chain id: %w", err)
		}
		tmp.RPCURL = a.rpcURL
		tmp.ChainID = chainID
		tmp.PoolAddress = a.poolAddress
		tmp.BaseToken = a.baseToken
		tmp.BorrowToken = a.borrowToken
		tmp.Operator = a.operator
	}

	if err := tmp.Check(); err != nil {
		return config.ConfigTmp{}, err
	}
	return tmp, nil
}

func notEmpty(s string) error {
	if s == "" {
		return fmt.Errorf("cannot be empty")
	}
	return nil
}

func validateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed hex address")
	}
	return nil
}

func validateRatio(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}
