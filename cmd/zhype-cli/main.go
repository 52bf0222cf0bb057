package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"zhype/cmd/internal/passphrase"
	"zhype/config"
	"zhype/core"
	"zhype/crypto"
	"zhype/native/timelock"
	"zhype/storage"
)

// passphraseEnv lets scripts supply the key-file passphrase without a
// terminal.
const passphraseEnv = "ZHYPE_KEYFILE_PASSPHRASE"

var configPath = "./config.toml"

func main() {
	args := os.Args[1:]
	args = applyGlobalFlags(args)

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	args = args[1:]
	var err error
	switch command {
	case "generate-key":
		err = generateKey(args)
	case "show-key":
		err = showKey(args)
	case "deposit":
		err = withLedger(func(l *core.Ledger) error { return doDeposit(l, args) })
	case "request-withdraw":
		err = withLedger(func(l *core.Ledger) error { return doRequestWithdraw(l, args) })
	case "claim-withdraw":
		err = withLedger(func(l *core.Ledger) error { return doClaimWithdraw(l, args) })
	case "stake":
		err = withLedger(func(l *core.Ledger) error { return doStake(l, args) })
	case "request-unstake":
		err = withLedger(func(l *core.Ledger) error { return doRequestUnstake(l, args) })
	case "claim-unstake":
		err = withLedger(func(l *core.Ledger) error { return doClaimUnstake(l, args) })
	case "toggle-auto-invest":
		err = withLedger(func(l *core.Ledger) error { return doToggleAutoInvest(l, args) })
	case "claim-rewards":
		err = withLedger(func(l *core.Ledger) error { return doClaimRewards(l, args) })
	case "account":
		err = withLedger(func(l *core.Ledger) error { return showAccount(l, args) })
	case "withdrawals":
		err = withLedger(func(l *core.Ledger) error { return showQueue(l, args, l.PendingWithdrawals) })
	case "unstakes":
		err = withLedger(func(l *core.Ledger) error { return showQueue(l, args, l.PendingUnstakes) })
	case "export":
		err = withLedger(func(l *core.Ledger) error { return doExport(l, args) })
	case "import":
		err = withLedger(func(l *core.Ledger) error { return doImport(l, args) })
	case "emergency-withdraw":
		err = withLedger(func(l *core.Ledger) error { return doEmergencyWithdraw(l, args) })
	case "set-rate":
		err = withLedger(func(l *core.Ledger) error { return doSetRate(l, args) })
	case "pause":
		err = withLedger(func(l *core.Ledger) error { return doSetPaused(l, args, true) })
	case "resume":
		err = withLedger(func(l *core.Ledger) error { return doSetPaused(l, args, false) })
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func applyGlobalFlags(args []string) []string {
	out := args[:0]
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(args[i], "--config=") {
			configPath = strings.TrimPrefix(args[i], "--config=")
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func printUsage() {
	fmt.Println(`Usage: zhype-cli [--config path] <command> [args]

Keys:
  generate-key <file>                      Create an encrypted key and print its addresses
  show-key <file>                          Decrypt a key file and print its addresses

Treasury:
  deposit <address> <amount>               Deposit native HYPE, minting zHYPE 1:1
  request-withdraw <address> <amount>      Queue a withdrawal (7-day delay)
  claim-withdraw <id>                      Claim a matured withdrawal
  claim-rewards <address>                  Claim treasury and staking rewards

Staking:
  stake <address> <amount>                 Stake free zHYPE
  request-unstake <address> <amount>       Queue an unstake (7-day delay)
  claim-unstake <id>                       Claim a matured unstake
  toggle-auto-invest <address>             Flip reward compounding

Inspection:
  account <address>                        Show balances and pending rewards
  withdrawals <address>                    List withdrawal queue entries
  unstakes <address>                       List unstake queue entries
  export <file>                            Write a yaml snapshot
  import <file>                            Load a yaml snapshot into an empty ledger

Owner:
  emergency-withdraw <owner-address>       Drain custody (breaks the peg)
  set-rate treasury|staking <bps> <owner-address>
  pause <owner-address> / resume <owner-address>`)
}

func withLedger(fn func(*core.Ledger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var owner [20]byte
	if cfg.OwnerAddress != "" {
		addr, err := crypto.DecodeAddress(cfg.OwnerAddress)
		if err != nil {
			return err
		}
		owner = addr.Array()
	}
	ledger, err := core.NewLedger(core.Params{
		DB:              db,
		Owner:           owner,
		UnstakingDelay:  cfg.UnstakingDelaySeconds,
		TreasuryRateBps: cfg.TreasuryRateBps,
		StakingRateBps:  cfg.StakingRateBps,
	})
	if err != nil {
		return err
	}
	return fn(ledger)
}

func parseAccount(arg string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(arg)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Array(), nil
}

func parseAmount(arg string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(arg, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", arg)
	}
	return amount, nil
}

func accountAndAmount(args []string) ([20]byte, *big.Int, error) {
	if len(args) < 2 {
		return [20]byte{}, nil, fmt.Errorf("expected <address> <amount>")
	}
	account, err := parseAccount(args[0])
	if err != nil {
		return [20]byte{}, nil, err
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return [20]byte{}, nil, err
	}
	return account, amount, nil
}

func entryID(args []string) (uint64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("expected <id>")
	}
	return strconv.ParseUint(args[0], 10, 64)
}

func generateKey(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <file>")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(passphraseEnv, true).Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveKeyFile(args[0], key, pass); err != nil {
		return err
	}
	addr := key.PubKey().Address()
	fmt.Println("Encrypted key saved to", args[0])
	fmt.Println("HYPE address: ", addr.String())
	fmt.Println("zHYPE address:", crypto.MustNewAddress(crypto.ZHYPEPrefix, addr.Bytes()).String())
	return nil
}

func showKey(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <file>")
	}
	pass, err := passphrase.NewSource(passphraseEnv, false).Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadKeyFile(args[0], pass)
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	fmt.Println("HYPE address: ", addr.String())
	fmt.Println("zHYPE address:", crypto.MustNewAddress(crypto.ZHYPEPrefix, addr.Bytes()).String())
	return nil
}

func doDeposit(l *core.Ledger, args []string) error {
	account, amount, err := accountAndAmount(args)
	if err != nil {
		return err
	}
	minted, err := l.Deposit(account, amount)
	if err != nil {
		return err
	}
	fmt.Printf("Deposited %s HYPE, minted %s zHYPE\n", amount, minted)
	return nil
}

func doRequestWithdraw(l *core.Ledger, args []string) error {
	account, amount, err := accountAndAmount(args)
	if err != nil {
		return err
	}
	id, err := l.RequestWithdraw(account, amount)
	if err != nil {
		return err
	}
	fmt.Printf("Withdrawal %d queued for %s HYPE, matures in %d seconds\n", id, amount, l.UnstakingDelay())
	return nil
}

func doClaimWithdraw(l *core.Ledger, args []string) error {
	id, err := entryID(args)
	if err != nil {
		return err
	}
	amount, err := l.ClaimWithdraw(id)
	if err != nil {
		return err
	}
	fmt.Printf("Withdrawal %d claimed: %s HYPE released\n", id, amount)
	return nil
}

func doStake(l *core.Ledger, args []string) error {
	account, amount, err := accountAndAmount(args)
	if err != nil {
		return err
	}
	if err := l.Stake(account, amount); err != nil {
		return err
	}
	fmt.Printf("Staked %s zHYPE\n", amount)
	return nil
}

func doRequestUnstake(l *core.Ledger, args []string) error {
	account, amount, err := accountAndAmount(args)
	if err != nil {
		return err
	}
	id, err := l.RequestUnstake(account, amount)
	if err != nil {
		return err
	}
	fmt.Printf("Unstake %d queued for %s zHYPE, matures in %d seconds\n", id, amount, l.UnstakingDelay())
	return nil
}

func doClaimUnstake(l *core.Ledger, args []string) error {
	id, err := entryID(args)
	if err != nil {
		return err
	}
	amount, err := l.ClaimUnstake(id)
	if err != nil {
		return err
	}
	fmt.Printf("Unstake %d claimed: %s zHYPE released\n", id, amount)
	return nil
}

func doToggleAutoInvest(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <address>")
	}
	account, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	enabled, err := l.ToggleAutoInvest(account)
	if err != nil {
		return err
	}
	fmt.Println("Auto-invest enabled:", enabled)
	return nil
}

func doClaimRewards(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <address>")
	}
	account, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	breakdown, err := l.ClaimAllRewards(account)
	if err != nil {
		return err
	}
	fmt.Printf("Claimed %s HYPE (treasury) and %s USDH (staking)\n", breakdown.Treasury, breakdown.Staking)
	return nil
}

func showAccount(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <address>")
	}
	account, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	rows := []struct {
		label string
		read  func([20]byte) (*big.Int, error)
	}{
		{"Treasury principal", l.BalanceOf},
		{"Free zHYPE", l.PeggedBalance},
		{"Staked zHYPE", l.TotalStaked},
		{"Virtual staked", l.VirtualStaked},
		{"Treasury rewards", l.CalculateTreasuryRewards},
		{"Staking rewards", l.CalculateStakingRewards},
		{"Claimed USDH", l.RewardBalance},
	}
	for _, row := range rows {
		value, err := row.read(account)
		if err != nil {
			return err
		}
		fmt.Printf("%-18s %s\n", row.label+":", value)
	}
	autoInvest, err := l.AutoInvest(account)
	if err != nil {
		return err
	}
	fmt.Printf("%-18s %v\n", "Auto-invest:", autoInvest)
	return nil
}

func showQueue(l *core.Ledger, args []string, list func([20]byte) ([]*timelock.Entry, error)) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <address>")
	}
	account, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	entries, err := list(account)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No entries.")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("#%d  amount=%s  requested=%d  matures=%d  claimed=%v\n",
			entry.ID, entry.Amount, entry.RequestedAt, entry.MaturesAt, entry.Claimed)
	}
	return nil
}

func doExport(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <file>")
	}
	raw, err := l.ExportState()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], raw, 0o644); err != nil {
		return err
	}
	fmt.Println("Snapshot written to", args[0])
	return nil
}

func doImport(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <file>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := l.ImportState(raw); err != nil {
		return err
	}
	fmt.Println("Snapshot imported from", args[0])
	return nil
}

func doEmergencyWithdraw(l *core.Ledger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <owner-address>")
	}
	caller, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	amount, err := l.EmergencyWithdrawAll(caller)
	if err != nil {
		return err
	}
	fmt.Printf("Emergency withdrawal drained %s HYPE. The peg is now broken.\n", amount)
	return nil
}

func doSetRate(l *core.Ledger, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("expected treasury|staking <bps> <owner-address>")
	}
	bps, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rate %q", args[1])
	}
	caller, err := parseAccount(args[2])
	if err != nil {
		return err
	}
	switch args[0] {
	case "treasury":
		err = l.SetTreasuryRateBps(caller, bps)
	case "staking":
		err = l.SetStakingRateBps(caller, bps)
	default:
		return fmt.Errorf("unknown pool %q", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s rate set to %d bps\n", args[0], bps)
	return nil
}

func doSetPaused(l *core.Ledger, args []string, paused bool) error {
	if len(args) < 1 {
		return fmt.Errorf("expected <owner-address>")
	}
	caller, err := parseAccount(args[0])
	if err != nil {
		return err
	}
	if err := l.SetStakingPaused(caller, paused); err != nil {
		return err
	}
	if paused {
		fmt.Println("Staking paused. Unstaking and withdrawals remain open.")
	} else {
		fmt.Println("Staking resumed.")
	}
	return nil
}
