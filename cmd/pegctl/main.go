package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"cryptofiat/cmd/internal/passphrase"
	"cryptofiat/crypto"
	"cryptofiat/native/peg"
	"cryptofiat/services/pegd/server"
)

const (
	defaultPassEnv   = "PEGCTL_KEYSTORE_PASS"
	defaultSecretEnv = "PEGD_JWT_SECRET"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return errors.New("missing command")
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], out)
	case "address":
		return runAddress(args[1:], out)
	case "digest":
		return runDigest(args[1:], out)
	case "sign-rate":
		return runSignRate(args[1:], out)
	case "investor-token":
		return runInvestorToken(args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, `Usage: pegctl <command> [flags]

Commands:
  keygen          create an operator keystore and print its address
  address         print the address held in a keystore
  digest          print the digest an administrator signs for a rate update
  sign-rate       sign a rate update and print the PUT /admin/rates body
  investor-token  mint an HS256 investor token for testing`)
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	light := fs.Bool("light-scrypt", false, "use weak scrypt parameters (test keys only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return errors.New("--keystore is required")
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "operator keystore", passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GenerateOperatorKey()
	if err != nil {
		return err
	}
	var opts []crypto.KeystoreOption
	if *light {
		opts = append(opts, crypto.WithLightScrypt())
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass, opts...); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintln(out, crypto.Address(key).Hex())
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "operator keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	fmt.Fprintln(out, crypto.Address(key).Hex())
	return nil
}

type rateFlags struct {
	currency *string
	rate     *int64
	nonce    *uint64
}

func bindRateFlags(fs *flag.FlagSet) rateFlags {
	return rateFlags{
		currency: fs.String("currency", "", "pegged currency (USD or EUR)"),
		rate:     fs.Int64("rate", 0, "new rate in token base units per native unit"),
		nonce:    fs.Uint64("nonce", 0, "strictly increasing nonce for the signing key"),
	}
}

func (f rateFlags) update() (peg.RateUpdate, error) {
	c, err := peg.ParseCurrency(*f.currency)
	if err != nil {
		return peg.RateUpdate{}, err
	}
	update := peg.RateUpdate{Currency: c, Rate: *f.rate, Nonce: *f.nonce}
	if _, err := update.Hash(); err != nil {
		return peg.RateUpdate{}, err
	}
	return update, nil
}

func runDigest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	rf := bindRateFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	update, err := rf.update()
	if err != nil {
		return err
	}
	digest, err := update.Hash()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hexutil.Encode(digest))
	return nil
}

type signedRateBody struct {
	Rate      int64  `json:"rate"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func runSignRate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-rate", flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "path to the administrator keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "environment variable holding the keystore passphrase")
	rf := bindRateFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	update, err := rf.update()
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "operator keystore").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	sig, err := peg.SignRateUpdate(update, key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(signedRateBody{Rate: update.Rate, Nonce: update.Nonce, Signature: hexutil.Encode(sig)})
}

func runInvestorToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("investor-token", flag.ContinueOnError)
	secretEnv := fs.String("secret-env", defaultSecretEnv, "environment variable holding the shared JWT secret")
	investor := fs.String("investor", "", "investor address used as the token subject")
	issuer := fs.String("issuer", "", "token issuer")
	audience := fs.String("audience", "", "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*investor) {
		return fmt.Errorf("--investor must be a hex address")
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		return fmt.Errorf("%s is not set", *secretEnv)
	}
	token, err := server.IssueInvestorToken(secret, common.HexToAddress(*investor), *issuer, *audience, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
