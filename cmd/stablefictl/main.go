package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stablefi/cmd/internal/passphrase"
	"stablefi/config"
	"stablefi/crypto"
	gatewayconfig "stablefi/gateway/config"
)

const (
	newKeyCommand    = "new-key"
	importKeyCommand = "import-key"
	addressCommand   = "address"
	tokenCommand     = "token"
	defaultConfig    = "./config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case newKeyCommand:
		err = runNewKey(os.Args[2:], os.Stdout)
	case importKeyCommand:
		err = runImportKey(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout, time.Now)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNewKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(newKeyCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "operator.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return writeKeystore(out, *keystorePath, *passEnv, *force, key)
}

func runImportKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(importKeyCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "operator.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	keyEnv := fs.String("key-env", "STABLEFI_OPERATOR_KEY", "Environment variable containing the hex private key")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, ok := os.LookupEnv(*keyEnv)
	if !ok {
		return fmt.Errorf("environment variable %s is not set", *keyEnv)
	}
	key, err := parseHexKey(raw)
	if err != nil {
		return err
	}
	return writeKeystore(out, *keystorePath, *passEnv, *force, key)
}

func writeKeystore(out io.Writer, path, passEnv string, force bool, key *crypto.PrivateKey) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(passEnv, passphrase.AllowEmpty()).Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(path, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote keystore to %s\n%s\n", path, key.PubKey().Address())
	return nil
}

func parseHexKey(value string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, errors.New("private key is empty")
	}
	bytes, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	return crypto.PrivateKeyFromBytes(bytes)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the node config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	addr, err := crypto.KeystoreAddress(cfg.OperatorKeystorePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, addr)
	return nil
}

// runToken mints an HS256 gateway token. The secret comes from the gateway
// config or STABLEFI_GATEWAY_HMAC_SECRET, never from a flag.
func runToken(args []string, out io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	gatewayPath := fs.String("gateway-config", "", "Path to the gateway YAML config")
	subject := fs.String("sub", "", "Token subject (account address)")
	scopes := fs.String("scope", "", "Space or comma separated scopes (write, admin, operator)")
	ttl := fs.Duration("ttl", 15*time.Minute, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.DecodeAddress(*subject); err != nil {
		return fmt.Errorf("invalid subject: %w", err)
	}
	if *ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	gw, err := gatewayconfig.Load(*gatewayPath)
	if err != nil {
		return err
	}
	claims := jwt.MapClaims{
		"sub": *subject,
		"jti": uuid.NewString(),
		"iat": now().Unix(),
		"exp": now().Add(*ttl).Unix(),
	}
	if gw.Auth.Issuer != "" {
		claims["iss"] = gw.Auth.Issuer
	}
	if gw.Auth.Audience != "" {
		claims["aud"] = gw.Auth.Audience
	}
	if fields := strings.FieldsFunc(*scopes, func(r rune) bool { return r == ',' || r == ' ' }); len(fields) > 0 {
		claims[gw.Auth.ScopeClaim] = strings.Join(fields, " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(gw.Auth.HMACSecret)))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, signed)
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "stablefictl <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %s       Generate an operator keystore\n", newKeyCommand)
	fmt.Fprintf(w, "  %s    Encrypt a hex private key into a keystore\n", importKeyCommand)
	fmt.Fprintf(w, "  %s        Print the operator address of a node config\n", addressCommand)
	fmt.Fprintf(w, "  %s          Mint a gateway bearer token\n", tokenCommand)
}
