package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/term"

	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/sandbox"
)

// runAdmin dispatches admin subcommands (keygen, sign, list-keys).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "keygen":
		return runAdminKeygen(args[1:])
	case "sign":
		return runAdminSign(args[1:])
	case "list-keys":
		return runAdminListKeys(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: enclave admin <command> [options]

Commands:
  keygen       Generate an ed25519 signing keypair and install the public key
  sign         Produce a detached signature over a module payload
  list-keys    List trusted public keys
  help         Show this help message

Examples:
  enclave admin keygen --name release
  enclave admin sign --key release.key --in module.wasm --out module.sig
  enclave admin list-keys
`)
}

const encryptedKeyPrefix = "enc1:"

func runAdminKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	name := fs.String("name", "", "key name (required)")
	trustDir := fs.String("trust-dir", "", "trust directory (defaults to config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	dir, err := resolveTrustDir(*trustDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create trust dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	pass, err := promptPassword("Passphrase (empty for none): ")
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}

	seed := priv.Seed()
	var keyData string
	if pass == "" {
		keyData = hex.EncodeToString(seed)
	} else {
		keyData, err = sealSeed(seed, pass)
		if err != nil {
			return fmt.Errorf("encrypt seed: %w", err)
		}
	}

	pubPath := filepath.Join(dir, *name+".pub")
	keyPath := filepath.Join(dir, *name+".key")
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil { //nolint:gosec // public key
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(keyData+"\n"), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s and %s\n", pubPath, keyPath)
	return nil
}

func runAdminSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keyPath := fs.String("key", "", "private key file (required)")
	inPath := fs.String("in", "", "payload file to sign (required)")
	outPath := fs.String("out", "", "signature output file (defaults to <in>.sig)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *inPath == "" {
		return fmt.Errorf("--key and --in are required")
	}

	keyData, err := os.ReadFile(*keyPath) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	seed, err := decodeSeed(strings.TrimSpace(string(keyData)))
	if err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(seed)

	payload, err := os.ReadFile(*inPath) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	sig := ed25519.Sign(priv, payload)

	out := *outPath
	if out == "" {
		out = *inPath + ".sig"
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(sig)+"\n"), 0o644); err != nil { //nolint:gosec // signature is public
		return fmt.Errorf("write signature: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
	return nil
}

func runAdminListKeys(args []string) error {
	fs := flag.NewFlagSet("list-keys", flag.ContinueOnError)
	trustDir := fs.String("trust-dir", "", "trust directory (defaults to config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir, err := resolveTrustDir(*trustDir)
	if err != nil {
		return err
	}
	trust, err := sandbox.LoadTrustStore(dir)
	if err != nil {
		return err
	}

	names := trust.Names()
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFILE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, filepath.Join(dir, name+".pub"))
	}
	return w.Flush()
}

func resolveTrustDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Sandbox.TrustDir, nil
}

// sealSeed encrypts an ed25519 seed with a passphrase-derived key.
// Layout: enc1:<hex salt><hex nonce><hex box>.
func sealSeed(seed []byte, pass string) (string, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(pass), salt[:], 1, 64*1024, 4, 32))

	box := secretbox.Seal(nil, seed, &nonce, &key)
	return encryptedKeyPrefix + hex.EncodeToString(salt[:]) + hex.EncodeToString(nonce[:]) + hex.EncodeToString(box), nil
}

// decodeSeed parses a private key file: plain hex seed or encrypted form,
// prompting for the passphrase when needed.
func decodeSeed(data string) ([]byte, error) {
	if !strings.HasPrefix(data, encryptedKeyPrefix) {
		seed, err := hex.DecodeString(data)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file is not a hex-encoded ed25519 seed")
		}
		return seed, nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(data, encryptedKeyPrefix))
	if err != nil || len(raw) < 16+24+secretbox.Overhead {
		return nil, fmt.Errorf("malformed encrypted key file")
	}

	pass, err := promptPassword("Passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	var salt [16]byte
	copy(salt[:], raw[:16])
	var nonce [24]byte
	copy(nonce[:], raw[16:40])
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(pass), salt[:], 1, 64*1024, 4, 32))

	seed, ok := secretbox.Open(nil, raw[40:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("wrong passphrase or corrupted key file")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("decrypted key has unexpected size")
	}
	return seed, nil
}

// promptPassword reads a password from the terminal without echoing.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after password input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
