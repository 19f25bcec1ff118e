// dedupd-keymgr is the optional key-manager: a standalone service that
// answers per-chunk key derivation requests from upload servers, in
// either plain convergent (DupLESS-style) or frequency-smoothed
// (TED-style) mode.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dedupd/internal/crypto"
	"dedupd/internal/keyoracle"
	"dedupd/internal/observability"
	"dedupd/internal/transport"
	"dedupd/internal/wire"
)

const version = "1.0.0"

var (
	secretPath string
	listenAddr string
	mode       int
	smoothing  uint64
	noPass     bool
)

func main() {
	root := &cobra.Command{
		Use:     "dedupd-keymgr",
		Short:   "Key manager for convergent-encryption key derivation",
		Version: version,
	}
	root.PersistentFlags().StringVar(&secretPath, "secret", "./data/keymgr/oracle.key", "path to the sealed oracle secret")

	initCmd := &cobra.Command{
		Use:   "init-secret",
		Short: "Generate and seal a fresh oracle secret",
		RunE:  runInitSecret,
	}
	initCmd.Flags().BoolVar(&noPass, "no-passphrase", false, "store the secret unencrypted (testing only)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer key derivation requests",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":9877", "listen address")
	serveCmd.Flags().IntVarP(&mode, "mode", "m", 3, "derivation mode: 2=TED (frequency-smoothed), 3=DupLESS (plain convergent)")
	serveCmd.Flags().Uint64Var(&smoothing, "smoothing", 16, "TED smoothing threshold (requests in the first key epoch)")

	root.AddCommand(initCmd, serveCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	p, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		c, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read confirmation: %w", err)
		}
		if string(p) != string(c) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(p), nil
}

func runInitSecret(cmd *cobra.Command, args []string) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	passphrase := ""
	if !noPass {
		var err error
		passphrase, err = promptPassphrase(true)
		if err != nil {
			return err
		}
	}
	if err := crypto.SaveKey(secret, secretPath, passphrase); err != nil {
		return err
	}
	fmt.Printf("oracle secret sealed to %s\n", secretPath)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := observability.NewLogger("dedupd-keymgr", version, os.Stdout)

	path := secretPath
	passphrase := ""
	if _, err := os.Stat(path + ".insecure"); err == nil {
		path += ".insecure"
	} else {
		passphrase, err = promptPassphrase(false)
		if err != nil {
			return err
		}
	}
	secret, err := crypto.LoadKey(path, passphrase)
	if err != nil {
		return fmt.Errorf("load oracle secret (run init-secret first?): %w", err)
	}

	var oracle keyoracle.Oracle
	switch mode {
	case 2:
		oracle = keyoracle.NewTEDOracle(secret, smoothing)
		logger.Info(fmt.Sprintf("TED mode, smoothing threshold %d", smoothing))
	case 3:
		oracle = keyoracle.NewLocalOracle(secret)
		logger.Info("DupLESS mode, plain convergent derivation")
	default:
		return fmt.Errorf("unknown mode %d", mode)
	}

	listener, err := transport.ListenTCP(listenAddr)
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Info("dedupd-keymgr listening on " + listener.Addr().String())

	ctx := context.Background()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		go serveConn(conn, oracle, logger)
	}
}

// serveConn answers keygen requests on one connection until the peer
// closes it.
func serveConn(conn transport.Conn, oracle keyoracle.Oracle, logger *observability.Logger) {
	defer conn.Close()
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if f.Header.MessageType != wire.ClientKeyGen || len(f.Payload) != 32 {
			logger.Warn(fmt.Sprintf("dropping connection: unexpected frame %s", f.Header.MessageType))
			return
		}
		var fp [32]byte
		copy(fp[:], f.Payload)

		key, err := oracle.DeriveKey(fp)
		if err != nil {
			logger.Error(err, "key derivation failed")
			return
		}
		h := wire.Header{MessageType: wire.KeyManagerKeyGenReply, ClientID: f.Header.ClientID}
		if err := wire.WriteFrame(conn, h, key[:]); err != nil {
			return
		}
	}
}
