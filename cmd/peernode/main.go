// Command peernode is a runnable example wiring every piece of the
// stack together: keystore, authenticator, transport, a single remote
// peer, the pipeline and the admin API. Grounded on
// cmd/peer_mockup/main.go's overall shape (flag-parsed two-peer demo,
// context.WithCancel + OS signal handling, a ticker driving periodic
// work), substituted with Stack.Service as the tick instead of a raw
// core.Core message loop.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfix/gospel/logger"

	"pstack/admin"
	"pstack/config"
	"pstack/crypto"
	"pstack/keystore"
	"pstack/stack"
)

func main() {
	var (
		name         string
		baseDir      string
		bindHost     string
		bindPort     int
		seedHex      string
		passphrase   string
		restricted   bool
		adminAddr    string
		peerName     string
		peerAddr     string
		peerVerifHex string
		peerEnc      string
		tickEvery    time.Duration
	)
	flag.StringVar(&name, "name", "node", "this node's stable name")
	flag.StringVar(&baseDir, "base", "./keys", "key-store base directory")
	flag.StringVar(&bindHost, "host", "127.0.0.1", "listener bind host")
	flag.IntVar(&bindPort, "port", 9001, "listener bind port")
	flag.StringVar(&seedHex, "seed", "", "64-char hex seed (generated keys are deterministic from it)")
	flag.StringVar(&passphrase, "passphrase", "", "optional at-rest secret-key passphrase")
	flag.BoolVar(&restricted, "restricted", false, "start in restricted (allowlist-only) mode")
	flag.StringVar(&adminAddr, "admin", "", "operator HTTP API bind address, empty disables it")
	flag.StringVar(&peerName, "peer-name", "", "name of one peer to connect to at startup")
	flag.StringVar(&peerAddr, "peer-addr", "", "host:port of that peer")
	flag.StringVar(&peerVerifHex, "peer-verify", "", "hex-encoded signing public key of that peer")
	flag.StringVar(&peerEnc, "peer-enc", "", "hex-encoded encryption public key of that peer")
	flag.DurationVar(&tickEvery, "tick", 200*time.Millisecond, "Service() polling interval")
	flag.Parse()

	if seedHex == "" {
		fmt.Fprintln(os.Stderr, "peernode: -seed is required (64 hex chars)")
		os.Exit(1)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != crypto.SeedSize {
		fmt.Fprintln(os.Stderr, "peernode: -seed must be a 64-char hex string")
		os.Exit(1)
	}

	ks := keystore.New(name, baseDir)
	if passphrase != "" {
		ks.WithPassphrase(passphrase)
	}
	if !ks.AreKeysSetup() {
		if _, _, err := ks.InitLocalKeys(seed, false); err != nil {
			fmt.Fprintf(os.Stderr, "peernode: key generation failed: %v\n", err)
			os.Exit(1)
		}
	}
	signing, err := ks.LoadLocalSigningKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "peernode: loading signing key failed: %v\n", err)
		os.Exit(1)
	}
	encKeys, err := ks.LoadLocalEncryptionKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "peernode: loading encryption key failed: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Defaults()
	cfg.Name = name
	cfg.BaseDir = baseDir
	cfg.BindHost = bindHost
	cfg.BindPort = bindPort
	cfg.Restricted = restricted

	s := stack.New(cfg, ks, signing, encKeys)
	s.Handler = func(msg any, source string) {
		logger.Printf(logger.INFO, "[peernode] %s: %v\n", source, msg)
	}
	s.RejectHandler = func(reason, source string) {
		logger.Printf(logger.WARN, "[peernode] rejected frame from %s: %s\n", source, reason)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(restricted, false); err != nil {
		fmt.Fprintf(os.Stderr, "peernode: Start failed: %v\n", err)
		os.Exit(1)
	}
	defer s.Stop()

	fmt.Println("======================================================================")
	fmt.Printf("peer node %q listening on %s:%d (restricted=%v)\n", name, bindHost, bindPort, restricted)
	fmt.Println("======================================================================")

	if peerName != "" {
		var verifRaw, encRaw []byte
		if peerVerifHex != "" {
			if verifRaw, err = hex.DecodeString(peerVerifHex); err != nil {
				fmt.Fprintf(os.Stderr, "peernode: bad -peer-verify: %v\n", err)
				os.Exit(1)
			}
		}
		if peerEnc != "" {
			if encRaw, err = hex.DecodeString(peerEnc); err != nil {
				fmt.Fprintf(os.Stderr, "peernode: bad -peer-enc: %v\n", err)
				os.Exit(1)
			}
		}
		if _, err := s.ConnectTo(peerName, peerAddr, verifRaw, encRaw); err != nil {
			logger.Printf(logger.ERROR, "[peernode] ConnectTo(%s) failed: %v\n", peerName, err)
		}
	}

	if adminAddr != "" {
		api := admin.New(s)
		api.Start(ctx, adminAddr)
	}

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh)
	tick := time.NewTicker(tickEvery)
	defer tick.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Printf(logger.INFO, "[peernode] terminating on signal %s\n", sig)
				break loop
			case syscall.SIGHUP:
				logger.Println(logger.INFO, "[peernode] SIGHUP")
			default:
				// ignore everything else
			}
		case <-tick.C:
			s.Service(0)
		}
	}
	cancel()
}
