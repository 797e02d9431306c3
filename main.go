// Command pclink is the host-resident remote-control daemon: it runs the
// TLS API server, broadcasts discovery beacons, and mediates device pairing.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/BYTEDz/PCLink/internal/auth/hash"
	"github.com/BYTEDz/PCLink/internal/config"
	"github.com/BYTEDz/PCLink/internal/discovery"
	"github.com/BYTEDz/PCLink/internal/instance"
	"github.com/BYTEDz/PCLink/internal/server"
)

// Exit codes part of the CLI contract.
const (
	exitOK          = 0
	exitError       = 1
	exitAlreadyRuns = 2
	exitConfigError = 3
)

func main() {
	startup := flag.Bool("startup", false, "run as a login item: no browser, log to file only")
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "start"
	}

	dataDir, err := config.DataDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot resolve data directory:", err)
		os.Exit(exitConfigError)
	}

	var code int
	switch cmd {
	case "start":
		code = cmdStart(dataDir, *startup)
	case "stop":
		code = cmdSignal(dataDir, "/server/shutdown")
	case "restart":
		code = cmdSignal(dataDir, "/server/restart")
	case "status":
		code = cmdStatus(dataDir)
	case "logs":
		code = cmdLogs(dataDir)
	case "qr":
		code = cmdQR(dataDir, true)
	case "pair":
		code = cmdQR(dataDir, false)
	case "setup":
		code = cmdSetup(dataDir)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		code = exitError
	}
	os.Exit(code)
}

func newLogger(dataDir string, startup bool, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logPath := filepath.Join(dataDir, "logs", "pclink.log")
	_ = os.MkdirAll(filepath.Dir(logPath), 0o700)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	var w io.Writer = f
	if !startup {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func cmdStart(dataDir string, startup bool) int {
	lock, err := instance.Acquire(dataDir)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "pclink is already running")
			return exitAlreadyRuns
		}
		fmt.Fprintln(os.Stderr, "instance lock:", err)
		return exitError
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Peek at the config for the log level before wiring the app.
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		return exitConfigError
	}
	log := newLogger(dataDir, startup, cfg.Snapshot().Level())

	app, err := server.NewApp(dataDir, log, cancel)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return exitConfigError
	}

	ln := server.NewListener(app)
	if err := ln.Start(); err != nil {
		log.Error().Err(err).Msg("could not bind listener")
		return exitConfigError
	}

	beacon := discovery.New(app, app.Config.Snapshot().DiscoveryPort, log)
	go beacon.Run(ctx)
	app.Transfer.StartCleanup(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = ln.Stop(stopCtx)
	return exitOK
}

// localClient returns an HTTPS client that pins the local instance's cert
// fingerprint instead of trusting any CA.
func localClient(dataDir string) (*http.Client, string, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, server.PortFile))
	if err != nil {
		return nil, "", errors.New("pclink does not appear to be running")
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || port <= 0 {
		return nil, "", errors.New("stale port file")
	}
	want, err := localFingerprint(dataDir)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					return verifyFingerprint(rawCerts, want)
				},
			},
		},
	}
	return client, fmt.Sprintf("https://127.0.0.1:%d", port), nil
}

func localFingerprint(dataDir string) (string, error) {
	pemBytes, err := os.ReadFile(filepath.Join(dataDir, "cert.pem"))
	if err != nil {
		return "", err
	}
	return fingerprintFromPEM(pemBytes)
}

func apiKey(dataDir string) string {
	raw, err := os.ReadFile(filepath.Join(dataDir, "api_key"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func cmdSignal(dataDir, path string) int {
	client, base, err := localClient(dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	req, _ := http.NewRequest(http.MethodPost, base+path, nil)
	req.Header.Set("X-API-Key", apiKey(dataDir))
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "server responded %d: %s\n", resp.StatusCode, body)
		return exitError
	}
	fmt.Println("ok")
	return exitOK
}

func cmdStatus(dataDir string) int {
	client, base, err := localClient(dataDir)
	if err != nil {
		fmt.Println("stopped")
		return exitOK
	}
	resp, err := client.Get(base + "/status")
	if err != nil {
		fmt.Println("stopped")
		return exitOK
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintln(os.Stderr, "bad status response:", err)
		return exitError
	}
	out, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

func cmdLogs(dataDir string) int {
	path := filepath.Join(dataDir, "logs", "pclink.log")
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no log file at", path)
		return exitError
	}
	defer f.Close()
	if _, err := io.Copy(os.Stdout, f); err != nil {
		return exitError
	}
	return exitOK
}

// cmdQR prints the pairing bootstrap payload, rendered as a terminal QR
// code (qr) or as raw JSON (pair).
func cmdQR(dataDir string, render bool) int {
	client, base, err := localClient(dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	resp, err := client.Get(base + "/qr-payload")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exitError
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "server responded %d: %s\n", resp.StatusCode, body)
		return exitError
	}
	if !render {
		fmt.Println(string(body))
		return exitOK
	}
	qr, err := qrcode.New(string(body), qrcode.Medium)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qr encode:", err)
		return exitError
	}
	fmt.Print(qr.ToSmallString(false))
	return exitOK
}

// cmdSetup sets the operator password directly in the config store, for
// headless hosts where the browser wizard is unavailable.
func cmdSetup(dataDir string) int {
	cfg, err := config.Load(dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfigError
	}
	fmt.Print("New operator password: ")
	reader := bufio.NewReader(os.Stdin)
	pw, err := reader.ReadString('\n')
	if err != nil {
		return exitError
	}
	pw = strings.TrimRight(pw, "\r\n")
	if len(pw) < 8 {
		fmt.Fprintln(os.Stderr, "password must be at least 8 characters")
		return exitError
	}
	phc, err := hash.Password(pw)
	if err != nil {
		return exitError
	}
	if err := cfg.Update(func(s *config.Settings) {
		s.PasswordHash = phc
		s.SetupComplete = true
		s.MobileAPIEnabled = true
	}); err != nil {
		fmt.Fprintln(os.Stderr, "persist:", err)
		return exitError
	}
	fmt.Println("setup complete")
	return exitOK
}

func verifyFingerprint(rawCerts [][]byte, want string) error {
	if len(rawCerts) == 0 {
		return errors.New("no peer certificate")
	}
	sum := sha256.Sum256(rawCerts[0])
	if hex.EncodeToString(sum[:]) != want {
		return errors.New("certificate fingerprint mismatch")
	}
	return nil
}

func fingerprintFromPEM(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", errors.New("cert.pem is not PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}
