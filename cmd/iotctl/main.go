package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"iotdc/internal/config"
	"iotdc/internal/dispatch"
	"iotdc/internal/message"
	"iotdc/internal/observability/logging"
	"iotdc/internal/observability/metrics"
	"iotdc/internal/trust"
	"iotdc/pkg/device"
)

// deviceClient is the slice of the device API this tool drives. Both the
// directly connected device and the gateway satisfy it.
type deviceClient interface {
	Activate(ctx context.Context, modelURNs ...string) error
	EndpointID() string
	Send(m device.Message) error
	Receive() (device.Message, bool)
	Counters() *dispatch.Counters
	Close() error
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	// A .env next to the binary is optional; the environment wins.
	_ = godotenv.Load()
	metrics.MustRegister()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "provision":
		err = runProvision(args)
	case "show":
		err = runShow(args)
	case "activate":
		err = runActivate(args)
	case "send":
		err = runSend(args)
	case "listen":
		err = runListen(args)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  provision   Create a trusted assets store for a device")
	fmt.Fprintln(os.Stderr, "  show        Print the non-secret contents of a store")
	fmt.Fprintln(os.Stderr, "  activate    Enroll the device with the cloud")
	fmt.Fprintln(os.Stderr, "  send        Queue one data message and wait for delivery")
	fmt.Fprintln(os.Stderr, "  listen      Poll for inbound messages until interrupted")
	os.Exit(2)
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Config{
		ServiceName: "iotctl",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
}

func newClient(cfg config.Config, logger *slog.Logger) (deviceClient, error) {
	if cfg.GatewayMode {
		return device.NewGateway(cfg, logger)
	}
	return device.New(cfg, logger)
}

func runProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Load()
	path := fs.String("store", cfg.TrustStorePath, "trusted assets store path")
	password := fs.String("password", cfg.TrustStorePassword, "store password")
	clientID := fs.String("client-id", "", "activation id assigned by the cloud")
	secret := fs.String("secret", "", "activation shared secret")
	server := fs.String("server", "", "server URI, e.g. https://host:443 or mqtts://host:8883")
	anchors := fs.String("anchors", "", "PEM file with server trust anchors (optional)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" || *clientID == "" || *secret == "" || *server == "" {
		return fmt.Errorf("password, client-id, secret and server are required")
	}

	assets, err := trust.AssetsFromURI(*server)
	if err != nil {
		return err
	}
	assets.ClientID = *clientID
	assets.SharedSecret = *secret
	if *anchors != "" {
		pemBytes, err := os.ReadFile(*anchors)
		if err != nil {
			return err
		}
		assets.TrustAnchors = []string{string(pemBytes)}
	}

	if _, err := trust.Provision(*path, *password, assets); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"store":    *path,
		"clientId": *clientID,
		"server":   *server,
	})
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Load()
	path := fs.String("store", cfg.TrustStorePath, "trusted assets store path")
	password := fs.String("password", cfg.TrustStorePassword, "store password")

	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := trust.Open(*path, *password)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"clientId":   store.ClientID(),
		"server":     store.ServerURI(),
		"activated":  store.IsActivated(),
		"endpointId": store.EndpointID(),
	})
}

func runActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Load()
	overrideStore(fs, &cfg)
	models := fs.String("models", "", "comma-separated device model URNs")

	if err := fs.Parse(args); err != nil {
		return err
	}
	urns := splitList(*models)
	if len(urns) == 0 {
		return fmt.Errorf("at least one device model URN is required")
	}

	d, err := newClient(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeQuietly(d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.HTTPTimeout)
	defer cancel()
	if err := d.Activate(ctx, urns...); err != nil {
		return err
	}
	return printJSON(map[string]any{"endpointId": d.EndpointID()})
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Load()
	overrideStore(fs, &cfg)
	format := fs.String("format", "", "data format URN")
	dataJSON := fs.String("data", "{}", "payload data as a JSON object")
	timeout := fs.Duration("timeout", 30*time.Second, "how long to wait for delivery")

	if err := fs.Parse(args); err != nil {
		return err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(*dataJSON), &data); err != nil {
		return fmt.Errorf("data is not a JSON object: %w", err)
	}

	d, err := newClient(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeQuietly(d)

	b := message.NewBuilder().
		Source(d.EndpointID()).
		Type(message.TypeData)
	if *format != "" {
		b.Format(*format)
	}
	for k, v := range data {
		b.DataItem(k, v)
	}
	if err := d.Send(b.Build()); err != nil {
		return err
	}
	if err := waitForDelivery(d, *timeout); err != nil {
		return err
	}
	return printJSON(d.Counters().Snapshot())
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	cfg := config.Load()
	overrideStore(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := newClient(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer closeQuietly(d)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.MessagePollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				m, ok := d.Receive()
				if !ok {
					break
				}
				if err := printJSON(m); err != nil {
					return err
				}
			}
		}
	}
}

// waitForDelivery polls the delivery counters until the queued message is
// either sent or the deadline passes.
func waitForDelivery(d deviceClient, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := d.Counters().Snapshot()
		if sent, ok := snap["totalMessagesSent"].(int64); ok && sent > 0 {
			return nil
		}
		if errs, ok := snap["totalProtocolErrors"].(int64); ok && errs > 0 {
			return fmt.Errorf("delivery failed after %d protocol errors", errs)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("message not delivered within %s", timeout)
}

func overrideStore(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.TrustStorePath, "store", cfg.TrustStorePath, "trusted assets store path")
	fs.StringVar(&cfg.TrustStorePassword, "password", cfg.TrustStorePassword, "store password")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func closeQuietly(d deviceClient) {
	if err := d.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close: %v\n", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
