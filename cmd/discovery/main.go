package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/johnpr01/tplink-client/pkg/discovery"
	"github.com/johnpr01/tplink-client/pkg/tapo"
)

func main() {
	var (
		mode       = flag.String("mode", "discover", "Mode: discover (broadcast), single (one host, with brute-force fallback)")
		host       = flag.String("host", "", "Target host for -mode single")
		username   = flag.String("username", "", "Credentials for -mode single brute-force fallback")
		password   = flag.String("password", "", "Credentials for -mode single brute-force fallback")
		packets    = flag.Int("packets", discovery.DefaultPacketCount, "Probe rounds per port")
		timeout    = flag.Duration("timeout", discovery.DefaultTimeout, "Discovery listen window")
		jsonOutput = flag.Bool("json", false, "JSON output format")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[discovery] ", log.LstdFlags)

	switch *mode {
	case "discover":
		runDiscover(*packets, *timeout, *jsonOutput, logger)
	case "single":
		runSingle(*host, *username, *password, *timeout, *jsonOutput, logger)
	default:
		fmt.Printf("unknown mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

func runDiscover(packets int, timeout time.Duration, jsonOutput bool, logger *log.Logger) {
	mgr := discovery.NewManager(discovery.Config{
		PacketCount: packets,
		Timeout:     timeout,
		Logger:      logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	replies, err := mgr.Discover(ctx)
	if err != nil {
		logger.Fatalf("discover: %v", err)
	}

	buckets := discovery.AssembleAll(replies)

	if jsonOutput {
		printJSON(buckets)
		return
	}

	for ip, cfg := range buckets.Devices {
		fmt.Printf("%-15s  %-24s  encryption=%-5s https=%v\n", ip, cfg.ConnectionType.DeviceFamily, cfg.ConnectionType.Encryption, cfg.ConnectionType.HTTPS)
	}
	for ip, rawType := range buckets.Unsupported {
		fmt.Printf("%-15s  unsupported device_type=%q\n", ip, rawType)
	}
	for ip, err := range buckets.Invalid {
		fmt.Printf("%-15s  invalid reply: %v\n", ip, err)
	}
	fmt.Printf("\n%d device(s), %d unsupported, %d invalid\n", len(buckets.Devices), len(buckets.Unsupported), len(buckets.Invalid))
}

func runSingle(host, username, password string, timeout time.Duration, jsonOutput bool, logger *log.Logger) {
	if host == "" {
		logger.Fatal("single mode requires -host")
	}

	mgr := discovery.NewManager(discovery.Config{Timeout: timeout, Logger: logger})
	creds := tapo.Credentials{Username: username, Password: password}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()

	cfg, err := discovery.DiscoverSingle(ctx, mgr, host, creds, timeout)
	if err != nil {
		switch e := err.(type) {
		case *discovery.ErrRequiresAuth:
			fmt.Printf("%-15s  requires authentication (stub id=%s)\n", e.Stub.IP, e.Stub.ID)
			return
		case *discovery.ErrConnectTimeout:
			fmt.Printf("%-15s  timed out on every candidate (stub id=%s)\n", e.Stub.IP, e.Stub.ID)
			return
		}
		logger.Fatalf("discover single %s: %v", host, err)
	}

	if jsonOutput {
		printJSON(cfg)
		return
	}
	fmt.Printf("%-15s  %-24s  encryption=%-5s https=%v\n", cfg.Host, cfg.ConnectionType.DeviceFamily, cfg.ConnectionType.Encryption, cfg.ConnectionType.HTTPS)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}
