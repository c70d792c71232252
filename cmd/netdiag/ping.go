package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/pkg/ping"
)

// pingConfig holds the parsed ping subcommand flags.
type pingConfig struct {
	Count   int
	Timeout time.Duration
	Size    int
	Source  string
}

func newPingCmd() *cobra.Command {
	var cfg pingConfig

	cmd := &cobra.Command{
		Use:   "ping <target>",
		Short: "send ICMP echo requests and report round-trip time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(cmd.Context(), args[0], cfg)
		},
	}

	cmd.Flags().IntVarP(&cfg.Count, "count", "c", 4, "number of echoes to send")
	cmd.Flags().DurationVarP(&cfg.Timeout, "timeout", "t", 2*time.Second, "per-echo reply timeout")
	cmd.Flags().IntVarP(&cfg.Size, "size", "s", 32, "echo payload size in bytes")
	cmd.Flags().StringVar(&cfg.Source, "source", "", "fixed source address")
	return cmd
}

func runPing(ctx context.Context, target string, cfg pingConfig) error {
	addr, err := resolveAddr(target)
	if err != nil {
		return err
	}

	b := &bind.Bind{}
	if cfg.Source != "" {
		src, err := netip.ParseAddr(cfg.Source)
		if err != nil {
			return fmt.Errorf("parse --source: %w", err)
		}
		b.Set(src)
	}

	pinger, err := ping.NewPinger(ctx, b)
	if err != nil {
		return fmt.Errorf("open pinger: %w", err)
	}
	defer pinger.Close()

	results := pinger.Ping(ctx, ping.Ping{
		Addr:   addr,
		Count:  cfg.Count,
		Expiry: cfg.Timeout,
		Size:   cfg.Size,
	})

	for r := range results {
		if r.Err != nil {
			fmt.Printf("seq=%d error=%v\n", r.Seq, r.Err)
			continue
		}
		if r.RTT == nil {
			fmt.Printf("seq=%d timeout\n", r.Seq)
			continue
		}
		fmt.Printf("seq=%d rtt=%s\n", r.Seq, r.RTT)
	}
	return nil
}

func resolveAddr(target string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(target); err == nil {
		return addr, nil
	}
	addrs, err := netLookupHost(target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", target, err)
	}
	return addrs, nil
}
