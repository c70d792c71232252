package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/pkg/knock"
)

type knockConfig struct {
	Port    int
	Count   int
	Timeout time.Duration
	Source  string
}

func newKnockCmd() *cobra.Command {
	var cfg knockConfig

	cmd := &cobra.Command{
		Use:   "knock <target>",
		Short: "send TCP SYN probes and report whether a SYN+ACK comes back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKnock(cmd.Context(), args[0], cfg)
		},
	}

	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 443, "destination port")
	cmd.Flags().IntVarP(&cfg.Count, "count", "c", 4, "number of probes to send")
	cmd.Flags().DurationVarP(&cfg.Timeout, "timeout", "t", 2*time.Second, "per-probe reply timeout")
	cmd.Flags().StringVar(&cfg.Source, "source", "", "fixed source address")
	return cmd
}

func runKnock(ctx context.Context, target string, cfg knockConfig) error {
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

	knocker, err := knock.NewKnocker(ctx, b)
	if err != nil {
		return fmt.Errorf("open knocker: %w", err)
	}
	defer knocker.Close()

	results := knocker.Knock(ctx, knock.Knock{
		Addr:   addr,
		Port:   uint16(cfg.Port),
		Count:  cfg.Count,
		Expiry: cfg.Timeout,
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
