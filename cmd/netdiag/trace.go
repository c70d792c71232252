package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/pkg/trace"
)

type traceConfig struct {
	Protocol string
	Port     int
	Probes   int
	MaxHops  int
	Timeout  time.Duration
	Source   string
}

func newTraceCmd() *cobra.Command {
	var cfg traceConfig

	cmd := &cobra.Command{
		Use:   "trace <target>",
		Short: "trace the path to target, ttl hop by ttl hop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), args[0], cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Protocol, "proto", "icmp", "probe protocol: icmp, tcp, or udp")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 33434, "destination port for tcp/udp probes")
	cmd.Flags().IntVar(&cfg.Probes, "probes", 3, "probes per ttl")
	cmd.Flags().IntVarP(&cfg.MaxHops, "max-hops", "m", 30, "maximum ttl")
	cmd.Flags().DurationVarP(&cfg.Timeout, "timeout", "t", 2*time.Second, "per-probe reply timeout")
	cmd.Flags().StringVar(&cfg.Source, "source", "", "fixed source address")
	return cmd
}

func runTrace(ctx context.Context, target string, cfg traceConfig) error {
	addr, err := resolveAddr(target)
	if err != nil {
		return err
	}

	var proto trace.Protocol
	switch cfg.Protocol {
	case "icmp":
		proto = trace.ICMPProtocol()
	case "tcp":
		proto = trace.TCPProtocol(uint16(cfg.Port))
	case "udp":
		proto = trace.UDPProtocol(uint16(cfg.Port))
	default:
		return fmt.Errorf("unknown --proto %q (want icmp, tcp, or udp)", cfg.Protocol)
	}

	b := &bind.Bind{}
	if cfg.Source != "" {
		src, err := netip.ParseAddr(cfg.Source)
		if err != nil {
			return fmt.Errorf("parse --source: %w", err)
		}
		b.Set(src)
	}

	tracer, err := trace.NewTracer(ctx, b)
	if err != nil {
		return fmt.Errorf("open tracer: %w", err)
	}
	defer tracer.Close()

	hops, err := tracer.Route(ctx, trace.Trace{
		Proto:  proto,
		Addr:   addr,
		Probes: cfg.Probes,
		Limit:  cfg.MaxHops,
		Expiry: cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}

	for _, nodes := range hops {
		printHop(nodes)
	}
	return nil
}

func printHop(nodes []trace.Node) {
	if len(nodes) == 0 {
		return
	}
	fmt.Printf("%2d ", nodes[0].TTL)
	for _, n := range nodes {
		if !n.Reached {
			fmt.Print(" *")
			continue
		}
		fmt.Printf(" %s (%s)", n.Addr, n.RTT)
	}
	fmt.Println()
}
