package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidefall/tact/internal/fed"
)

type rtiOptions struct {
	Listen     string
	Federation string
	Federates  []int
	Links      []string
}

// NewRTICommand creates the rti command.
func NewRTICommand(rootOpts *RootOptions) *cobra.Command {
	opts := &rtiOptions{}

	cmd := &cobra.Command{
		Use:   "rti",
		Short: "Coordinate logical time for a federation",
		Long: `RTI listens for federate connections and coordinates logical time
across them: each federate is granted a tag only once no earlier-tagged
message can still arrive over its upstream links.

Links are given as from:to[:delay], e.g. --link 0:1:10ms for a
connection from federate 0 to federate 1 with a 10ms logical delay.
A link without a delay is instantaneous.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRTI(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":15045", "address to listen on")
	cmd.Flags().StringVar(&opts.Federation, "federation", "", "federation id (UUID)")
	cmd.Flags().IntSliceVar(&opts.Federates, "federate", nil, "federate id, repeatable")
	cmd.Flags().StringSliceVar(&opts.Links, "link", nil, "upstream link as from:to[:delay], repeatable")
	_ = cmd.MarkFlagRequired("federation")
	_ = cmd.MarkFlagRequired("federate")

	return cmd
}

func parseLink(s string) (fed.Link, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return fed.Link{}, fmt.Errorf("link %q: want from:to[:delay]", s)
	}
	from, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return fed.Link{}, fmt.Errorf("link %q: bad source: %w", s, err)
	}
	to, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return fed.Link{}, fmt.Errorf("link %q: bad destination: %w", s, err)
	}
	var delay time.Duration
	if len(parts) == 3 {
		delay, err = time.ParseDuration(parts[2])
		if err != nil {
			return fed.Link{}, fmt.Errorf("link %q: bad delay: %w", s, err)
		}
		if delay < 0 {
			return fed.Link{}, fmt.Errorf("link %q: negative delay", s)
		}
	}
	return fed.Link{From: uint16(from), To: uint16(to), Delay: delay}, nil
}

func buildTopology(opts *rtiOptions) (fed.Topology, error) {
	id, err := uuid.Parse(opts.Federation)
	if err != nil {
		return fed.Topology{}, fmt.Errorf("federation id: %w", err)
	}
	topo := fed.Topology{Federation: id}
	known := make(map[uint16]bool)
	for _, f := range opts.Federates {
		if f < 0 || f > 0xFFFF {
			return fed.Topology{}, fmt.Errorf("federate id %d out of range", f)
		}
		fid := uint16(f)
		if known[fid] {
			return fed.Topology{}, fmt.Errorf("duplicate federate id %d", f)
		}
		known[fid] = true
		topo.Federates = append(topo.Federates, fid)
	}
	for _, s := range opts.Links {
		l, err := parseLink(s)
		if err != nil {
			return fed.Topology{}, err
		}
		if !known[l.From] || !known[l.To] {
			return fed.Topology{}, fmt.Errorf("link %q references an unknown federate", s)
		}
		topo.Links = append(topo.Links, l)
	}
	return topo, nil
}

func serveRTI(rootOpts *RootOptions, opts *rtiOptions, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)
	logger := rootOpts.Logger()

	topo, err := buildTopology(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeTopology, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid topology", err)
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		_ = formatter.Error(ErrCodeCoordinator, err.Error(), nil)
		return WrapExitError(ExitCommandError, "listen", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("rti listening",
		"addr", ln.Addr().String(),
		"federation", topo.Federation,
		"federates", len(topo.Federates))

	srv := fed.NewServer(topo, logger)
	err = srv.Serve(ctx, ln)
	if errors.Is(err, context.Canceled) {
		logger.Info("rti stopped by signal")
		return nil
	}
	if err != nil {
		_ = formatter.Error(ErrCodeCoordinator, err.Error(), nil)
		return WrapExitError(ExitFailure, "rti", err)
	}
	return nil
}
