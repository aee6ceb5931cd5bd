package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cms-dev/cms-sub006/internal/config"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <service> [shard]",
		Short: "Echo against a service coordinate over RPC",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord := config.ServiceCoord{Name: args[0]}
			if len(args) == 2 {
				shard, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("bad shard %q: %w", args[1], err)
				}
				coord.Shard = shard
			}

			remote, stop, err := dialRemote(coord)
			if err != nil {
				return err
			}
			defer stop()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			start := time.Now()
			reply, err := remote.CallSync(ctx, "echo", map[string]any{"string": "ping"})
			if err != nil {
				return fmt.Errorf("echo %s: %w", coord, err)
			}
			if reply != "ping" {
				return fmt.Errorf("echo %s: unexpected reply %v", coord, reply)
			}
			fmt.Printf("%s: ok (%s)\n", coord, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
