package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/rpc"
)

// dialRemote starts a short-lived outbound-only RPC service and connects it
// to coord. The returned stop function tears the connection down.
func dialRemote(coord config.ServiceCoord) (*rpc.RemoteService, func(), error) {
	if flagConfig == "" {
		return nil, nil, fmt.Errorf("RPC commands need --config (or CMS_CONFIG) pointing at the cluster address file")
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	svc := rpc.New(config.ServiceCoord{Name: "cmsctl"}, cfg, logger, rpc.Options{
		ReconnectInterval: 500 * time.Millisecond,
	})
	remote, err := svc.ConnectTo(coord)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", coord, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}

	deadline := time.Now().Add(5 * time.Second)
	for !remote.Connected() {
		if time.Now().After(deadline) {
			stop()
			return nil, nil, fmt.Errorf("%s is not reachable", coord)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return remote, stop, nil
}
