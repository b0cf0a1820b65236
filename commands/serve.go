package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"cachepeers/config"
	"cachepeers/datastore/leveldb"
	"cachepeers/helper/timer"
	"cachepeers/metrics"
	"cachepeers/net/crpc"
	"cachepeers/swarm/node"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func RunServe(ctx context.Context, cfg *config.Config) error {
	d, err := cfg.Validate()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Create the CRPC server and listener
	rpcl, err := net.Listen("tcp", cfg.Node.RPCListenAddress)
	if err != nil {
		return err
	}
	rsrv := crpc.NewServer(rpcl)
	log.Infof("RPC server listening on %s", rsrv.Addr())

	n, err := node.New(node.Options{
		HeartbeatInterval: d.HeartbeatInterval,
		PeerAddresses:     d.PeerAddresses,
		PeerPorts:         d.PeerPorts,
		HostAddress:       d.HostAddress,
		AdvertiseAddress:  cfg.Node.RPCAdvertiseAddress,
		Caches:            cfg.Node.Caches,
		Metrics:           m,
		Workers:           cfg.Discovery.Workers,
	}, rsrv)
	if err != nil {
		rpcl.Close()
		return err
	}
	defer n.Close()

	var pidx *leveldb.PeerIndex
	if cfg.DataStore.SnapshotInterval > 0 {
		if pidx, err = leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath); err != nil {
			return err
		}
		defer pidx.Close()
	}

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Run(cctx)
	})

	if pidx != nil {
		wg.Go(func() error {
			interval := &timer.Interval{
				Duration: time.Duration(cfg.DataStore.SnapshotInterval) * time.Millisecond,
			}
			err := timer.RunWithTicker(cctx, nil, interval, n.Snapshotter(pidx))
			if cctx.Err() != nil {
				// Last state before shutting down
				return n.SnapshotTo(pidx)
			}
			return err
		})
	}

	if cfg.Metrics.ListenAddress != "" {
		srv := &http.Server{
			Addr:    cfg.Metrics.ListenAddress,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}
		wg.Go(func() error {
			log.Infof("Serving metrics on http://%s/metrics", cfg.Metrics.ListenAddress)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		wg.Go(func() error {
			<-cctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Infof("Cluster expected to form within %v", n.TimeForClusterToForm())

	return wg.Wait()
}
