package commands

import (
	"context"
	"flock/config"
	"flock/datastore/leveldb"
	"flock/oid"
	"flock/swarm/node"
	"flock/telemetry"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var Version = "dev"

type ServeOptions struct {
	Units int // Number of units hosted by this process, on consecutive ports
}

// RunServe runs one or more units until SIGINT or SIGTERM.
func RunServe(ctx context.Context, cfg *config.Config, opts ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(Version)

	units := max(opts.Units, 1)
	if err := cfg.CheckPortRange(units); err != nil {
		return err
	}
	nodes := make([]*node.Node, 0, units)
	for i := 0; i < units; i++ {
		ucfg := unitConfig(cfg, i, units, nodes)

		var nodeOpts []node.Option
		var journal *leveldb.Journal
		if ucfg.DataStore.JournalPath != "" {
			j, err := leveldb.NewJournal(ucfg.DataStore.JournalPath)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			journal = j
			nodeOpts = append(nodeOpts, node.WithJournal(j))
		}

		n, err := node.New(ucfg, nodeOpts...)
		if err != nil {
			if journal != nil {
				journal.Close()
			}
			for _, started := range nodes {
				started.Shutdown()
			}
			return err
		}
		nodes = append(nodes, n)
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		for _, n := range nodes {
			n.Shutdown()
		}
	}()

	wg := new(errgroup.Group)
	for _, n := range nodes {
		wg.Go(func() error {
			return n.Run(ctx)
		})
	}
	return wg.Wait()
}

// unitConfig derives the configuration of the i-th of n locally hosted units.
// Extra units take the following ports, seed from the first unit and get random identities
// and signing keys.
func unitConfig(cfg *config.Config, i int, n int, started []*node.Node) *config.Config {
	ucfg := *cfg
	if n > 1 && cfg.DataStore.JournalPath != "" {
		ucfg.DataStore.JournalPath = filepath.Join(cfg.DataStore.JournalPath, "unit-"+strconv.Itoa(i))
	}
	if i == 0 {
		return &ucfg
	}

	ucfg.Node.UnitID = oid.Oid{}
	ucfg.Node.Key = config.PrivKey{}
	if cfg.Network.Port != 0 {
		ucfg.Network.Port = cfg.Network.Port + uint16(i)
	}
	ucfg.Network.AdvertisedAddress = ""
	ucfg.Network.MetricsListenAddress = ""
	ucfg.Network.Seeds = append([]string{started[0].Addr()}, cfg.Network.Seeds...)
	return &ucfg
}
