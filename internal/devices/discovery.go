package devices

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Discovery browses mDNS for nodes offering local control. Nodes advertise
// their node id as the instance name.
type Discovery struct {
	cfg      config.DiscoveryConfig
	registry *Registry
	browse   browseFunc
	onScan   func(nodeIDs []string)
	logger   *zap.Logger
}

func NewDiscovery(cfg config.DiscoveryConfig, registry *Registry, logger *zap.Logger) *Discovery {
	return &Discovery{
		cfg:      cfg,
		registry: registry,
		browse:   zeroconfBrowse,
		logger:   logger,
	}
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize zeroconf resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Scan browses for the configured timeout and marks the nodes found as
// reachable on the local network.
func (d *Discovery) Scan(ctx context.Context) ([]string, error) {
	timeout := d.cfg.BrowseTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found = make(map[string]bool)
	)
	entries := make(chan *zeroconf.ServiceEntry, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil || entry.Instance == "" {
					continue
				}
				// Filter-out spurious candidates
				if !strings.Contains(entry.Service, strings.TrimSuffix(d.cfg.Service, ".")) {
					continue
				}
				mu.Lock()
				found[entry.Instance] = true
				mu.Unlock()
			}
		}
	}()

	if err := d.browse(ctx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("failed to browse %s: %w", d.cfg.Service, err)
	}

	<-ctx.Done()
	<-done

	mu.Lock()
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	mu.Unlock()
	sort.Strings(ids)

	d.registry.MarkLocal(ids)
	d.logger.Debug("Local network scan finished", zap.Strings("nodes", ids))
	return ids, nil
}

// OnScan registers f to receive the node ids found by each successful scan.
func (d *Discovery) OnScan(f func(nodeIDs []string)) {
	d.onScan = f
}

// Run scans every interval until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ids, err := d.Scan(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Warn("Local network scan failed", zap.Error(err))
		case err == nil && d.onScan != nil:
			d.onScan(ids)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
