package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap/zaptest"
)

type fakeFetcher struct {
	nodes []types.Node
	err   error
}

func (f *fakeFetcher) GetNodes(context.Context) ([]types.Node, error) {
	return f.nodes, f.err
}

func (f *fakeFetcher) GetNode(_ context.Context, id string) (types.Node, error) {
	if f.err != nil {
		return types.Node{}, f.err
	}
	for _, n := range f.nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return types.Node{}, fmt.Errorf("node %s not found", id)
}

type memoryCache struct {
	nodes []types.Node
	at    time.Time
}

func (m *memoryCache) SaveNodes(_ context.Context, nodes []types.Node) error {
	m.nodes = slices.Clone(nodes)
	m.at = time.Now()
	return nil
}

func (m *memoryCache) SaveNode(_ context.Context, node types.Node) error {
	for i := range m.nodes {
		if m.nodes[i].ID == node.ID {
			m.nodes[i] = node
			return nil
		}
	}
	m.nodes = append(m.nodes, node)
	return nil
}

func (m *memoryCache) LoadNodes(context.Context) ([]types.Node, time.Time, error) {
	out := slices.Clone(m.nodes)
	for i := range out {
		out[i].Connected = false
	}
	return out, m.at, nil
}

func TestRegistryFallsBackToCache(t *testing.T) {
	fetcher := &fakeFetcher{nodes: []types.Node{
		{ID: "b", Connected: true, MaxSchedulesCount: 3},
		{ID: "a", Connected: true, MaxSchedulesCount: 3},
	}}
	cache := &memoryCache{}
	r := NewRegistry(fetcher, cache, zaptest.NewLogger(t))

	nodes, err := r.RefreshNodes(context.Background())
	if err != nil {
		t.Fatalf("RefreshNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "a" {
		t.Fatalf("nodes = %+v", nodes)
	}
	if stale, _ := r.Stale(); stale {
		t.Fatal("fresh nodes reported stale")
	}

	fetcher.err = fmt.Errorf("dial: %w", cloud.ErrNoNetwork)
	nodes, err = r.RefreshNodes(context.Background())
	if !errors.Is(err, cloud.ErrNoNetwork) {
		t.Fatalf("err = %v", err)
	}
	if len(nodes) != 2 || nodes[0].Connected {
		t.Fatalf("cached nodes = %+v", nodes)
	}
	if stale, _ := r.Stale(); !stale {
		t.Fatal("cached nodes not reported stale")
	}

	fetcher.err = cloud.ErrEmptyToken
	if _, err := r.RefreshNodes(context.Background()); !errors.Is(err, cloud.ErrEmptyToken) {
		t.Fatalf("token error swallowed: %v", err)
	}
}

func TestRegistryScheduleCount(t *testing.T) {
	fetcher := &fakeFetcher{nodes: []types.Node{{ID: "a", Connected: true, MaxSchedulesCount: 2, CurrentSchedulesCount: 1}}}
	r := NewRegistry(fetcher, nil, zaptest.NewLogger(t))
	if _, err := r.RefreshNodes(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.AdjustScheduleCount("a", 1)
	node, _ := r.Node("a")
	if node.AcceptsNewSchedule() {
		t.Fatal("node should be full")
	}
	r.AdjustScheduleCount("a", -5)
	node, _ = r.Node("a")
	if node.CurrentSchedulesCount != 0 {
		t.Fatalf("count = %d", node.CurrentSchedulesCount)
	}
	r.AdjustScheduleCount("missing", 1)
}

func TestDiscoveryMarksLocalNodes(t *testing.T) {
	fetcher := &fakeFetcher{nodes: []types.Node{{ID: "n1"}, {ID: "n2"}}}
	r := NewRegistry(fetcher, nil, zaptest.NewLogger(t))
	if _, err := r.RefreshNodes(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg := config.DiscoveryConfig{Service: "_esp_local_ctrl._tcp", Domain: "local.", BrowseTimeout: 100 * time.Millisecond}
	d := NewDiscovery(cfg, r, zaptest.NewLogger(t))
	d.browse = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			for _, e := range []*zeroconf.ServiceEntry{
				zeroconf.NewServiceEntry("n2", service, domain),
				zeroconf.NewServiceEntry("printer", "_ipp._tcp", domain),
			} {
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}

	ids, err := d.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !slices.Equal(ids, []string{"n2"}) {
		t.Fatalf("ids = %v", ids)
	}

	n1, _ := r.Node("n1")
	n2, _ := r.Node("n2")
	if n1.Reachable() || !n2.Reachable() {
		t.Fatalf("n1 reachable=%v n2 reachable=%v", n1.Reachable(), n2.Reachable())
	}

	// Local flags survive a refresh.
	if _, err := r.RefreshNodes(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n2, _ = r.Node("n2"); !n2.LocalNetwork {
		t.Fatal("local flag lost on refresh")
	}
}

func TestDiscoveryRunReportsScans(t *testing.T) {
	r := NewRegistry(&fakeFetcher{}, nil, zaptest.NewLogger(t))
	d := NewDiscovery(config.DiscoveryConfig{Service: "_esp_local_ctrl._tcp", BrowseTimeout: 20 * time.Millisecond}, r, zaptest.NewLogger(t))
	d.browse = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			select {
			case entries <- zeroconf.NewServiceEntry("n1", service, domain):
			case <-ctx.Done():
			}
		}()
		return nil
	}

	scans := make(chan []string, 1)
	d.OnScan(func(ids []string) {
		select {
		case scans <- ids:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, time.Hour)
	}()

	select {
	case ids := <-scans:
		if !slices.Equal(ids, []string{"n1"}) {
			t.Fatalf("ids = %v", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no scan reported")
	}
	cancel()
	<-done
}
