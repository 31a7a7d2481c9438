package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/sudorandom/latency-stream/pkg/archive"
	"github.com/sudorandom/latency-stream/pkg/feed"
	"github.com/sudorandom/latency-stream/pkg/peerstore"
	"github.com/sudorandom/latency-stream/pkg/series"
)

type Globals struct {
	Server string   `help:"Latency service to read from." default:"http://localhost:8000" env:"LATENCY_SERVER"`
	Only   []string `help:"Only use peers whose name or address contains one of these."`
}

type RecordCmd struct {
	Archive      string        `help:"Badger archive to write to." type:"path" default:"data/archive"`
	Keep         time.Duration `help:"How long samples are kept." default:"672h"`
	Backfill     time.Duration `help:"History imported from the service at startup." default:"1h"`
	ReconnectMin time.Duration `help:"First delay before resubscribing. Zero retries immediately." default:"1s"`
	ReconnectMax time.Duration `help:"Longest delay between resubscribe attempts." default:"60s"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address."`
}

type PeersCmd struct{}

type ExportCmd struct {
	Archive string `help:"Badger archive to read from." type:"path" default:"data/archive"`
	Output  string `help:"Write to this file instead of stdout." type:"path" short:"o"`
}

var cli struct {
	Globals

	Record RecordCmd `cmd:"" help:"Record live samples of every peer into the archive."`
	Peers  PeersCmd  `cmd:"" help:"List peers with their stats."`
	Export ExportCmd `cmd:"" help:"Dump the archive as JSON lines."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("latency-recorder"),
		kong.Description("Keeps a local archive of latency samples."),
		kong.Configuration(kong.JSON, "~/.config/latency-stream/config.json", "./latency-stream.json"),
		kong.UsageOnError(),
	)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func loadPeers(ctx context.Context, g *Globals) (*peerstore.Client, []peerstore.Peer, error) {
	client, err := peerstore.NewClient(g.Server, peerstore.DefaultStatsTTL)
	if err != nil {
		return nil, nil, err
	}
	peers, err := client.Peers(ctx)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, peerstore.Filter(peers, g.Only), nil
}

func (c *PeersCmd) Run(g *Globals) error {
	ctx := context.Background()
	client, peers, err := loadPeers(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tADDRESS\tINTERVAL\tAVG\tUPTIME")
	for _, p := range peers {
		avg, uptime := "-", "-"
		if st, err := client.Stats(ctx, p.ID); err != nil {
			log.Printf("[stats] Failed to load stats for peer %d: %v", p.ID, err)
		} else {
			avg, uptime = fmt.Sprintf("%.1fms", st.AverageResponseTime), fmt.Sprintf("%.1f%%", st.Uptime)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%dms\t%s\t%s\n", p.ID, p.Name, p.Address, p.Interval, avg, uptime)
	}
	return w.Flush()
}

func (c *RecordCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, peers, err := loadPeers(ctx, g)
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := archive.Open(c.Archive)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing archive: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	metrics := feed.NewMetrics(reg)
	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, reg)
	}

	history := archive.Recording{Source: client, Store: store}
	c.backfill(ctx, history, peers)
	c.prune(store)

	live := peerstore.NewLive(client.LiveURL())
	var controllers []*feed.Controller
	for _, p := range peers {
		ctrl := feed.New(feed.Options{
			PeerID:       p.ID,
			Capacity:     series.DefaultCapacity,
			PollInterval: p.PollInterval(),
			Live:         true,
			ReconnectMin: c.ReconnectMin,
			ReconnectMax: c.ReconnectMax,
			History:      history,
			Subscriber:   live,
			Metrics:      metrics,
			OnSample: func(peerID int64, s series.Sample) {
				if err := store.Record(peerID, s); err != nil {
					log.Printf("[archive] Failed to record sample for peer %d: %v", peerID, err)
				}
			},
		})
		ctrl.Start(-time.Minute.Milliseconds(), series.NowMillis())
		controllers = append(controllers, ctrl)
	}
	log.Printf("Recording %d peers into %s", len(peers), c.Archive)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down recorder")
			for _, ctrl := range controllers {
				ctrl.Stop()
			}
			return nil
		case <-ticker.C:
			c.prune(store)
		}
	}
}

// backfill imports recent history so a restart does not leave a gap.
func (c *RecordCmd) backfill(ctx context.Context, history archive.Recording, peers []peerstore.Peer) {
	if c.Backfill <= 0 {
		return
	}
	now := series.NowMillis()
	for _, p := range peers {
		samples, err := history.History(ctx, p.ID, now-c.Backfill.Milliseconds(), now, 0)
		if err != nil {
			log.Printf("[archive] Backfill of peer %d failed: %v", p.ID, err)
			continue
		}
		log.Printf("[archive] Backfilled %d samples for %s", len(samples), p.Name)
	}
}

func (c *RecordCmd) prune(store *archive.Store) {
	before := time.Now().Add(-c.Keep).UnixMilli()
	n, err := store.Prune(before)
	if err != nil {
		log.Printf("[archive] Prune failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[archive] Pruned %d samples older than %v", n, c.Keep)
	}
}

func (c *ExportCmd) Run(g *Globals) error {
	store, err := archive.Open(c.Archive)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	n, err := store.Export(out)
	if err != nil {
		return err
	}
	log.Printf("Exported %d samples from %s", n, c.Archive)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Printf("Metrics server stopped: %v", err)
	}
}
