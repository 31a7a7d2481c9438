package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/silbinarywolf/preferdiscretegpu"
	_ "go.uber.org/automaxprocs"

	"github.com/sudorandom/latency-stream/pkg/archive"
	"github.com/sudorandom/latency-stream/pkg/chart"
	"github.com/sudorandom/latency-stream/pkg/feed"
	"github.com/sudorandom/latency-stream/pkg/peerstore"
	"github.com/sudorandom/latency-stream/pkg/series"
	"github.com/sudorandom/latency-stream/pkg/utils"
	"github.com/sudorandom/latency-stream/pkg/visibility"
)

var cli struct {
	Server       string        `help:"Latency service to read from." default:"http://localhost:8000" env:"LATENCY_SERVER"`
	Live         bool          `help:"Subscribe to the live feed after the history is loaded." default:"true" negatable:""`
	Capacity     int           `help:"Samples kept per chart." default:"240"`
	Window       time.Duration `help:"Initial history window." default:"10m"`
	ReconnectMin time.Duration `help:"First delay before resubscribing. Zero retries immediately." default:"1s"`
	ReconnectMax time.Duration `help:"Longest delay between resubscribe attempts." default:"60s"`
	Only         []string      `help:"Only chart peers whose name or address contains one of these."`
	Geoip        string        `help:"MaxMind format country database, a path or URL."`
	Archive      string        `help:"Badger archive to fall back on when the service is unreachable." type:"path"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address."`
	Demo         bool          `help:"Chart random data instead of a latency service."`
	Headless     bool          `help:"Run without a local window (Xvfb rendering active)."`
	CaptureDir   string        `help:"Directory for PNG captures taken with the S key." type:"path" default:"captures"`
	Width        int           `help:"Internal rendering width." default:"1280"`
	Height       int           `help:"Internal rendering height." default:"720"`
	TPS          int           `name:"tps" help:"Ticks per second." default:"30"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("latency-viewer"),
		kong.Description("Live latency histograms for every monitored peer."),
		kong.Configuration(kong.JSON, "~/.config/latency-stream/config.json", "./latency-stream.json"),
	)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	metrics := feed.NewMetrics(reg)
	if cli.MetricsAddr != "" {
		go serveMetrics(cli.MetricsAddr, reg)
	}

	var (
		peers      []peerstore.Peer
		history    feed.HistorySource
		subscriber feed.Subscriber
		client     *peerstore.Client
	)
	if cli.Demo {
		log.Println("Running in DEMO mode.")
		demo := feed.Demo{Interval: time.Second}
		peers = []peerstore.Peer{{Name: "demo", Address: "127.0.0.1"}}
		peers[0].Normalize()
		history, subscriber = demo, demo
	} else {
		var err error
		client, err = peerstore.NewClient(cli.Server, peerstore.DefaultStatsTTL)
		if err != nil {
			log.Fatalf("Failed to create client: %v", err)
		}
		defer client.Close()
		peers, err = client.Peers(ctx)
		if err != nil {
			log.Fatalf("Failed to load peers from %s: %v", cli.Server, err)
		}
		history, subscriber = client, peerstore.NewLive(client.LiveURL())
	}
	peers = peerstore.Filter(peers, cli.Only)
	if len(peers) == 0 {
		log.Fatalf("No peers to chart")
	}

	var onSample func(int64, series.Sample)
	if cli.Archive != "" {
		store, err := archive.Open(cli.Archive)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("Error closing archive: %v", err)
			}
		}()
		history = feed.FallbackHistory{Primary: history, Secondary: store}
		onSample = func(peerID int64, s series.Sample) {
			if err := store.Record(peerID, s); err != nil {
				log.Printf("[archive] Failed to record sample for peer %d: %v", peerID, err)
			}
		}
	}

	titles := peerTitles(ctx, peers)

	gate := visibility.Default()
	dashboard := chart.NewDashboard(cli.Width, cli.Height, gate, cli.Headless)
	dashboard.CaptureDir = cli.CaptureDir
	var controllers []*feed.Controller
	for _, p := range peers {
		panel := chart.NewPanel(p.ID, titles[p.ID])
		c := feed.New(feed.Options{
			PeerID:       p.ID,
			Capacity:     cli.Capacity,
			PollInterval: p.PollInterval(),
			Live:         cli.Live,
			ReconnectMin: cli.ReconnectMin,
			ReconnectMax: cli.ReconnectMax,
			History:      history,
			Subscriber:   subscriber,
			Renderer:     panel,
			Gate:         gate,
			Metrics:      metrics,
			OnSample:     onSample,
		})
		dashboard.Add(panel, c)
		controllers = append(controllers, c)
		c.Start(-cli.Window.Milliseconds(), series.NowMillis())

		if client != nil {
			go func(id int64) {
				st, err := client.Stats(ctx, id)
				if err != nil {
					log.Printf("[stats] Failed to load stats for peer %d: %v", id, err)
					return
				}
				panel.SetStats(st)
			}(p.ID)
		}
	}
	defer func() {
		for _, c := range controllers {
			c.Stop()
		}
	}()

	ebiten.SetTPS(cli.TPS)
	ebiten.SetRunnableOnUnfocused(true)
	if cli.Headless {
		log.Println("Running in HEADLESS mode (Rendering active).")
	} else {
		ebiten.SetWindowSize(cli.Width, cli.Height)
		ebiten.SetWindowTitle("Latency Stream")
		ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	}
	if err := ebiten.RunGame(dashboard); err != nil {
		log.Printf("Viewer stopped: %v", err)
	}
}

// peerTitles labels every peer, adding its country when a geo database
// was given.
func peerTitles(ctx context.Context, peers []peerstore.Peer) map[int64]string {
	titles := make(map[int64]string, len(peers))
	for _, p := range peers {
		titles[p.ID] = p.Name
	}
	if cli.Geoip == "" {
		return titles
	}

	cacheDir := filepath.Join(os.TempDir(), "latency-stream")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "latency-stream")
	}
	path, err := utils.CachedFile(ctx, cli.Geoip, cacheDir)
	if err != nil {
		log.Printf("[geo] Failed to fetch %s, continuing without countries: %v", cli.Geoip, err)
		return titles
	}
	geo, err := peerstore.OpenGeo(path)
	if err != nil {
		log.Printf("[geo] %v, continuing without countries", err)
		return titles
	}
	defer func() { _ = geo.Close() }()

	for _, p := range peers {
		titles[p.ID] = peerstore.Label(p, geo.CountryCode(p.Address))
	}
	return titles
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
