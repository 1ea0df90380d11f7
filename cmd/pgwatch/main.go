package main

import (
	"net/http"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"

	"github.com/pgwatch/pgwatch/internal/cluster"
	"github.com/pgwatch/pgwatch/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile    = kingpin.Flag("config.file", "Cluster configuration file name.").Default("pgwatch.yml").String()
		bindAddr      = kingpin.Flag("watchdog.listen-address", "Listen address for peer-to-peer cluster traffic.").Default(":9000").String()
		metricsAddr   = kingpin.Flag("web.listen-address", "Address to expose Prometheus metrics on.").Default(":9001").String()
		promlogConfig = promlog.Config{}
	)
	promlogflag.AddFlags(kingpin.CommandLine, &promlogConfig)
	kingpin.CommandLine.GetFlag("help").Short('h')
	kingpin.Parse()

	logger := promlog.New(&promlogConfig)

	cfg, err := config.Load(*configFile)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load configuration", "file", *configFile, "err", err)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	n := cluster.New(cfg, log.With(logger, "component", "cluster"), reg)

	var g run.Group
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting watchdog node", "node", cfg.NodeName, "listen", *bindAddr)
			return n.Run(*bindAddr)
		}, func(error) {
			n.Shutdown()
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "address", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			_ = srv.Close()
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		return 1
	}
	level.Info(logger).Log("msg", "shutdown complete")
	return 0
}
