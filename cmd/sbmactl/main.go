// Command sbmactl starts an sbma-managed process and serves its allocator
// statistics as Prometheus metrics, the Go-native analogue of pairing a
// libsbma-preloaded workload with a metrics sidecar.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/jiverson002/sbma-sub000/sbma"
	"github.com/jiverson002/sbma-sub000/sysmem"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for telemetry.").Default(":9847").String()
	metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()

	fstem    = kingpin.Flag("sbma.fstem", "Path prefix for per-allocation backing files.").Required().String()
	uniq     = kingpin.Flag("sbma.uniq", "Token shared by all processes cooperating on one IPC region.").Required().String()
	nProcs   = kingpin.Flag("sbma.n-procs", "Maximum number of cooperating processes.").Default("1").Int()
	pageSize = kingpin.Flag("sbma.page-size", "Page size in bytes; defaults to the OS page size when 0.").Default("0").Uint64()
	maxMem   = kingpin.Flag("sbma.max-mem", "Resident-page budget in bytes; 0 autosizes from /proc/meminfo.").Default("0").Uint64()
	optStr   = kingpin.Flag("sbma.opts", "Comma-separated sbma option-string, per the option grammar.").Default("default").String()

	check       = kingpin.Flag("check", "Periodically validate allocator invariants in the background.").Bool()
	checkExtra  = kingpin.Flag("check.extra", "Also re-read resident pages' backing-file shadow copies during --check.").Bool()
	checkPeriod = kingpin.Flag("check.period", "Interval between background invariant checks.").Default("30s").Duration()
)

func main() {
	log.AddFlags(kingpin.CommandLine)
	kingpin.Version("sbmactl")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := log.Base()

	ps := *pageSize
	if ps == 0 {
		ps = uint64(os.Getpagesize())
	}

	opts, err := sbma.ParseOptString(*optStr)
	if err != nil {
		logger.Fatalf("sbmactl: invalid sbma.opts: %v", err)
	}

	mm := *maxMem
	if mm == 0 {
		budget, err := sysmem.SuggestBudget(uintptr(ps), 0.5)
		if err != nil {
			logger.Fatalf("sbmactl: couldn't autosize sbma.max-mem: %v", err)
		}
		mm = budget * ps
	}

	if err := sbma.Init(*fstem, *uniq, uintptr(ps), *nProcs, mm, opts); err != nil {
		logger.Fatalf("sbmactl: init: %v", err)
	}
	defer func() {
		if err := sbma.Destroy(); err != nil {
			logger.Errorf("sbmactl: destroy: %v", err)
		}
	}()

	if *check {
		go runChecker(logger, *checkPeriod, *checkExtra)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(logger))
	registry.MustRegister(prometheus.NewGoCollector())

	http.Handle(*metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><head><title>sbmactl</title></head><body><a href='" + *metricsPath + "'>Metrics</a></body></html>"))
	})

	logger.Infof("sbmactl: listening on %s", *listenAddress)
	if err := http.ListenAndServe(*listenAddress, nil); err != nil {
		logger.Fatal(errors.Wrap(err, "sbmactl: http server"))
	}
}

// runChecker periodically validates the process's own allocator invariants,
// the supplemented CHECK/EXTRA mode's exercise point (§6 expansion).
func runChecker(logger log.Logger, period time.Duration, extra bool) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		if err := sbma.Validate(extra); err != nil {
			logger.Errorf("sbmactl: validate: %v", err)
		}
	}
}
