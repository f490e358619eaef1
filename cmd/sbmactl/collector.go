package main

import (
	"github.com/jiverson002/sbma-sub000/sbma"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/log"
	"github.com/prometheus/procfs"
)

const namespace = "sbma"

// Collector exposes a process's sbma.Mallinfo() counters as Prometheus
// metrics, one counter or gauge per repurposed mallinfo(3) field.
type Collector struct {
	logger log.Logger

	sigRecv       *prometheus.Desc
	sigHonor      *prometheus.Desc
	pagesRead     *prometheus.Desc
	pagesWritten  *prometheus.Desc
	readFaults    *prometheus.Desc
	writeFaults   *prometheus.Desc
	sysPages      *prometheus.Desc
	sysPagesHWM   *prometheus.Desc
	allocPages    *prometheus.Desc
	statmResident *prometheus.Desc
}

// NewCollector returns a new Collector exposing this process's sbma
// allocator statistics. The process must already have called sbma.Init.
func NewCollector(logger log.Logger) *Collector {
	return &Collector{
		logger: logger,
		sigRecv: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sig_received_total"),
			"Number of SIGIPC eviction signals received.", nil, nil,
		),
		sigHonor: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sig_honored_total"),
			"Number of SIGIPC eviction signals honored by a swap_out.", nil, nil,
		),
		pagesRead: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pages_read_total"),
			"Number of pages read back from backing files.", nil, nil,
		),
		pagesWritten: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pages_written_total"),
			"Number of pages written out to backing files.", nil, nil,
		),
		readFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "read_faults_total"),
			"Number of read-mode page faults handled.", nil, nil,
		),
		writeFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "write_faults_total"),
			"Number of write-mode page faults handled.", nil, nil,
		),
		sysPages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sys_pages"),
			"Current number of resident pages across all live allocations.", nil, nil,
		),
		sysPagesHWM: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sys_pages_high_water_mark"),
			"High-water mark of resident pages across all live allocations.", nil, nil,
		),
		allocPages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "alloc_pages"),
			"Current number of pages across all live allocations, resident or not.", nil, nil,
		),
		statmResident: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "statm_resident_pages"),
			"Resident page count (RSS) read from /proc/self/stat, for cross-checking sys_pages.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sigRecv
	ch <- c.sigHonor
	ch <- c.pagesRead
	ch <- c.pagesWritten
	ch <- c.readFaults
	ch <- c.writeFaults
	ch <- c.sysPages
	ch <- c.sysPagesHWM
	ch <- c.allocPages
	ch <- c.statmResident
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if err := c.collect(ch); err != nil {
		c.logger.Error(err)
	}
}

func (c *Collector) collect(ch chan<- prometheus.Metric) error {
	info, err := sbma.Mallinfo()
	if err != nil {
		return err
	}

	ch <- prometheus.MustNewConstMetric(c.sigRecv, prometheus.CounterValue, float64(info.Smblks))
	ch <- prometheus.MustNewConstMetric(c.sigHonor, prometheus.CounterValue, float64(info.Ordblks))
	ch <- prometheus.MustNewConstMetric(c.pagesRead, prometheus.CounterValue, float64(info.Usmblks))
	ch <- prometheus.MustNewConstMetric(c.pagesWritten, prometheus.CounterValue, float64(info.Fsmblks))
	ch <- prometheus.MustNewConstMetric(c.readFaults, prometheus.CounterValue, float64(info.Uordblks))
	ch <- prometheus.MustNewConstMetric(c.writeFaults, prometheus.CounterValue, float64(info.Fordblks))
	ch <- prometheus.MustNewConstMetric(c.sysPages, prometheus.GaugeValue, float64(info.Hblks))
	ch <- prometheus.MustNewConstMetric(c.sysPagesHWM, prometheus.GaugeValue, float64(info.Hblkhd))
	ch <- prometheus.MustNewConstMetric(c.allocPages, prometheus.GaugeValue, float64(info.Keepcost))

	self, err := procfs.Self()
	if err != nil {
		// /proc/self access is best-effort; a missing procfs shouldn't
		// take down the rest of the scrape.
		c.logger.Warnf("sbmactl: couldn't read /proc/self: %v", err)
		return nil
	}
	stat, err := self.Stat()
	if err != nil {
		c.logger.Warnf("sbmactl: couldn't read /proc/self/stat: %v", err)
		return nil
	}
	ch <- prometheus.MustNewConstMetric(c.statmResident, prometheus.GaugeValue, float64(stat.RSS))
	return nil
}
