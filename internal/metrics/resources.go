package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceCollector samples CPU, memory, threads and open files of every
// running service process at scrape time.
type ResourceCollector struct {
	pids    func() map[string]int
	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	vms     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

// NewResourceCollector reads the current service -> pid map through pids on every scrape.
func NewResourceCollector(pids func() map[string]int) *ResourceCollector {
	label := []string{"service"}
	return &ResourceCollector{
		pids:    pids,
		cpu:     prometheus.NewDesc(namespace+"_process_cpu_seconds_total", "User and system CPU time of the service process.", label, nil),
		rss:     prometheus.NewDesc(namespace+"_process_resident_memory_bytes", "Resident memory of the service process.", label, nil),
		vms:     prometheus.NewDesc(namespace+"_process_virtual_memory_bytes", "Virtual memory of the service process.", label, nil),
		threads: prometheus.NewDesc(namespace+"_process_threads", "Thread count of the service process.", label, nil),
		fds:     prometheus.NewDesc(namespace+"_process_open_fds", "Open file descriptors of the service process.", label, nil),
	}
}

func (c *ResourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.vms
	ch <- c.threads
	ch <- c.fds
}

func (c *ResourceCollector) Collect(ch chan<- prometheus.Metric) {
	for name, pid := range c.pids() {
		if pid <= 0 {
			continue
		}
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			slog.Debug("resource sample skipped", "service", name, "pid", pid, "error", err)
			continue
		}
		if times, err := proc.Times(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.CounterValue, times.User+times.System, name)
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mem.RSS), name)
			ch <- prometheus.MustNewConstMetric(c.vms, prometheus.GaugeValue, float64(mem.VMS), name)
		}
		if n, err := proc.NumThreads(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), name)
		}
		if n, err := proc.NumFDs(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(n), name)
		}
	}
}
