package stats

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// RuntimeSource samples Go runtime and process metrics under "runtime.".
// The /proc based values are only reported on Linux.
type RuntimeSource struct {
	startTime time.Time
	procRoot  string
}

// NewRuntimeSource creates a runtime source.
func NewRuntimeSource() *RuntimeSource {
	return &RuntimeSource{
		startTime: time.Now(),
		procRoot:  "/proc",
	}
}

// Samples implements Source.
func (r *RuntimeSource) Samples(dst []Sample) []Sample {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dst = append(dst,
		GaugeSample("runtime.uptime", float64(int64(time.Since(r.startTime).Seconds()))),
		GaugeSample("runtime.goroutines", float64(runtime.NumGoroutine())),
		GaugeSample("runtime.memory.alloc", float64(m.Alloc)),
		GaugeSample("runtime.memory.sys", float64(m.Sys)),
		GaugeSample("runtime.memory.heapInuse", float64(m.HeapInuse)),
		GaugeSample("runtime.memory.heapObjects", float64(m.HeapObjects)),
		CounterSample("runtime.gc.runs", uint64(m.NumGC)),
		CounterSample("runtime.gc.pauseNs", m.PauseTotalNs),
	)

	if runtime.GOOS != "linux" {
		return dst
	}
	dst = r.processSamples(dst)
	dst = r.psiSamples(dst)
	return dst
}

// processSamples reads CPU, memory and descriptor usage of this process.
func (r *RuntimeSource) processSamples(dst []Sample) []Sample {
	self := filepath.Join(r.procRoot, "self")

	if data, err := os.ReadFile(filepath.Join(self, "stat")); err == nil {
		dst = appendProcessStat(dst, string(data))
	}
	if data, err := os.ReadFile(filepath.Join(self, "status")); err == nil {
		dst = appendMemoryStatus(dst, string(data))
	}
	if fds, err := os.ReadDir(filepath.Join(self, "fd")); err == nil {
		dst = append(dst, GaugeSample("runtime.fds.open", float64(len(fds))))
	}
	if data, err := os.ReadFile(filepath.Join(self, "limits")); err == nil {
		if n, ok := parseMaxFDs(string(data)); ok {
			dst = append(dst, GaugeSample("runtime.fds.max", float64(n)))
		}
	}
	return dst
}

// appendProcessStat parses /proc/self/stat: utime and stime are fields 14
// and 15, in clock ticks.
func appendProcessStat(dst []Sample, data string) []Sample {
	// The command name may contain spaces; fields start after its ')'.
	if i := strings.LastIndexByte(data, ')'); i >= 0 {
		data = data[i+1:]
	}
	fields := strings.Fields(data)
	// fields[0] is the state, field 3 of the full line.
	if len(fields) < 13 {
		return dst
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return dst
	}

	const clockTick = 100
	return append(dst,
		CounterSample("runtime.cpu.userMs", utime*1000/clockTick),
		CounterSample("runtime.cpu.systemMs", stime*1000/clockTick),
	)
}

// appendMemoryStatus parses the kB values of /proc/self/status.
func appendMemoryStatus(dst []Sample, data string) []Sample {
	fields := map[string]string{
		"VmRSS":  "runtime.memory.rss",
		"VmHWM":  "runtime.memory.rssPeak",
		"VmSize": "runtime.memory.virtual",
		"VmSwap": "runtime.memory.swap",
	}
	for _, line := range strings.Split(data, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, ok := fields[strings.TrimSpace(key)]
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "kB"))
		kb, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		dst = append(dst, GaugeSample(name, float64(kb*1024)))
	}
	return dst
}

// parseMaxFDs returns the soft open files limit from /proc/self/limits.
func parseMaxFDs(data string) (uint64, bool) {
	for _, line := range strings.Split(data, "\n") {
		if !strings.HasPrefix(line, "Max open files") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0, false
		}
		n, err := strconv.ParseUint(fields[3], 10, 64)
		return n, err == nil
	}
	return 0, false
}

// psiSamples reports pressure stall averages when the kernel exposes them.
func (r *RuntimeSource) psiSamples(dst []Sample) []Sample {
	for _, resource := range []string{"cpu", "memory", "io"} {
		metrics, err := parsePSIFile(filepath.Join(r.procRoot, "pressure", resource))
		if err != nil {
			continue
		}
		for _, kind := range []string{"some", "full"} {
			m, ok := metrics[kind]
			if !ok {
				continue
			}
			prefix := "runtime.pressure." + resource + "." + kind
			dst = append(dst,
				GaugeSample(prefix+".avg10", m.Avg10),
				GaugeSample(prefix+".avg60", m.Avg60),
				GaugeSample(prefix+".avg300", m.Avg300),
				CounterSample(prefix+".totalUs", m.Total),
			)
		}
	}
	return dst
}

// psiMetric holds one line of a pressure file.
type psiMetric struct {
	Avg10  float64
	Avg60  float64
	Avg300 float64
	Total  uint64
}

// parsePSIFile parses a PSI file.
// Format: some avg10=0.00 avg60=0.00 avg300=0.00 total=0
func parsePSIFile(path string) (map[string]*psiMetric, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result := make(map[string]*psiMetric)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 5 {
			continue
		}

		metric := &psiMetric{}
		for _, part := range parts[1:] {
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch k {
			case "avg10":
				metric.Avg10, _ = strconv.ParseFloat(v, 64)
			case "avg60":
				metric.Avg60, _ = strconv.ParseFloat(v, 64)
			case "avg300":
				metric.Avg300, _ = strconv.ParseFloat(v, 64)
			case "total":
				metric.Total, _ = strconv.ParseUint(v, 10, 64)
			}
		}
		result[parts[0]] = metric
	}
	return result, scanner.Err()
}
