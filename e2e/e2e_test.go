package e2e

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/szibis/metrics-relay/internal/config"
	"github.com/szibis/metrics-relay/internal/relay"
)

// backend is a plaintext line receiver standing in for a carbon server.
type backend struct {
	t      *testing.T
	ln     net.Listener
	decode func(io.Reader) (io.Reader, error)

	mu    sync.Mutex
	lines []string
	conns []net.Conn
	wg    sync.WaitGroup
}

func startBackend(t *testing.T, addr string, decode func(io.Reader) (io.Reader, error)) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	b := &backend{t: t, ln: ln, decode: decode}
	b.wg.Add(1)
	go b.accept()
	t.Cleanup(b.close)
	return b
}

func (b *backend) accept() {
	defer b.wg.Done()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, c)
		b.mu.Unlock()
		b.wg.Add(1)
		go b.read(c)
	}
}

func (b *backend) read(c net.Conn) {
	defer b.wg.Done()
	var r io.Reader = c
	if b.decode != nil {
		d, err := b.decode(c)
		if err != nil {
			return
		}
		r = d
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		b.mu.Lock()
		b.lines = append(b.lines, sc.Text())
		b.mu.Unlock()
	}
}

func (b *backend) close() {
	_ = b.ln.Close()
	b.mu.Lock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *backend) addr() string { return b.ln.Addr().String() }

func (b *backend) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func (b *backend) count(prefix string) int {
	n := 0
	for _, l := range b.received() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startRelay runs a relay configured from a YAML file, the way main does.
func startRelay(t *testing.T, yamlBody string, extraArgs ...string) (*relay.Relay, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"-config", path, "-listen", "127.0.0.1:0", "-workers", "4", "-collector-interval", "0s"}, extraArgs...)
	cfg, err := config.ParseFlags(args)
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if err := cfg.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig() error = %v", err)
	}

	r, err := relay.New(rc)
	if err != nil {
		t.Fatalf("relay.New() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Shutdown() })
	if err := r.StartWorkers(cfg.Workers); err != nil {
		t.Fatalf("StartWorkers() error = %v", err)
	}
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if cfg.CollectorInterval > 0 {
		if err := r.StartCollector(cfg.CollectorConfig("e2e")); err != nil {
			t.Fatalf("StartCollector() error = %v", err)
		}
	}
	return r, cfg
}

func send(t *testing.T, r *relay.Relay, lines ...string) {
	t.Helper()
	c, err := net.Dial("tcp", r.Addr())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer c.Close()
	if _, err := io.WriteString(c, strings.Join(lines, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestE2E_RoutingFromConfigFile(t *testing.T) {
	ring := []*backend{startBackend(t, "127.0.0.1:0", nil), startBackend(t, "127.0.0.1:0", nil), startBackend(t, "127.0.0.1:0", nil)}
	archive := startBackend(t, "127.0.0.1:0", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })

	r, _ := startRelay(t, fmt.Sprintf(`
clusters:
  - name: ring
    type: consistent_hash
    replication: 2
    servers: [%q, %q, %q]
  - name: archive
    type: forward
    compression: gzip
    servers: [%q]
rules:
  - match: '^old\.(.*)'
    rewrite: 'new.$1'
  - match: '^drop\.'
    cluster: blackhole
    stop: true
  - match: '^(app|new)\.'
    cluster: ring
  - match: '*'
    cluster: archive
`, ring[0].addr(), ring[1].addr(), ring[2].addr(), archive.addr()))

	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf("app.host%03d.cpu %d 1700000000\n", i, i))
	}
	lines = append(lines, "old.disk 1 1700000000\n", "drop.noise 1 1700000000\n", "misc.load 0.5 1700000000\n")
	send(t, r, lines...)

	ringTotal := func() int {
		n := 0
		for _, b := range ring {
			n += len(b.received())
		}
		return n
	}
	waitFor(t, "ring deliveries", func() bool { return ringTotal() == 2*101 })
	waitFor(t, "archive deliveries", func() bool { return len(archive.received()) == 102 })

	// Every ring record sits on exactly the two members the ring names.
	hashRing := r.Router().Table().Cluster("ring").Ring()
	holders := make(map[string][]string)
	for _, b := range ring {
		for _, l := range b.received() {
			name := strings.Fields(l)[0]
			holders[name] = append(holders[name], b.addr())
		}
	}
	for name, got := range holders {
		want := hashRing.Lookup(name, 2)
		sort.Strings(got)
		sort.Strings(want)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("%s delivered to %v, ring says %v", name, got, want)
		}
	}
	if len(holders["new.disk"]) != 2 {
		t.Errorf("rewritten record delivered %d times to the ring, want 2", len(holders["new.disk"]))
	}

	got := archive.received()
	joined := strings.Join(got, "\n")
	for _, want := range []string{"app.host042.cpu 42 1700000000", "new.disk 1 1700000000", "misc.load 0.5 1700000000"} {
		if !strings.Contains(joined, want) {
			t.Errorf("archive missing %q", want)
		}
	}
	if strings.Contains(joined, "drop.noise") || strings.Contains(joined, "old.disk") {
		t.Error("archive received a blackholed or pre-rewrite record")
	}
}

func TestE2E_BackendOutageQueues(t *testing.T) {
	// Reserve an address, then leave it closed until records are queued.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := probe.Addr().String()
	_ = probe.Close()

	r, _ := startRelay(t, fmt.Sprintf(`
server:
  backoff_initial: 20ms
  backoff_max: 100ms
  io_timeout: 500ms
clusters:
  - name: main
    servers: [%q]
rules:
  - match: '*'
    cluster: main
`, addr))

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("queued.m%d %d 1700000000\n", i, i))
	}
	send(t, r, lines...)

	conn := r.Pool().Get(addr)
	if conn == nil {
		t.Fatalf("no connection for %s", addr)
	}
	waitFor(t, "records queued while the backend is down", func() bool { return conn.Backlog() == 50 })

	b := startBackend(t, addr, nil)
	waitFor(t, "queued records delivered after reconnect", func() bool { return b.count("queued.") == 50 })

	got := b.received()
	for i, l := range got {
		if want := fmt.Sprintf("queued.m%d %d 1700000000", i, i); l != want {
			t.Fatalf("line %d = %q, want %q", i, l, want)
		}
	}
}

func TestE2E_ReloadFromFile(t *testing.T) {
	first := startBackend(t, "127.0.0.1:0", nil)
	second := startBackend(t, "127.0.0.1:0", nil)

	routes := func(addr string) string {
		return fmt.Sprintf(`
clusters:
  - name: main
    servers: [%q]
rules:
  - match: '*'
    cluster: main
`, addr)
	}
	r, cfg := startRelay(t, routes(first.addr()))

	send(t, r, "before.reload 1 1700000000\n")
	waitFor(t, "record on the first backend", func() bool { return first.count("before.") == 1 })

	if err := os.WriteFile(cfg.ConfigFile, []byte(routes(second.addr())), 0o644); err != nil {
		t.Fatal(err)
	}
	newRoutes, err := config.LoadRoutes(cfg.ConfigFile)
	if err != nil {
		t.Fatalf("LoadRoutes() error = %v", err)
	}
	if err := r.Reload(newRoutes); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if r.Pool().Get(first.addr()) != nil {
		t.Error("removed server still in the pool")
	}

	send(t, r, "after.reload 1 1700000000\n")
	waitFor(t, "record on the second backend", func() bool { return second.count("after.") == 1 })
	if n := first.count("after."); n != 0 {
		t.Errorf("first backend got %d records after the reload", n)
	}
}

func TestE2E_SelfMetricsRouted(t *testing.T) {
	primary := startBackend(t, "127.0.0.1:0", nil)
	statsBackend := startBackend(t, "127.0.0.1:0", nil)

	r, _ := startRelay(t, fmt.Sprintf(`
collector:
  prefix: relays.e2e
clusters:
  - name: main
    servers: [%q]
  - name: stats
    servers: [%q]
rules:
  - match: '^relays\.'
    cluster: stats
    stop: true
  - match: '*'
    cluster: main
`, primary.addr(), statsBackend.addr()), "-collector-interval", "100ms")

	send(t, r, "app.one 1 1700000000\n", "app.two 2 1700000000\n", "app.three 3 1700000000\n")
	waitFor(t, "client records", func() bool { return primary.count("app.") == 3 })

	waitFor(t, "self-metrics", func() bool {
		return statsBackend.count("relays.e2e.metricsReceived ") > 0 &&
			statsBackend.count("relays.e2e.destinations.") > 0
	})
	if n := primary.count("relays."); n != 0 {
		t.Errorf("primary received %d self-metric records", n)
	}
}

func TestE2E_ConcurrentClients(t *testing.T) {
	b := startBackend(t, "127.0.0.1:0", nil)
	r, _ := startRelay(t, fmt.Sprintf(`
clusters:
  - name: main
    servers: [%q]
rules:
  - match: '*'
    cluster: main
`, b.addr()), "-assign", "least_loaded")

	const clients, perClient = 8, 250
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", r.Addr())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			w := bufio.NewWriter(conn)
			for i := 0; i < perClient; i++ {
				fmt.Fprintf(w, "client%d.seq %d 1700000000\n", c, i)
			}
			if err := w.Flush(); err != nil {
				t.Errorf("flush: %v", err)
			}
		}(c)
	}
	wg.Wait()

	waitFor(t, "all records", func() bool { return len(b.received()) == clients*perClient })

	// Per client, records arrive in the order they were sent.
	next := make(map[string]int)
	for _, l := range b.received() {
		f := strings.Fields(l)
		var seq int
		fmt.Sscanf(f[1], "%d", &seq)
		if seq != next[f[0]] {
			t.Fatalf("%s: got seq %d, want %d", f[0], seq, next[f[0]])
		}
		next[f[0]]++
	}
}
