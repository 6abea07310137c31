//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/daemon"
	"github.com/servicestatus/agent/internal/domain"
	"github.com/servicestatus/agent/internal/infra"
	"github.com/servicestatus/agent/internal/usecase"
)

const goodAgentKey = "integration-agent-key"

// fakeBackend accepts agent websocket connections and records every
// received envelope. Connections with an unknown key are rejected with
// 401 before the upgrade, the same way the real backend does.
type fakeBackend struct {
	server *httptest.Server

	mu        sync.Mutex
	envelopes []map[string]any
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.Contains(req.URL.Path, goodAgentKey) {
			http.Error(w, "unknown agent key", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(req.Context())
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			b.mu.Lock()
			b.envelopes = append(b.envelopes, m)
			b.mu.Unlock()
		}
	}))
	return b
}

func (b *fakeBackend) Close() { b.server.Close() }

// byEvent returns received envelopes with the given discriminator.
func (b *fakeBackend) byEvent(event string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, m := range b.envelopes {
		if m["event"] == event {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBackend) statusMessages() []string {
	var out []string
	for _, m := range b.byEvent("status_update") {
		update, ok := m["update"].(map[string]any)
		if !ok {
			continue
		}
		msg, _ := update["message"].(string)
		out = append(out, msg)
	}
	return out
}

// noopScheduler satisfies domain.Scheduler without a systemd instance.
// Unit rendering has its own tests; the pipeline under test starts at
// the log file.
type noopScheduler struct {
	enabled map[string]bool
}

func newNoopScheduler() *noopScheduler {
	return &noopScheduler{enabled: make(map[string]bool)}
}

func (s *noopScheduler) ValidateExpression(string) bool                    { return true }
func (s *noopScheduler) Install(context.Context, domain.ServiceRecord) error { return nil }
func (s *noopScheduler) Remove(context.Context, string) error              { return nil }
func (s *noopScheduler) Enable(_ context.Context, id string) error {
	s.enabled[id] = true
	return nil
}
func (s *noopScheduler) Disable(_ context.Context, id string) error {
	s.enabled[id] = false
	return nil
}
func (s *noopScheduler) RunNow(context.Context, string) error        { return nil }
func (s *noopScheduler) IsEnabled(_ context.Context, id string) bool { return s.enabled[id] }

const healthScript = `#!/bin/bash
# name: API Health
# description: Checks the API endpoint
# version: 1.0
# schedule: daily

echo "$(date '+%F %T'), OK, fine" >> "$1"
`

var _ = Describe("Status pipeline", func() {
	var (
		backend  *fakeBackend
		cfg      *infra.Config
		store    *infra.EncryptedStore
		registry *usecase.Registry
		logger   *zap.Logger
	)

	newDaemon := func(agentKey string) (*daemon.Daemon, *daemon.Queue) {
		queue := daemon.NewQueue(cfg.QueueCapacity)
		wsURL, err := cfg.WebsocketURL(agentKey)
		Expect(err).NotTo(HaveOccurred())

		reporter := daemon.NewReporter(daemon.ReporterConfig{
			URL:            wsURL,
			ConnectTimeout: 2 * time.Second,
			BackoffBase:    50 * time.Millisecond,
			BackoffCap:     200 * time.Millisecond,
		}, queue, store.ListServices, logger)

		d := daemon.New(daemon.Config{
			LogDir:        cfg.LogDir,
			AgentLogName:  infra.AgentLogName,
			QueueCapacity: cfg.QueueCapacity,
			PollInterval:  20 * time.Millisecond,
			ScanInterval:  50 * time.Millisecond,
			DrainGrace:    2 * time.Second,
			AppVersion:    "integration",
		}, store, queue, reporter, infra.NewStateFile(cfg.DataDir), logger)
		return d, queue
	}

	appendStatus := func(id, line string) {
		f, err := os.OpenFile(cfg.ServiceLogPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteString(line + "\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())
	}

	BeforeEach(func() {
		backend = newFakeBackend()
		logger = zap.NewNop()

		root := GinkgoT().TempDir()
		cfg = infra.DefaultConfig()
		cfg.BackendURL = backend.server.URL
		cfg.DataDir = filepath.Join(root, "data")
		cfg.ScriptsDir = filepath.Join(root, "scripts")
		cfg.LogDir = filepath.Join(root, "log")
		Expect(os.MkdirAll(cfg.LogDir, 0755)).To(Succeed())

		key, err := infra.NewKeyFile(cfg.DataDir).Ensure()
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewEncryptedStore(cfg.DataDir, key)
		Expect(err).NotTo(HaveOccurred())

		registry = usecase.NewRegistry(
			store, store,
			infra.NewScriptInstaller(cfg.ScriptsDir),
			newNoopScheduler(),
			cfg, logger,
		)
	})

	AfterEach(func() {
		store.Close()
		backend.Close()
	})

	It("registers a script and delivers its status lines", func() {
		scriptPath := filepath.Join(GinkgoT().TempDir(), "check.bash")
		Expect(os.WriteFile(scriptPath, []byte(healthScript), 0755)).To(Succeed())

		rec, err := registry.Add(context.Background(), scriptPath, usecase.AddOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ID).To(Equal("api_health"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d, _ := newDaemon(goodAgentKey)
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx, goodAgentKey) }()

		// The handshake carries the full catalog.
		Eventually(func() int {
			return len(backend.byEvent("agent_hello"))
		}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))

		hello := backend.byEvent("agent_hello")[0]
		Expect(hello["agent_key"]).To(Equal(goodAgentKey))
		services := hello["services"].([]any)
		Expect(services).To(HaveLen(1))

		appendStatus("api_health", "2024-01-15 10:30:00, OK, API is healthy")
		appendStatus("api_health", "2024-01-15 10:31:00, WARNING, slow response")

		Eventually(backend.statusMessages, 5*time.Second, 50*time.Millisecond).
			Should(Equal([]string{"API is healthy", "slow response"}))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("does not re-deliver lines across a daemon restart", func() {
		scriptPath := filepath.Join(GinkgoT().TempDir(), "check.bash")
		Expect(os.WriteFile(scriptPath, []byte(healthScript), 0755)).To(Succeed())
		_, err := registry.Add(context.Background(), scriptPath, usecase.AddOptions{})
		Expect(err).NotTo(HaveOccurred())

		ctx1, cancel1 := context.WithCancel(context.Background())
		d1, _ := newDaemon(goodAgentKey)
		done1 := make(chan error, 1)
		go func() { done1 <- d1.Run(ctx1, goodAgentKey) }()

		appendStatus("api_health", "2024-01-15 10:30:00, OK, before restart")
		Eventually(backend.statusMessages, 5*time.Second, 50*time.Millisecond).
			Should(Equal([]string{"before restart"}))

		cancel1()
		Eventually(done1, 5*time.Second).Should(Receive(BeNil()))

		// Lines written while the daemon is down are picked up on start;
		// already delivered ones are not repeated.
		appendStatus("api_health", "2024-01-15 10:32:00, FAILURE, while down")

		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		d2, _ := newDaemon(goodAgentKey)
		done2 := make(chan error, 1)
		go func() { done2 <- d2.Run(ctx2, goodAgentKey) }()

		Eventually(backend.statusMessages, 5*time.Second, 50*time.Millisecond).
			Should(Equal([]string{"before restart", "while down"}))
		Consistently(backend.statusMessages, 500*time.Millisecond, 100*time.Millisecond).
			Should(HaveLen(2))

		cancel2()
		Eventually(done2, 5*time.Second).Should(Receive(BeNil()))
	})

	It("announces services added and removed while running", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d, _ := newDaemon(goodAgentKey)
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx, goodAgentKey) }()

		Eventually(func() int {
			return len(backend.byEvent("agent_hello"))
		}, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))

		scriptPath := filepath.Join(GinkgoT().TempDir(), "check.bash")
		Expect(os.WriteFile(scriptPath, []byte(healthScript), 0755)).To(Succeed())
		_, err := registry.Add(context.Background(), scriptPath, usecase.AddOptions{})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int {
			return len(backend.byEvent("service_added"))
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(1))

		Expect(registry.Remove(context.Background(), "api_health")).To(Succeed())
		Eventually(func() int {
			return len(backend.byEvent("service_removed"))
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(1))

		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("exits with an authentication error for a rejected key", func() {
		d, _ := newDaemon("stolen-key")

		// The backend refuses this key before the websocket upgrade.
		err := d.Run(context.Background(), "stolen-key")
		Expect(err).To(HaveOccurred())

		var authErr *domain.AuthError
		Expect(errors.As(err, &authErr)).To(BeTrue())
	})
})
