package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/config"
	"wristwake/internal/mqttpub"
	"wristwake/internal/power"
	"wristwake/internal/stats"
)

func testConfig(t *testing.T, extra string) (config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	statsPath := filepath.Join(dir, "stats.yaml")
	cfg, err := config.Parse([]byte(`
board:
  cpu_disabled: true
stats:
  backend: file
  path: ` + statsPath + `
settings:
  path: ` + filepath.Join(dir, "settings.yaml") + `
` + extra))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	return cfg, dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func startRuntime(t *testing.T, cfg config.Config) (*runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt, err := newRuntime(ctx, cfg, zap.NewNop())
	if err != nil {
		cancel()
		t.Fatalf("newRuntime() error: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		rt.Close()
	})
	return rt, cancel, errCh
}

func stopRuntime(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return")
	}
}

func TestRuntime_BootsActiveAndRecordsUptime(t *testing.T) {
	cfg, _ := testConfig(t, "")
	rt, cancel, errCh := startRuntime(t, cfg)

	waitFor(t, 2*time.Second, func() bool {
		a, ok := rt.actCh.Last()
		return ok && a.State == power.Active
	}, "power manager never became active")

	powered, awake := rt.display.State()
	if !powered || !awake {
		t.Fatalf("display powered=%v awake=%v", powered, awake)
	}
	if rt.power.IdleTimeout() != 20*time.Second {
		t.Fatalf("idle timeout=%s", rt.power.IdleTimeout())
	}

	stopRuntime(t, cancel, errCh)

	rec, err := stats.FileStore{Path: cfg.Stats.Path}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rec.Boots != 1 {
		t.Fatalf("boots=%d want 1", rec.Boots)
	}
	if rec.BootID == "" {
		t.Fatalf("boot id not assigned")
	}
	if rec.UptimeSum <= 0 {
		t.Fatalf("uptime not recorded")
	}
}

func TestRuntime_IdleTimeoutTurnsDisplayOff(t *testing.T) {
	cfg, _ := testConfig(t, "power:\n  idle_timeout: 150ms\n  min_active_period: 10ms\n")
	rt, cancel, errCh := startRuntime(t, cfg)

	waitFor(t, 2*time.Second, func() bool { return rt.power.State() == power.Inactive }, "never went inactive")
	_, awake := rt.display.State()
	if awake {
		t.Fatalf("display still awake after idle timeout")
	}

	rt.power.UserActivity()
	waitFor(t, 2*time.Second, func() bool { return rt.power.State() == power.Active }, "user activity did not wake")
	stopRuntime(t, cancel, errCh)
}

func TestRuntime_DisplayAlwaysOnSetting(t *testing.T) {
	cfg, _ := testConfig(t, "")
	if err := os.WriteFile(cfg.Settings.Path, []byte("display_always_on: true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	rt, cancel, errCh := startRuntime(t, cfg)
	if rt.power.IdleTimeout() != power.Forever {
		t.Fatalf("idle timeout=%s want forever", rt.power.IdleTimeout())
	}
	stopRuntime(t, cancel, errCh)
}

type recordingBroker struct {
	mu   sync.Mutex
	pubs map[string][]string
}

func (b *recordingBroker) Publish(topic string, _ byte, _ bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs[topic] = append(b.pubs[topic], string(payload))
	return nil
}

func (b *recordingBroker) Subscribe(string, byte, mqttpub.MessageHandler) error { return nil }
func (b *recordingBroker) Unsubscribe(...string) error                          { return nil }
func (b *recordingBroker) Disconnect()                                          {}

func (b *recordingBroker) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pubs[topic])
}

func TestRuntime_MQTTBridgePublishesActivity(t *testing.T) {
	broker := &recordingBroker{pubs: make(map[string][]string)}
	orig := dialMQTT
	dialMQTT = func(mqttpub.Config, *zap.Logger) (mqttpub.Broker, error) { return broker, nil }
	t.Cleanup(func() { dialMQTT = orig })

	cfg, _ := testConfig(t, "mqtt:\n  enable: true\n  broker: tcp://example.invalid:1883\n  topic_prefix: watch\n")
	_, cancel, errCh := startRuntime(t, cfg)

	waitFor(t, 2*time.Second, func() bool { return broker.count("watch/activity") > 0 }, "no activity published")
	waitFor(t, 2*time.Second, func() bool { return broker.count("watch/battery") > 0 }, "no battery published")
	stopRuntime(t, cancel, errCh)

	if broker.count("watch/online") != 2 {
		t.Fatalf("online publishes=%d want 2", broker.count("watch/online"))
	}
}

func TestRuntime_UnknownIMUDriver(t *testing.T) {
	cfg, _ := testConfig(t, "")
	cfg.IMU.Driver = "bogus"
	if _, err := newRuntime(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPrintStats(t *testing.T) {
	cfg, dir := testConfig(t, "")
	rec := stats.Record{
		Boots:          3,
		BootID:         "abc",
		WakeupTime:     time.Minute,
		DisplayOffTime: 3 * time.Minute,
		UptimeSum:      time.Hour,
	}
	if err := (stats.FileStore{Path: cfg.Stats.Path}).Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	cfgPath := filepath.Join(dir, "wristwake.yaml")
	body := "stats:\n  backend: file\n  path: " + cfg.Stats.Path + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	var out bytes.Buffer
	if err := printStats(context.Background(), cfgPath, &out); err != nil {
		t.Fatalf("printStats() error: %v", err)
	}
	var got statsReport
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error: %v\n%s", err, out.String())
	}
	if got.Boots != 3 || got.BootID != "abc" {
		t.Fatalf("report=%+v", got)
	}
	if got.UptimeSum != "1h0m0s" {
		t.Fatalf("uptime_sum=%q", got.UptimeSum)
	}
	if got.DisplayOnPercent != 25 {
		t.Fatalf("display_on_percent=%v want 25", got.DisplayOnPercent)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.String() != version+"\n" {
		t.Fatalf("out=%q", out.String())
	}
}
