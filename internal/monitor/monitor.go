// Package monitor keeps gateway sessions to a fixed roster of instances and
// tracks their health with periodic checks and a slower recovery pass.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomer-shavit/clawster/server/internal/config"
	"github.com/tomer-shavit/clawster/server/internal/gateway"
	"github.com/tomer-shavit/clawster/server/internal/metrics"
)

const (
	healthTimeout  = 10 * time.Second
	connectTimeout = 15 * time.Second
	maxConcurrent  = 5
)

// Status is the observed health of one instance.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
)

// Monitor runs periodic health checks against all connected instances and
// attempts to reconnect OFFLINE ones.
type Monitor struct {
	manager   *gateway.Manager
	instances []config.Instance
	gwCfg     config.GatewayConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger

	checkInterval    time.Duration
	recoveryInterval time.Duration
	failureThreshold int

	mu       sync.Mutex
	status   map[string]Status
	failures map[string]int
}

// New creates a Monitor. Call Start to connect the roster and begin checks.
func New(manager *gateway.Manager, instances []config.Instance, gwCfg config.GatewayConfig, monCfg config.MonitorConfig, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		manager:          manager,
		instances:        instances,
		gwCfg:            gwCfg,
		metrics:          m,
		logger:           logger,
		checkInterval:    monCfg.CheckInterval,
		recoveryInterval: monCfg.RecoveryInterval,
		failureThreshold: monCfg.FailureThreshold,
		status:           make(map[string]Status),
		failures:         make(map[string]int),
	}
}

// Start connects the whole roster, then runs health and recovery passes
// until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.connectAll(ctx)
	m.checkAll(ctx)

	checkTicker := time.NewTicker(m.checkInterval)
	recoveryTicker := time.NewTicker(m.recoveryInterval)
	defer checkTicker.Stop()
	defer recoveryTicker.Stop()

	for {
		select {
		case <-checkTicker.C:
			m.checkAll(ctx)
		case <-recoveryTicker.C:
			m.recoverAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns the current status of every instance.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.status))
	for id, s := range m.status {
		out[id] = s
	}
	return out
}

// connectAll dials every instance in the roster with bounded concurrency.
// Failures are logged, not fatal; the recovery pass retries them.
func (m *Monitor) connectAll(ctx context.Context) {
	m.runBatched(ctx, m.instances, func(ctx context.Context, inst config.Instance) {
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		if _, err := m.manager.GetClient(connCtx, inst.ID, m.options(inst)); err != nil {
			m.logger.Warn("monitor: initial connect failed",
				zap.String("instanceId", inst.ID),
				zap.Error(err))
			m.setStatus(inst.ID, StatusOffline)
			m.metrics.RecordConnect("error")
			return
		}
		m.setStatus(inst.ID, StatusOnline)
		m.metrics.RecordConnect("ok")
	})

	m.logger.Info("monitor: roster connected",
		zap.Int("total", len(m.instances)),
		zap.Int("connected", len(m.manager.GetConnectedInstances())),
	)
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.runBatched(ctx, m.instances, func(ctx context.Context, inst config.Instance) {
		if m.currentStatus(inst.ID) == StatusOffline {
			return // recovery pass owns offline instances
		}
		m.checkInstance(ctx, inst)
	})
}

func (m *Monitor) recoverAll(ctx context.Context) {
	m.runBatched(ctx, m.instances, func(ctx context.Context, inst config.Instance) {
		if m.currentStatus(inst.ID) != StatusOffline {
			return
		}
		m.recoverInstance(ctx, inst)
	})
}

// checkInstance runs a single health RPC for the instance.
func (m *Monitor) checkInstance(ctx context.Context, inst config.Instance) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	client := m.manager.Lookup(inst.ID)
	if client == nil || !client.IsConnected() {
		m.recordFailure(inst.ID)
		return
	}

	start := time.Now()
	_, err := client.Health(ctx)
	if err != nil {
		m.metrics.RecordRPC(gateway.MethodHealth, "error", time.Since(start).Seconds())
		m.logger.Warn("monitor: health check failed",
			zap.String("instanceId", inst.ID),
			zap.Error(err))
		m.recordFailure(inst.ID)
		return
	}
	m.metrics.RecordRPC(gateway.MethodHealth, "ok", time.Since(start).Seconds())

	m.mu.Lock()
	m.failures[inst.ID] = 0
	m.status[inst.ID] = StatusOnline
	m.mu.Unlock()
	m.metrics.SetInstanceUp(inst.ID, true)

	m.logger.Debug("monitor: health check passed", zap.String("instanceId", inst.ID))
}

// recoverInstance tries to re-establish a session for an OFFLINE instance.
func (m *Monitor) recoverInstance(ctx context.Context, inst config.Instance) {
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if _, err := m.manager.GetClient(connCtx, inst.ID, m.options(inst)); err != nil {
		// Still unreachable; retry next cycle.
		m.logger.Debug("monitor: recovery connect failed",
			zap.String("instanceId", inst.ID),
			zap.Error(err))
		m.metrics.RecordConnect("error")
		return
	}
	m.metrics.RecordConnect("ok")

	m.mu.Lock()
	m.failures[inst.ID] = 0
	m.mu.Unlock()
	m.checkInstance(ctx, inst)
	m.logger.Info("monitor: recovered instance", zap.String("instanceId", inst.ID))
}

// recordFailure increments the failure counter, demoting to DEGRADED and to
// OFFLINE once the threshold is reached.
func (m *Monitor) recordFailure(instanceID string) {
	m.mu.Lock()
	m.failures[instanceID]++
	if m.failures[instanceID] >= m.failureThreshold {
		m.status[instanceID] = StatusOffline
		m.failures[instanceID] = 0
	} else {
		m.status[instanceID] = StatusDegraded
	}
	m.mu.Unlock()
	m.metrics.SetInstanceUp(instanceID, false)
}

func (m *Monitor) currentStatus(instanceID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[instanceID]
}

func (m *Monitor) setStatus(instanceID string, s Status) {
	m.mu.Lock()
	m.status[instanceID] = s
	m.mu.Unlock()
	m.metrics.SetInstanceUp(instanceID, s == StatusOnline)
}

// options builds the per-instance connection options from the shared
// gateway defaults.
func (m *Monitor) options(inst config.Instance) gateway.Options {
	return gateway.Options{
		Host: inst.Host,
		Port: inst.Port,
		Auth: gateway.Auth{Token: inst.Token, Password: inst.Password},
		Protocol: gateway.ProtocolRange{
			Min: m.gwCfg.ProtocolMin,
			Max: m.gwCfg.ProtocolMax,
		},
		Client: gateway.ClientInfo{
			Name:     m.gwCfg.ClientName,
			Version:  m.gwCfg.ClientVersion,
			Platform: m.gwCfg.ClientPlatform,
			Mode:     m.gwCfg.ClientMode,
		},
		RequestTimeout: m.gwCfg.RequestTimeout,
		Reconnect: &gateway.ReconnectPolicy{
			Enabled:     !m.gwCfg.ReconnectDisabled,
			MaxAttempts: m.gwCfg.ReconnectMaxAttempts,
			BaseDelay:   m.gwCfg.ReconnectBaseDelay,
			MaxDelay:    m.gwCfg.ReconnectMaxDelay,
		},
	}
}

// runBatched executes fn for each instance with at most maxConcurrent in
// flight.
func (m *Monitor) runBatched(ctx context.Context, instances []config.Instance, fn func(context.Context, config.Instance)) {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fn(ctx, inst)
		}()
	}

	wg.Wait()
}
