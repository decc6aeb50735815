package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/metrics"
)

// Probe stage labels, also used as metric labels.
const (
	StagePort     = "port"
	StageHealth   = "health"
	StageProtocol = "protocol"
)

const (
	defaultStartupBudget = 30 * time.Second
	defaultProbeCadence  = time.Second
	defaultProbeGrace    = time.Second
	defaultProbeTimeout  = 5 * time.Second
	maxProbeBody         = 1 << 20
)

// Target identifies the worker endpoint a probe talks to.
type Target struct {
	InstanceID string
	Service    string
	Port       int
	Entry      *catalog.Entry
}

func (t Target) baseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(t.Port)
}

func (t Target) protocolURL(leaf string) string {
	return fmt.Sprintf("%s/%s/mcp/%s/%s", t.baseURL(), t.InstanceID, t.Service, leaf)
}

// ReadinessProber gates worker startup and checks steady-state health.
type ReadinessProber interface {
	// Probe drives the staged startup sequence until success or the
	// startup budget is spent.
	Probe(ctx context.Context, t Target) error
	// Check runs one health plus protocol pass against a ready worker.
	Check(ctx context.Context, t Target) error
}

// Prober is the HTTP implementation of ReadinessProber. Startup walks
// three stages: the port accepts connections, /health answers 2xx, and
// the protocol surface reports a non-empty tool list. A failed stage is
// retried on the probe cadence until the budget runs out; stages never
// regress within one Probe call.
type Prober struct {
	client  *http.Client
	dial    func(ctx context.Context, addr string) error
	budget  time.Duration
	cadence time.Duration
	grace   time.Duration
	timeout time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithStartupBudget bounds the total time Probe may spend.
func WithStartupBudget(d time.Duration) ProberOption {
	return func(p *Prober) { p.budget = d }
}

// WithProbeCadence sets the delay between probe attempts.
func WithProbeCadence(d time.Duration) ProberOption {
	return func(p *Prober) { p.cadence = d }
}

// WithProbeGrace sets the initial wait before the first probe.
func WithProbeGrace(d time.Duration) ProberOption {
	return func(p *Prober) { p.grace = d }
}

// WithProbeTimeout bounds each individual probe call.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithProbeClient overrides the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// WithDialFunc overrides the TCP dialer used for the port stage.
func WithDialFunc(dial func(ctx context.Context, addr string) error) ProberOption {
	return func(p *Prober) { p.dial = dial }
}

// NewProber builds a prober with production budgets.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		client:  &http.Client{},
		dial:    dialPort,
		budget:  defaultStartupBudget,
		cadence: defaultProbeCadence,
		grace:   defaultProbeGrace,
		timeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func dialPort(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Probe implements the staged startup sequence.
func (p *Prober) Probe(ctx context.Context, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	if err := sleepCtx(ctx, p.grace); err != nil {
		return fmt.Errorf("%w: startup grace interrupted: %w", ErrStartupTimeout, err)
	}

	stage := StagePort
	var lastErr error
	for {
		err := p.stageOnce(ctx, stage, t)
		if err == nil {
			switch stage {
			case StagePort:
				stage = StageHealth
			case StageHealth:
				stage = StageProtocol
			default:
				return nil
			}
			continue
		}
		metrics.IncProbeFailure(stage)
		var perr *ProbeError
		if errors.As(err, &perr) && perr.Permanent {
			return err
		}
		lastErr = err
		if serr := sleepCtx(ctx, p.cadence); serr != nil {
			return fmt.Errorf("%w: last failure at %s stage: %w", ErrStartupTimeout, stage, lastErr)
		}
	}
}

// Check runs the steady-state health pass: /health plus the protocol
// smoke, each under the per-probe timeout.
func (p *Prober) Check(ctx context.Context, t Target) error {
	if err := p.checkHealth(ctx, t); err != nil {
		return err
	}
	return p.checkProtocol(ctx, t)
}

func (p *Prober) stageOnce(ctx context.Context, stage string, t Target) error {
	switch stage {
	case StagePort:
		return p.checkPort(ctx, t)
	case StageHealth:
		return p.checkHealth(ctx, t)
	default:
		return p.checkProtocol(ctx, t)
	}
}

func (p *Prober) checkPort(ctx context.Context, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.Port))
	if err := p.dial(ctx, addr); err != nil {
		return &ProbeError{Stage: StagePort, Detail: err.Error()}
	}
	return nil
}

func (p *Prober) checkHealth(ctx context.Context, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	status, _, err := p.get(ctx, t.baseURL()+"/health")
	if err != nil {
		return &ProbeError{Stage: StageHealth, Detail: err.Error()}
	}
	if status/100 != 2 {
		return &ProbeError{Stage: StageHealth, Detail: fmt.Sprintf("health returned status %d", status)}
	}
	return nil
}

type infoPayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsPayload struct {
	Tools []json.RawMessage `json:"tools"`
}

func (p *Prober) checkProtocol(ctx context.Context, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, body, err := p.get(ctx, t.protocolURL("info"))
	if err != nil {
		return &ProbeError{Stage: StageProtocol, Detail: err.Error()}
	}
	if status/100 != 2 {
		return &ProbeError{Stage: StageProtocol, Detail: fmt.Sprintf("info returned status %d", status)}
	}
	var info infoPayload
	if err := json.Unmarshal(body, &info); err != nil {
		return &ProbeError{Stage: StageProtocol, Detail: "info payload is not valid JSON: " + err.Error()}
	}
	if t.Entry != nil {
		if err := t.Entry.CheckVersion(info.Version); err != nil {
			return &ProbeError{Stage: StageProtocol, Detail: err.Error(), Permanent: true}
		}
	}

	status, body, err = p.get(ctx, t.protocolURL("tools"))
	if err != nil {
		return &ProbeError{Stage: StageProtocol, Detail: err.Error()}
	}
	if status/100 != 2 {
		return &ProbeError{Stage: StageProtocol, Detail: fmt.Sprintf("tools returned status %d", status)}
	}
	var tools toolsPayload
	if err := json.Unmarshal(body, &tools); err != nil {
		return &ProbeError{Stage: StageProtocol, Detail: "tools payload is not valid JSON: " + err.Error()}
	}
	if len(tools.Tools) == 0 {
		return &ProbeError{Stage: StageProtocol, Detail: "worker reported an empty tool list"}
	}
	return nil
}

func (p *Prober) get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
