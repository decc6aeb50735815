package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/gantrylabs/gantry/pkg/catalog"
	"github.com/gantrylabs/gantry/pkg/logsink"
	"github.com/gantrylabs/gantry/pkg/store"
)

// SpawnSpec is everything needed to launch one worker process.
type SpawnSpec struct {
	ServiceName     string
	InstanceID      string
	UserID          string
	Port            int
	Binary          string
	CredentialsJSON string
	ConfigJSON      string
}

// environ builds the worker environment contract. Workers read their
// entire configuration from these variables.
func (sp SpawnSpec) environ() []string {
	return []string{
		"PORT=" + strconv.Itoa(sp.Port),
		"INSTANCE_ID=" + sp.InstanceID,
		"USER_ID=" + sp.UserID,
		"SERVICE_NAME=" + sp.ServiceName,
		"CREDENTIALS_JSON=" + sp.CredentialsJSON,
		"CONFIG_JSON=" + sp.ConfigJSON,
		"ENV=production",
	}
}

// credentialsPayload renders the CREDENTIALS_JSON value for a worker.
// OAuth instances get token material, api_key instances get the stored
// key, anything else gets an empty object. When bearer is non-empty it
// replaces the stored access token.
func credentialsPayload(inst *store.Instance, kind string, bearer string) (string, error) {
	creds := make(map[string]string, 2)
	switch kind {
	case catalog.KindOAuth:
		token := inst.AccessToken
		if bearer != "" {
			token = bearer
		}
		if token != "" {
			creds["access_token"] = token
		}
		if inst.RefreshToken != "" {
			creds["refresh_token"] = inst.RefreshToken
		}
	case catalog.KindAPIKey:
		if inst.AccessToken != "" {
			creds["api_key"] = inst.AccessToken
		}
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("supervisor: encode credentials: %w", err)
	}
	return string(raw), nil
}

// ExitResult is the terminal status of a worker process.
type ExitResult struct {
	Code int
	Err  error
}

// Process is a live worker subprocess. Exited is closed once the
// process has ended; ExitResult is valid from that point on.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Exited() <-chan struct{}
	ExitResult() ExitResult
}

// LaunchFunc starts the worker binary for a spec, wiring its stdio into
// the given log sink. Tests inject fakes; production uses Launch.
type LaunchFunc func(ctx context.Context, spec SpawnSpec, logs *logsink.Sink) (Process, error)

// Launch starts the worker binary as an OS subprocess.
func Launch(ctx context.Context, spec SpawnSpec, logs *logsink.Sink) (Process, error) {
	if spec.Binary == "" {
		return nil, &SpawnError{Reason: "no worker binary configured for service " + spec.ServiceName}
	}
	cmd := exec.Command(spec.Binary)
	cmd.Env = append(os.Environ(), spec.environ()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Reason: "stderr pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Reason: "start " + spec.Binary, Err: err}
	}

	p := &osProcess{cmd: cmd, exited: make(chan struct{})}
	if logs != nil {
		logs.Attach(stdout, stderr)
		p.drain = logs.Drained
	}
	go p.wait()
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	drain  func()
	exited chan struct{}
	mu     sync.Mutex
	result ExitResult
}

func (p *osProcess) wait() {
	// The pipes must reach EOF before Wait may reap the child,
	// otherwise Wait closes them under the pumps.
	if p.drain != nil {
		p.drain()
	}
	err := p.cmd.Wait()
	res := ExitResult{Code: -1}
	if p.cmd.ProcessState != nil {
		res.Code = p.cmd.ProcessState.ExitCode()
	}
	if _, ok := err.(*exec.ExitError); err != nil && !ok {
		res.Err = err
	}
	p.mu.Lock()
	p.result = res
	p.mu.Unlock()
	close(p.exited)
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("supervisor: process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("supervisor: process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Exited() <-chan struct{} { return p.exited }

func (p *osProcess) ExitResult() ExitResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}
