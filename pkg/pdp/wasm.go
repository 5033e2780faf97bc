package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/relaysec/relay/pkg/policy"
)

// WASMPDP runs a policy module under a WASI sandbox. The module reads the
// manifest projection as JSON on stdin and writes a decision document
// {allow, deny_reasons, matched_rules, version} to stdout. Deny-by-default
// sandbox: no filesystem mounts, no network, no environment.
type WASMPDP struct {
	modulePath string
	timeout    time.Duration

	runtime  wazero.Runtime
	compiled atomic.Pointer[wasmModule]
	version  atomic.Value // string
}

type wasmModule struct {
	code wazero.CompiledModule
}

// NewWASMPDP creates the sandbox runtime and compiles the module at
// modulePath. A missing or invalid module is not fatal: the decision point
// stays fail-closed until a valid module appears via Load.
func NewWASMPDP(ctx context.Context, modulePath string, timeout time.Duration) *WASMPDP {
	if timeout == 0 {
		timeout = defaultEvalTimeout
	}
	w := &WASMPDP{
		modulePath: modulePath,
		timeout:    timeout,
		runtime:    wazero.NewRuntime(ctx),
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, w.runtime)
	w.version.Store(VersionUnknown)

	if err := w.compileFromDisk(ctx); err != nil {
		// Evaluations fail closed; the operator sees the reason once.
		fmt.Fprintf(os.Stderr, "relay: wasm policy module unavailable: %v\n", err)
	}
	return w
}

func (w *WASMPDP) compileFromDisk(ctx context.Context) error {
	if w.modulePath == "" {
		return fmt.Errorf("no module path configured")
	}
	code, err := os.ReadFile(w.modulePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.modulePath, err)
	}
	compiled, err := w.runtime.CompileModule(ctx, code)
	if err != nil {
		return fmt.Errorf("compile %s: %w", w.modulePath, err)
	}
	w.compiled.Store(&wasmModule{code: compiled})
	return nil
}

// Evaluate implements PolicyDecisionPoint.
func (w *WASMPDP) Evaluate(ctx context.Context, in *policy.Input) (*Decision, error) {
	mod := w.compiled.Load()
	if mod == nil || in == nil {
		return Unavailable(), nil
	}

	input, err := json.Marshal(in)
	if err != nil {
		return Unavailable(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	instance, err := w.runtime.InstantiateModule(ctx, mod.code, cfg)
	if err != nil {
		// Trap, exit code, or deadline. All fail closed.
		return Unavailable(), nil
	}
	defer func() { _ = instance.Close(ctx) }()

	var result opaResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Unavailable(), nil
	}

	version := result.Version
	if version == "" {
		version = VersionUnknown
	} else {
		w.version.Store(version)
	}

	d := &Decision{
		Approved:      result.Allow,
		PolicyVersion: version,
		MatchedRules:  result.MatchedRules,
	}
	if !d.Approved {
		if len(result.DenyReasons) > 0 {
			d.DenialReason = result.DenyReasons[0]
		} else {
			d.DenialReason = policy.DefaultDenyReason
		}
	}
	return d, nil
}

// Load recompiles the module from disk and records the compiled source
// version. The wasm artifact itself is produced out of band from the same
// source the version hash covers.
func (w *WASMPDP) Load(ctx context.Context, compiled *policy.Compiled) error {
	if err := w.compileFromDisk(ctx); err != nil {
		return fmt.Errorf("pdp: wasm reload: %w", err)
	}
	if compiled != nil {
		w.version.Store(compiled.Version)
	}
	return nil
}

// PolicyVersion implements PolicyDecisionPoint.
func (w *WASMPDP) PolicyVersion() string {
	return w.version.Load().(string)
}

// Backend implements PolicyDecisionPoint.
func (w *WASMPDP) Backend() Backend { return BackendWASM }

// Healthy implements PolicyDecisionPoint.
func (w *WASMPDP) Healthy(context.Context) bool {
	return w.compiled.Load() != nil
}

// Close releases the sandbox runtime.
func (w *WASMPDP) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
