package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
)

// WASM is a policy implemented by an Extism module.
//
// The module exports "approve", which reads a JSON Request as its input and
// writes a JSON Decision as its output. It may import "now_unix_nanos" from
// the "env" namespace to read the plugin's clock.
type WASM struct {
	mu     sync.Mutex
	plugin *extism.Plugin
}

// Option configures a loaded policy. Loaders ignore options that do not
// apply to their kind.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func newOptions(opts []Option) *options {
	o := &options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger routes the module's log output to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock exposed to the module.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewWASM compiles and instantiates a policy module. The module gets WASI
// but no network access.
func NewWASM(data []byte, opts ...Option) (*WASM, error) {
	o := newOptions(opts)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty WASM module")
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: data},
		},
	}
	config := extism.PluginConfig{
		EnableWasi: true,
	}
	hostFunctions := []extism.HostFunction{
		newNowFunction(o.now),
	}

	plugin, err := extism.NewPlugin(context.Background(), manifest, config, hostFunctions)
	if err != nil {
		return nil, fmt.Errorf("failed to create Extism plugin: %w", err)
	}
	if !plugin.FunctionExists("approve") {
		_ = plugin.Close(context.Background())
		return nil, fmt.Errorf("WASM policy must export an approve function")
	}
	logger := o.logger
	plugin.SetLogger(func(level extism.LogLevel, msg string) {
		logger.Log(context.Background(), slogLevel(level), msg, "source", "policy")
	})
	return &WASM{plugin: plugin}, nil
}

// Approve calls the module's approve export. Calls are serialized; an Extism
// plugin instance is not reentrant.
func (w *WASM) Approve(ctx context.Context, req *Request) (Decision, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode policy request: %w", err)
	}

	w.mu.Lock()
	exitCode, out, err := w.plugin.CallWithContext(ctx, "approve", in)
	w.mu.Unlock()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to call approve: %w", err)
	}
	if exitCode != 0 {
		return Decision{}, fmt.Errorf("approve returned non-zero exit code: %d", exitCode)
	}

	var d Decision
	if err := json.Unmarshal(out, &d); err != nil {
		return Decision{}, fmt.Errorf("failed to parse policy decision: %w", err)
	}
	return d, nil
}

// Close releases the module instance.
func (w *WASM) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.plugin.Close(context.Background())
}

// newNowFunction exposes the clock to the module.
// WASM signature: () -> i64 nanoseconds since the Unix epoch
func newNowFunction(now func() time.Time) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"now_unix_nanos",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			stack[0] = uint64(now().UnixNano())
		},
		[]extism.ValueType{},
		[]extism.ValueType{extism.ValueTypeI64},
	)
	fn.SetNamespace("env")
	return fn
}

func slogLevel(level extism.LogLevel) slog.Level {
	switch level {
	case extism.LogLevelError:
		return slog.LevelError
	case extism.LogLevelWarn:
		return slog.LevelWarn
	case extism.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
