package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

// Dispatcher owns the engine factories and the cache of built engines.
type Dispatcher struct {
	deps      Deps
	factories map[Kind]Factory
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]Engine
}

// NewDispatcher creates a dispatcher with the five built-in engines.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeouts == (Timeouts{}) {
		deps.Timeouts = DefaultTimeouts()
	}
	d := &Dispatcher{
		deps:      deps,
		factories: make(map[Kind]Factory),
		logger:    deps.Logger,
		cache:     make(map[string]Engine),
	}
	d.Register(KindVideo, NewVideoEngine)
	d.Register(KindImage, NewImageEngine)
	d.Register(KindAudio, NewAudioEngine)
	d.Register(KindDocument, NewDocumentEngine)
	d.Register(KindArchive, NewArchiveEngine)
	return d
}

// Register installs or replaces the factory for kind and drops any cached
// engine of that kind.
func (d *Dispatcher) Register(kind Kind, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[kind] = factory
	for key := range d.cache {
		if strings.HasPrefix(key, string(kind)+"|") {
			delete(d.cache, key)
		}
	}
}

// Capabilities returns the capability table the engines were built with.
func (d *Dispatcher) Capabilities() Capabilities {
	return d.deps.Capabilities
}

// DetectKind maps a file name to a kind.
func (d *Dispatcher) DetectKind(filename string) Kind {
	return DetectKind(filename)
}

// GetEngine returns the engine for kind and cfg, building it on first use.
// Callers asking with equal configs receive the same instance.
func (d *Dispatcher) GetEngine(kind Kind, cfg Config) (Engine, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	factory, ok := d.factories[kind]
	if !ok {
		return nil, false
	}

	key := cfg.CacheKey(kind)
	if eng, ok := d.cache[key]; ok {
		return eng, true
	}

	eng, err := factory(cfg, d.deps)
	if err != nil {
		d.logger.Error("failed to build engine",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		return nil, false
	}
	d.cache[key] = eng
	d.logger.Debug("engine created", slog.String("kind", string(kind)), slog.String("cache_key", key))
	return eng, true
}

// ClearCache drops every built engine.
func (d *Dispatcher) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.cache)
}

// Convert detects the kind, checks availability and delegates to the engine.
// Panics inside engines are recovered into a failed result.
func (d *Dispatcher) Convert(ctx context.Context, req Request) (res Result) {
	kind := req.Kind
	if kind == KindUnknown {
		name := req.Filename
		if name == "" {
			name = filepath.Base(req.InputPath)
		}
		kind = DetectKind(name)
	}
	if kind == KindUnknown {
		return Failed(ErrorClassValidation, false, "could not determine file type")
	}

	eng, ok := d.GetEngine(kind, req.Config)
	if !ok {
		return Failed(ErrorClassDependency, false, "engine %q is not available", kind)
	}

	if !eng.Available() {
		return Failed(ErrorClassDependency, false, "engine %q is unavailable, missing dependencies: %s",
			kind, strings.Join(missing(eng.Dependencies()), ", "))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("engine panicked",
				slog.String("kind", string(kind)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = Failed(ErrorClassInfrastructure, false, "internal error: %v", r)
		}
	}()

	req.Kind = kind
	res = eng.Convert(ctx, req)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["engine"] = string(kind)
	return res
}

// Formats returns the supported formats per kind.
func (d *Dispatcher) Formats() map[Kind]Formats {
	out := make(map[Kind]Formats)
	for _, kind := range Kinds() {
		if eng, ok := d.GetEngine(kind, nil); ok {
			out[kind] = eng.Formats()
		}
	}
	return out
}

// Status describes availability, dependencies and formats per kind.
func (d *Dispatcher) Status() map[Kind]Descriptor {
	out := make(map[Kind]Descriptor)
	for _, kind := range Kinds() {
		eng, ok := d.GetEngine(kind, nil)
		if !ok {
			out[kind] = Descriptor{Kind: kind, Dependencies: map[string]bool{}}
			continue
		}
		out[kind] = Descriptor{
			Kind:         kind,
			Available:    eng.Available(),
			Dependencies: eng.Dependencies(),
			Formats:      eng.Formats(),
		}
	}
	return out
}

func missing(deps map[string]bool) []string {
	var out []string
	for name, ok := range deps {
		if !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// allPresent reports whether every dependency is satisfied.
func allPresent(deps map[string]bool) bool {
	for _, ok := range deps {
		if !ok {
			return false
		}
	}
	return true
}

func unsupportedOutput(kind Kind, format string, f Formats) Result {
	return Failed(ErrorClassValidation, false, "unsupported output format %q for %s (supported: %s)",
		format, kind, strings.Join(f.Output, ", "))
}
