package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/logits"
	"github.com/samcharles93/lumen/internal/runner"
	"github.com/samcharles93/lumen/internal/tensor"
)

// ErrBusy is returned when Generate is called while another generation is
// in flight on the same Engine.
var ErrBusy = errors.New("engine is already generating")

// EngineConfig carries the token ids the engine needs from the vocabulary.
type EngineConfig struct {
	EOSTokenID   int
	ImageTokenID int
	Observer     Observer
}

// Engine drives one multimodal generation at a time against a Runner it
// owns exclusively.
type Engine struct {
	runner runner.Runner
	cfg    EngineConfig
	busy   atomic.Bool
}

func NewEngine(r runner.Runner, cfg EngineConfig) (*Engine, error) {
	if r == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if r.NumLayers() <= 0 {
		return nil, errdefs.Config("load", "runner reports %d layers", r.NumLayers())
	}
	return &Engine{runner: r, cfg: cfg}, nil
}

func (e *Engine) Runner() runner.Runner { return e.runner }

// Close releases the runner when it holds resources.
func (e *Engine) Close() error {
	if e == nil || e.runner == nil {
		return nil
	}
	if closer, ok := e.runner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Input is a templated token sequence plus the tile embeddings that fill
// its image-marker slots, in tile order.
type Input struct {
	IDs          []int
	Tiles        []tensor.Mat
	MaxNewTokens int
}

// Generate runs INIT, PREFILL and DECODING for in. emit, when set, receives
// every generated id including a terminating eos.
//
// Cancelling ctx is observed only at the top of each decode iteration; calls
// already issued to the runner complete. A cancelled generation is not an
// error: the returned State has StatusCancelled and a nil error. Fatal
// failures return the State with StatusError alongside the error.
func (e *Engine) Generate(ctx context.Context, in Input, emit func(id int)) (*State, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if len(in.IDs) == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}
	if in.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max new tokens must be positive, got %d", in.MaxNewTokens)
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	log := logger.FromContext(ctx).With("component", "engine")
	// In-flight runner calls are not preempted by cancellation.
	call := context.WithoutCancel(ctx)
	st := &State{Phase: PhaseInit, Status: StatusRunning, Last: -1}

	emb, err := e.merge(call, in)
	if err != nil {
		return e.fail(st, log, err)
	}

	st.Phase = PhasePrefill
	n := len(in.IDs)
	started := time.Now()
	var hidden tensor.Mat
	var cache runner.KVCache
	err = guard("Prefill", func() error {
		var cerr error
		hidden, cache, cerr = e.runner.Prefill(call, emb, ones(n), positions(n))
		return cerr
	})
	if err != nil {
		return e.fail(st, log, errdefs.ModelCall("prefill", "Prefill", err))
	}
	if err := e.checkCache(cache); err != nil {
		return e.fail(st, log, errdefs.ModelCall("prefill", "Prefill", err))
	}
	if hidden.R == 0 {
		return e.fail(st, log, errdefs.ModelCall("prefill", "Prefill", fmt.Errorf("no hidden states returned")))
	}
	next, err := e.project(call, "prefill", hidden.Last())
	if err != nil {
		return e.fail(st, log, err)
	}
	st.PrefillDuration = time.Since(started)
	st.SeqLen = n
	st.Cache = cache
	e.accept(st, next, emit)
	e.notify(Event{Kind: EventPrefillComplete, Step: 1, Token: next})
	log.Debug("prefill complete", "seq_len", n, "token", next, "elapsed", st.PrefillDuration)

	if next == e.cfg.EOSTokenID {
		return e.finish(st, log, StatusCompleted), nil
	}

	st.Phase = PhaseDecoding
	for step := 2; step <= in.MaxNewTokens; step++ {
		if ctx.Err() != nil {
			return e.finish(st, log, StatusCancelled), nil
		}
		e.notify(Event{Kind: EventStep, Step: step})

		var tokEmb tensor.Mat
		err = guard("TokenEmbed", func() error {
			var cerr error
			tokEmb, cerr = e.runner.TokenEmbed(call, []int{st.Last})
			return cerr
		})
		if err == nil && tokEmb.R != 1 {
			err = fmt.Errorf("token embedding returned %d rows, want 1", tokEmb.R)
		}
		if err != nil {
			return e.fail(st, log, errdefs.ModelCall("decode", "TokenEmbed", err))
		}

		var out tensor.Mat
		var nextCache runner.KVCache
		err = guard("DecodeStep", func() error {
			var cerr error
			out, nextCache, cerr = e.runner.DecodeStep(call, tokEmb, ones(st.SeqLen+1), int64(st.SeqLen), st.Cache)
			return cerr
		})
		if err == nil {
			err = e.checkCache(nextCache)
		}
		if err == nil && out.R == 0 {
			err = fmt.Errorf("no hidden state returned")
		}
		if err != nil {
			return e.fail(st, log, errdefs.ModelCall("decode", "DecodeStep", err))
		}

		next, err = e.project(call, "decode", out.Last())
		if err != nil {
			return e.fail(st, log, err)
		}
		st.Cache = nextCache
		st.SeqLen++
		e.accept(st, next, emit)
		if next == e.cfg.EOSTokenID {
			return e.finish(st, log, StatusCompleted), nil
		}
	}
	return e.finish(st, log, StatusMaxTokens), nil
}

// merge embeds the token sequence and overwrites every image-marker row with
// the next unconsumed tile embedding row.
func (e *Engine) merge(ctx context.Context, in Input) (tensor.Mat, error) {
	markers := 0
	for _, id := range in.IDs {
		if id == e.cfg.ImageTokenID {
			markers++
		}
	}
	slots := 0
	for _, t := range in.Tiles {
		slots += t.R
	}
	if markers != slots {
		return tensor.Mat{}, errdefs.ConfigMismatch("init",
			"prompt has %d image markers but %d tile embedding slots", markers, slots)
	}

	var emb tensor.Mat
	err := guard("TokenEmbed", func() error {
		var cerr error
		emb, cerr = e.runner.TokenEmbed(ctx, in.IDs)
		return cerr
	})
	if err == nil && emb.R != len(in.IDs) {
		err = fmt.Errorf("token embedding returned %d rows for %d ids", emb.R, len(in.IDs))
	}
	if err != nil {
		return tensor.Mat{}, errdefs.ModelCall("init", "TokenEmbed", err)
	}
	if slots == 0 {
		return emb, nil
	}

	emb = emb.Clone()
	tile, row := 0, 0
	for pos, id := range in.IDs {
		if id != e.cfg.ImageTokenID {
			continue
		}
		for row >= in.Tiles[tile].R {
			tile++
			row = 0
		}
		src := in.Tiles[tile]
		if err := emb.SetRow(pos, src.Row(row)); err != nil {
			return tensor.Mat{}, errdefs.ConfigMismatch("init",
				"tile %d embedding width %d, token embedding width %d", tile, src.C, emb.C)
		}
		row++
	}
	return emb, nil
}

func (e *Engine) project(ctx context.Context, stage string, hidden []float32) (int, error) {
	var logitsVec []float32
	err := guard("LMHead", func() error {
		var cerr error
		logitsVec, cerr = e.runner.LMHead(ctx, hidden)
		return cerr
	})
	if err != nil {
		return -1, errdefs.ModelCall(stage, "LMHead", err)
	}
	id, err := logits.Greedy{}.Select(logitsVec)
	if err != nil {
		return -1, errdefs.ModelCall(stage, "LMHead", err)
	}
	return id, nil
}

// checkCache only counts layers. Entry contents, including any sliding or
// truncation, belong to the runner.
func (e *Engine) checkCache(cache runner.KVCache) error {
	if len(cache) != e.runner.NumLayers() {
		return fmt.Errorf("runner returned %d cache entries, want %d", len(cache), e.runner.NumLayers())
	}
	return nil
}

func (e *Engine) accept(st *State, id int, emit func(int)) {
	st.Last = id
	st.Tokens = append(st.Tokens, id)
	if emit != nil {
		emit(id)
	}
}

func (e *Engine) finish(st *State, log logger.Logger, status Status) *State {
	st.Status = status
	st.Phase = PhaseTerminated
	e.notify(Event{Kind: EventFinished, Step: len(st.Tokens), Status: status})
	log.Debug("generation finished", "status", status, "tokens", len(st.Tokens), "seq_len", st.SeqLen)
	return st
}

func (e *Engine) fail(st *State, log logger.Logger, err error) (*State, error) {
	phase := st.Phase
	st.Status = StatusError
	st.Phase = PhaseTerminated
	e.notify(Event{Kind: EventFinished, Step: len(st.Tokens), Status: StatusError, Err: err})
	log.Warn("generation failed", "phase", phase, "kind", errdefs.KindOf(err), "error", err)
	return st, err
}

func (e *Engine) notify(ev Event) {
	if e.cfg.Observer != nil {
		e.cfg.Observer(ev)
	}
}

// guard converts a runner panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", op, rec)
		}
	}()
	return fn()
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func positions(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}
