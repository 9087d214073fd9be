package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/buildstorm/internal/log"
)

// MaxFlattenPasses bounds the expand-flatten loop. A factory that keeps
// producing further factories would otherwise never satisfy the
// termination condition; exceeding the budget fails resolution with
// ErrResolveDepth instead of hanging the host.
const MaxFlattenPasses = 64

// Normalizer flattens an option subtree into a flat ordered plugin
// sequence containing no factories, no deferred producers, no lists,
// and no skips.
type Normalizer struct {
	logger *log.Logger
}

// NewNormalizer creates a normalizer. A nil logger disables logging.
func NewNormalizer(logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Null
	}
	return &Normalizer{logger: logger}
}

// Flatten expands opt against env until only concrete plugins remain.
//
// Each pass invokes every pending factory and deferred producer
// concurrently and waits for all of them; each result is substituted
// at its element's original index, so left-to-right order survives
// regardless of completion order. Between passes, nesting is flattened
// to a single level and skips are dropped.
func (n *Normalizer) Flatten(ctx context.Context, env Environment, opt Option) ([]*Plugin, error) {
	seq := []Option{opt}

	for pass := 0; ; pass++ {
		var err error
		seq, err = flattenDeep(seq)
		if err != nil {
			return nil, err
		}

		if !hasPending(seq) {
			break
		}
		if pass >= MaxFlattenPasses {
			return nil, fmt.Errorf("%w (%d passes)", ErrResolveDepth, pass)
		}

		n.logger.Debug("expanding %d options (pass %d)", len(seq), pass+1)
		seq, err = n.expandPass(ctx, env, seq)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*Plugin, 0, len(seq))
	for _, o := range seq {
		po, ok := o.(*pluginOption)
		if !ok {
			// flattenDeep and expandPass leave only plugin options.
			return nil, fmt.Errorf("%w: %T", ErrInvalidOption, o)
		}
		if po.p == nil {
			return nil, ErrNilPlugin
		}
		out = append(out, po.p)
	}
	return out, nil
}

// expandPass invokes all pending elements concurrently, substituting
// each result at its original index. A nil result with a nil error
// contributes nothing.
func (n *Normalizer) expandPass(ctx context.Context, env Environment, seq []Option) ([]Option, error) {
	out := make([]Option, len(seq))
	errs := make([]error, len(seq))

	var wg sync.WaitGroup
	for i, o := range seq {
		switch v := o.(type) {
		case *factoryOption:
			wg.Add(1)
			go func(i int, v *factoryOption) {
				defer wg.Done()
				res, err := v.fn(ctx, env)
				if err != nil {
					errs[i] = fmt.Errorf("plugin factory failed: %w", err)
					return
				}
				if res == nil {
					res = skipValue
				}
				out[i] = res
			}(i, v)
		case *deferredOption:
			wg.Add(1)
			go func(i int, v *deferredOption) {
				defer wg.Done()
				res, err := v.fn(ctx)
				if err != nil {
					errs[i] = fmt.Errorf("deferred plugin option failed: %w", err)
					return
				}
				if res == nil {
					res = skipValue
				}
				out[i] = res
			}(i, v)
		default:
			out[i] = o
		}
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// flattenDeep splices nested lists into a single level and drops skips
// and nil entries. Factories and deferred producers pass through for
// the next expansion pass.
func flattenDeep(seq []Option) ([]Option, error) {
	out := make([]Option, 0, len(seq))
	for _, o := range seq {
		switch v := o.(type) {
		case nil, *skipOption:
			// Contributes no element and no ordering slot.
		case *listOption:
			inner, err := flattenDeep(v.items)
			if err != nil {
				return nil, err
			}
			out = append(out, inner...)
		case *pluginOption, *factoryOption, *deferredOption:
			out = append(out, o)
		default:
			return nil, fmt.Errorf("%w: %T", ErrInvalidOption, o)
		}
	}
	return out, nil
}

// hasPending reports whether any element still needs expansion.
func hasPending(seq []Option) bool {
	for _, o := range seq {
		switch o.(type) {
		case *factoryOption, *deferredOption:
			return true
		}
	}
	return false
}
