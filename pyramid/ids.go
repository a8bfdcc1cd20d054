package pyramid

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
)

// MaxID returns the persisted max-ID counter.  The boolean is false if the store has no
// counter.
func (p *Pyramid) MaxID(ctx context.Context) (uint64, bool, error) {
	data, err := p.direct.Get(ctx, MaxIDKey)
	if err != nil || data == nil {
		return 0, false, err
	}
	maxID, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad max id %q in %s: %v", data, p.direct, err)
	}
	return maxID, true, nil
}

func (p *Pyramid) putMaxID(ctx context.Context, maxID uint64) error {
	return p.direct.Put(ctx, MaxIDKey, []byte(strconv.FormatUint(maxID, 10)))
}

// ReserveIDs reserves n consecutive labels following the current max ID and returns the
// first.  Reading the counter and, if persist is set, writing it back happen under the
// store's max-ID lock as one operation, so concurrent reservations never overlap.  Without
// persist the counter is left unchanged.
func (p *Pyramid) ReserveIDs(ctx context.Context, n uint64, persist bool) (uint64, error) {
	var first uint64
	err := storage.WithLock(ctx, p.direct, MaxIDLock, func() error {
		cur, found, err := p.MaxID(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", cebra.ErrUniqueIDPolicyWithoutCounter, p.direct)
		}
		limit := p.info.DataType.MaxLabel()
		if n > limit || cur > limit-n {
			return fmt.Errorf("%w: reserving %d ids after %d exceeds %s label range", cebra.ErrTypeMismatch, n, cur, p.info.DataType)
		}
		first = cur + 1
		if persist && n > 0 {
			return p.putMaxID(ctx, cur+n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// RaiseMaxID sets the counter to maxID if that is larger than the current value.  The
// counter never decreases.
func (p *Pyramid) RaiseMaxID(ctx context.Context, maxID uint64) (uint64, error) {
	var result uint64
	err := storage.WithLock(ctx, p.direct, MaxIDLock, func() error {
		cur, found, err := p.MaxID(ctx)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", cebra.ErrUniqueIDPolicyWithoutCounter, p.direct)
		}
		result = cur
		if maxID <= cur {
			return nil
		}
		result = maxID
		return p.putMaxID(ctx, maxID)
	})
	return result, err
}
