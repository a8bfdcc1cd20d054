package pyramid

import (
	"context"
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
)

// LedgerRecord notes an ID range handed to a block.
type LedgerRecord struct {
	Block int
	First uint64
	Count uint64
	Task  string
	Time  time.Time
}

// MarshalMsg implements msgp.Marshaler
func (r *LedgerRecord) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "block")
	b = msgp.AppendInt(b, r.Block)
	b = msgp.AppendString(b, "first")
	b = msgp.AppendUint64(b, r.First)
	b = msgp.AppendString(b, "count")
	b = msgp.AppendUint64(b, r.Count)
	b = msgp.AppendString(b, "task")
	b = msgp.AppendString(b, r.Task)
	b = msgp.AppendString(b, "time")
	b = msgp.AppendTime(b, r.Time)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (r *LedgerRecord) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; sz > 0; sz-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		switch msgp.UnsafeString(field) {
		case "block":
			r.Block, bts, err = msgp.ReadIntBytes(bts)
		case "first":
			r.First, bts, err = msgp.ReadUint64Bytes(bts)
		case "count":
			r.Count, bts, err = msgp.ReadUint64Bytes(bts)
		case "task":
			r.Task, bts, err = msgp.ReadStringBytes(bts)
		case "time":
			r.Time, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, err
		}
	}
	return bts, nil
}

func ledgerKey(first uint64) string {
	return fmt.Sprintf("%s%020d", LedgerPrefix, first)
}

// AppendLedger records a reservation.
func (p *Pyramid) AppendLedger(ctx context.Context, rec LedgerRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	data, err := rec.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return p.direct.Put(ctx, ledgerKey(rec.First), data)
}

// Ledger returns all recorded reservations in order of their first ID.
func (p *Pyramid) Ledger(ctx context.Context) ([]LedgerRecord, error) {
	keys, err := p.direct.Keys(ctx, LedgerPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]LedgerRecord, 0, len(keys))
	for _, key := range keys {
		data, err := p.direct.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		var rec LedgerRecord
		if _, err := rec.UnmarshalMsg(data); err != nil {
			return nil, fmt.Errorf("bad ledger record %s in %s: %v", key, p.direct, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Claim records the base-level region a block is about to write.
type Claim struct {
	Block  int
	Offset cebra.Point3d
	Size   cebra.Point3d
	Task   string
}

func appendPoint(b []byte, p cebra.Point3d) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	for _, v := range p {
		b = msgp.AppendInt32(b, v)
	}
	return b
}

func readPoint(bts []byte) (cebra.Point3d, []byte, error) {
	var p cebra.Point3d
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return p, bts, err
	}
	if sz != 3 {
		return p, bts, msgp.ArrayError{Wanted: 3, Got: sz}
	}
	for i := range p {
		if p[i], bts, err = msgp.ReadInt32Bytes(bts); err != nil {
			return p, bts, err
		}
	}
	return p, bts, nil
}

// MarshalMsg implements msgp.Marshaler
func (c *Claim) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "block")
	b = msgp.AppendInt(b, c.Block)
	b = msgp.AppendString(b, "offset")
	b = appendPoint(b, c.Offset)
	b = msgp.AppendString(b, "size")
	b = appendPoint(b, c.Size)
	b = msgp.AppendString(b, "task")
	b = msgp.AppendString(b, c.Task)
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (c *Claim) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for ; sz > 0; sz-- {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, err
		}
		switch msgp.UnsafeString(field) {
		case "block":
			c.Block, bts, err = msgp.ReadIntBytes(bts)
		case "offset":
			c.Offset, bts, err = readPoint(bts)
		case "size":
			c.Size, bts, err = readPoint(bts)
		case "task":
			c.Task, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, err
		}
	}
	return bts, nil
}

func claimKey(block int) string {
	return fmt.Sprintf("%s%d", ClaimPrefix, block)
}

// Claim asserts that no other block has claimed an overlapping base-level region and
// records the claim.  Re-claiming by the same block index replaces its earlier claim.
// ErrOverlap is returned on conflict.
func (p *Pyramid) Claim(ctx context.Context, c Claim) error {
	mine := cebra.NewExtents(c.Offset, c.Size)
	return storage.WithLock(ctx, p.direct, ClaimLock, func() error {
		keys, err := p.direct.Keys(ctx, ClaimPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if key == claimKey(c.Block) {
				continue
			}
			data, err := p.direct.Get(ctx, key)
			if err != nil {
				return err
			}
			if data == nil {
				continue
			}
			var other Claim
			if _, err := other.UnmarshalMsg(data); err != nil {
				return fmt.Errorf("bad claim %s in %s: %v", key, p.direct, err)
			}
			if mine.Overlaps(cebra.NewExtents(other.Offset, other.Size)) {
				return fmt.Errorf("%w: block %d region %s overlaps block %d region %s", cebra.ErrOverlap,
					c.Block, mine, other.Block, cebra.NewExtents(other.Offset, other.Size))
			}
		}
		data, err := c.MarshalMsg(nil)
		if err != nil {
			return err
		}
		return p.direct.Put(ctx, claimKey(c.Block), data)
	})
}
