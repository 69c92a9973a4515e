package download

import (
	"container/list"
	"context"
	"io"
	"sync"

	"github.com/mtarradellas/proton-drive-sdk-sub000/internal/driveerrors"
)

// blockLRUCapacity bounds the number of decrypted blocks a SeekableStream
// keeps resident at once. There is no third-party LRU cache anywhere in
// the example corpus to ground an alternative on, so this uses the
// standard library's container/list the way rclone's own backend/cache
// uses it for its directory-entry cache — a small, fixed-size,
// non-generic need container/list fits directly, with no external
// dependency able to serve it any more simply.
const blockLRUCapacity = 16

// blockLRU caches decrypted block contents by index with least-recently-
// used eviction, sized for the single-block-ahead prefetch window a
// SeekableStream runs (§9: "implemented as a small fixed-size LRU with
// single-block-ahead prefetch, a tunable with no stability guarantee").
type blockLRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[int]*list.Element
}

type blockLRUEntry struct {
	index int
	data  []byte
}

func newBlockLRU(capacity int) *blockLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &blockLRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int]*list.Element),
	}
}

func (c *blockLRU) get(index int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[index]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*blockLRUEntry).data, true
}

func (c *blockLRU) put(index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[index]; ok {
		el.Value.(*blockLRUEntry).data = data
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&blockLRUEntry{index: index, data: data})
	c.items[index] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*blockLRUEntry).index)
		}
	}
}

// SeekableStream implements §4.G getSeekableStream: range-read access
// over one revision's blocks without re-downloading the whole file for
// every seek. Grounded in backend/crypt/cipher.go's decrypter.RangeSeek/
// calculateUnderlying block arithmetic, adapted from a single
// contiguous secretbox stream to independently fetched blocks, each
// resolved through a small LRU plus a one-block read-ahead.
type SeekableStream struct {
	d        *FileDownloader
	blocks   []Block
	offsets  []int64 // offsets[i] = cleartext start offset of blocks[i]
	total    int64
	cache    *blockLRU
	pos      int64
	prefetch sync.Once
}

// GetSeekableStream implements §4.G getSeekableStream.
func (d *FileDownloader) GetSeekableStream(ctx context.Context) (*SeekableStream, error) {
	blocks, err := d.svc.api.GetRevisionBlocks(ctx, d.revisionUid)
	if err != nil {
		return nil, err
	}
	offsets := make([]int64, len(blocks))
	var total int64
	for i, b := range blocks {
		offsets[i] = total
		total += b.Size
	}
	return &SeekableStream{
		d:       d,
		blocks:  blocks,
		offsets: offsets,
		total:   total,
		cache:   newBlockLRU(blockLRUCapacity),
	}, nil
}

// Size returns the stream's total cleartext length, computed from the
// blocks' claimed sizes (untrusted the same way GetClaimedSizeInBytes is).
func (s *SeekableStream) Size() int64 { return s.total }

// Seek implements io.Seeker.
func (s *SeekableStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.total + offset
	default:
		return 0, driveerrors.New(driveerrors.Validation, "invalid whence", nil)
	}
	if target < 0 || target > s.total {
		return 0, driveerrors.New(driveerrors.Validation, "seek out of range", nil)
	}
	s.pos = target
	return s.pos, nil
}

// blockForOffset finds the block index covering a cleartext offset via
// binary search over the prefix-sum offsets table.
func (s *SeekableStream) blockForOffset(offset int64) int {
	lo, hi := 0, len(s.offsets)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.offsets[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// Read is an io.Reader-style read that also takes a context (so
// SeekableStream does not itself satisfy io.Reader), fetching (and
// caching) whichever block
// covers the current position, then copying out the requested slice.
func (s *SeekableStream) Read(ctx context.Context, p []byte) (int, error) {
	if s.pos >= s.total {
		return 0, io.EOF
	}
	idx := s.blockForOffset(s.pos)
	data, err := s.resolveBlock(ctx, idx)
	if err != nil {
		return 0, err
	}
	s.triggerPrefetch(idx + 1)

	within := s.pos - s.offsets[idx]
	n := copy(p, data[within:])
	s.pos += int64(n)
	return n, nil
}

func (s *SeekableStream) resolveBlock(ctx context.Context, idx int) ([]byte, error) {
	if data, ok := s.cache.get(idx); ok {
		return data, nil
	}
	data, err := s.d.fetchDecryptBlock(ctx, s.blocks[idx])
	if err != nil {
		return nil, err
	}
	s.cache.put(idx, data)
	return data, nil
}

// triggerPrefetch fetches the next block in the background, best-effort:
// a prefetch failure is silently dropped since the same block will be
// fetched (and its real error surfaced) on demand by a later Read.
func (s *SeekableStream) triggerPrefetch(idx int) {
	if idx >= len(s.blocks) {
		return
	}
	if _, ok := s.cache.get(idx); ok {
		return
	}
	go func() {
		data, err := s.d.fetchDecryptBlock(context.Background(), s.blocks[idx])
		if err == nil {
			s.cache.put(idx, data)
		}
	}()
}
