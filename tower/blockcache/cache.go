// Package blockcache maintains the tower's window onto the recent chain:
// every block within maxDepth heights of the tip, including competing forks,
// persisted through the block-item store so a restart resumes with the same
// view. Blocks enter the cache attached (their parent chain reaches the
// pruning floor) or detached (an ancestor is still missing), and a feed
// announces each block the moment it attaches.
package blockcache

import (
	"context"
	"sync"

	"github.com/PISAresearch/pisa/async/event"
	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/db/iface"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	blocksAddedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_blockcache_blocks_added_total",
		Help: "Total number of blocks stored by the block cache",
	})
	blocksPromotedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_blockcache_blocks_promoted_total",
		Help: "Total number of detached blocks later promoted to attached",
	})
	minHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_blockcache_min_height",
		Help: "Lowest block height retained by the block cache",
	})
)

// Item keys used by the cache within the block-item store.
const (
	blockKey    = "block"
	attachedKey = "attached"
)

// attachment records whether a cached block links back to the pruning floor.
type attachment struct {
	Attached bool `json:"attached"`
}

// SerialType implements serial.Value.
func (*attachment) SerialType() string { return "blockcache/attached" }

func init() {
	serial.Register("blockcache/attached", func() serial.Value { return new(attachment) })
}

// ErrUnknownHash is returned by SetHead for a hash the cache has never
// stored.
var ErrUnknownHash = errors.New("hash is not in the block cache")

// ErrNoHead is returned by Head before the first SetHead call.
var ErrNoHead = errors.New("no head has been set on the block cache")

// AddResult reports what AddBlock did with a submitted block.
type AddResult int

const (
	// Added means the block was stored attached to the cached chain.
	Added AddResult = iota
	// AddedDetached means the block was stored but its parent chain does
	// not reach the pruning floor yet.
	AddedDetached
	// NotAddedAlreadyExisted means an attached copy was already stored.
	NotAddedAlreadyExisted
	// NotAddedAlreadyExistedDetached means a detached copy was already
	// stored.
	NotAddedAlreadyExistedDetached
	// NotAddedBlockNumberTooLow means the block sits below the pruning
	// floor and was rejected.
	NotAddedBlockNumberTooLow
)

// Detached reports whether the block remains unusable until an ancestor
// arrives.
func (r AddResult) Detached() bool {
	return r == AddedDetached || r == NotAddedAlreadyExistedDetached
}

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AddedDetached:
		return "added detached"
	case NotAddedAlreadyExisted:
		return "already existed"
	case NotAddedAlreadyExistedDetached:
		return "already existed detached"
	case NotAddedBlockNumberTooLow:
		return "block number too low"
	default:
		return "unknown add result"
	}
}

// Cache is the persistent view of recent blocks. A single mutex serializes
// AddBlock and SetHead; reads are served from the store's committed state and
// never wait on that mutex, so feed handlers may read the cache freely.
type Cache struct {
	db       iface.BlockItemDatabase
	maxDepth uint64

	mu sync.Mutex // serializes AddBlock and SetHead

	stateMu     sync.RWMutex
	empty       bool
	pruneHeight uint64
	maxHeight   uint64
	head        *eth1types.Block

	blockFeed *event.Event[*eth1types.Block]
}

// New builds a cache over db, restoring the height window from previously
// committed block items.
func New(db iface.BlockItemDatabase, maxDepth uint64) (*Cache, error) {
	c := &Cache{
		db:        db,
		maxDepth:  maxDepth,
		empty:     true,
		blockFeed: event.New[*eth1types.Block](),
	}
	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

// restore recovers the height window from the store. The lowest stored
// height is the floor that pruning last left behind, the highest attached
// height is the window top.
func (c *Cache) restore() error {
	items := c.db.BlockItemsByHeightAscending()
	if len(items) == 0 {
		return nil
	}
	c.empty = false
	c.pruneHeight = items[0].Height
	for _, it := range items {
		if it.Key != attachedKey {
			continue
		}
		att, ok := it.Value.(*attachment)
		if !ok {
			return errors.Errorf("unexpected record type %T under attachment key for block %#x", it.Value, it.Hash)
		}
		if att.Attached && it.Height > c.maxHeight {
			c.maxHeight = it.Height
		}
	}
	minHeightGauge.Set(float64(c.minHeightLocked()))
	log.WithFields(logrus.Fields{
		"minHeight": c.minHeightLocked(),
		"maxHeight": c.maxHeight,
	}).Info("Restored block cache window from disk")
	return nil
}

// BlockFeed fires once per block at the moment it attaches, parents before
// children. Handlers run synchronously on the goroutine calling AddBlock.
func (c *Cache) BlockFeed() *event.Event[*eth1types.Block] {
	return c.blockFeed
}

// MaxDepth is the retention window measured in heights.
func (c *Cache) MaxDepth() uint64 {
	return c.maxDepth
}

// IsEmpty reports whether no block has ever been stored.
func (c *Cache) IsEmpty() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.empty
}

// MinHeight is the pruning floor. Blocks below it are rejected and records
// below it have been deleted.
func (c *Cache) MinHeight() uint64 {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.minHeightLocked()
}

// MaxHeight is the highest attached height stored so far.
func (c *Cache) MaxHeight() uint64 {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.maxHeight
}

func (c *Cache) minHeightLocked() uint64 {
	if c.maxHeight > c.maxDepth && c.maxHeight-c.maxDepth > c.pruneHeight {
		return c.maxHeight - c.maxDepth
	}
	return c.pruneHeight
}

// Head returns the block last passed to SetHead, or ErrNoHead before any
// head was announced.
func (c *Cache) Head() (*eth1types.Block, error) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.head == nil {
		return nil, ErrNoHead
	}
	return c.head, nil
}

// SetHead records the block with the given hash as the canonical tip. The
// block must already be cached; pointing the head at an unknown hash means
// the caller has diverged from the cache and is an invariant failure.
func (c *Cache) SetHead(hash common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.GetBlock(hash)
	if !ok {
		return errors.Wrapf(ErrUnknownHash, "cannot set head to %#x", hash)
	}
	c.stateMu.Lock()
	c.head = b
	c.stateMu.Unlock()
	return nil
}

// GetBlock returns the cached block with the given hash, attached or not.
func (c *Cache) GetBlock(hash common.Hash) (*eth1types.Block, bool) {
	v, ok := c.db.BlockItem(hash, blockKey)
	if !ok {
		return nil, false
	}
	b, ok := v.(*eth1types.Block)
	return b, ok
}

// HasBlock reports whether hash is cached. Detached blocks only count when
// includeDetached is set.
func (c *Cache) HasBlock(hash common.Hash, includeDetached bool) bool {
	v, ok := c.db.BlockItem(hash, attachedKey)
	if !ok {
		return false
	}
	att, ok := v.(*attachment)
	return ok && (includeDetached || att.Attached)
}

// BlocksAtHeight returns every cached block at the given height, including
// detached ones.
func (c *Cache) BlocksAtHeight(height uint64) []*eth1types.Block {
	var out []*eth1types.Block
	for _, it := range c.db.BlockItemsAtHeight(height) {
		if it.Key != blockKey {
			continue
		}
		if b, ok := it.Value.(*eth1types.Block); ok {
			out = append(out, b)
		}
	}
	return out
}

// Ancestry returns the chain from hash backwards through parent links,
// starting with hash itself and stopping before the first absent block.
func (c *Cache) Ancestry(hash common.Hash) []*eth1types.Block {
	var out []*eth1types.Block
	for {
		b, ok := c.GetBlock(hash)
		if !ok {
			return out
		}
		out = append(out, b)
		hash = b.ParentHash
	}
}

// FindAncestor walks the ancestry of hash down to minHeight inclusive and
// returns the first block satisfying pred.
func (c *Cache) FindAncestor(hash common.Hash, minHeight uint64, pred func(*eth1types.Block) bool) (*eth1types.Block, bool) {
	for {
		b, ok := c.GetBlock(hash)
		if !ok || b.Number < minHeight {
			return nil, false
		}
		if pred(b) {
			return b, true
		}
		hash = b.ParentHash
	}
}

// AddBlock stores b. The block attaches when its parent is attached or when
// it sits exactly on the pruning floor; attaching can cascade to previously
// detached descendants. All writes of one call commit in a single batch, and
// the block feed fires after the commit, once per newly attached block.
func (c *Cache) AddBlock(ctx context.Context, b *eth1types.Block) (AddResult, error) {
	c.mu.Lock()
	res, attached, err := c.add(ctx, b)
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	for _, blk := range attached {
		if err := c.blockFeed.Emit(ctx, blk); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Cache) add(ctx context.Context, b *eth1types.Block) (AddResult, []*eth1types.Block, error) {
	if v, ok := c.db.BlockItem(b.Hash, attachedKey); ok {
		if att, ok := v.(*attachment); ok && att.Attached {
			return NotAddedAlreadyExisted, nil, nil
		}
		return NotAddedAlreadyExistedDetached, nil, nil
	}

	c.stateMu.RLock()
	empty := c.empty
	minHeight := c.minHeightLocked()
	maxHeight := c.maxHeight
	c.stateMu.RUnlock()

	if !empty && b.Number < minHeight {
		return NotAddedBlockNumberTooLow, nil, nil
	}
	if empty {
		// The first block ever seen sets the floor.
		c.stateMu.Lock()
		c.empty = false
		c.pruneHeight = b.Number
		c.stateMu.Unlock()
		minHeight = b.Number
	}

	attachable := b.Number == minHeight || c.HasBlock(b.ParentHash, false)

	batch, err := c.db.BeginBatch(ctx)
	if err != nil {
		return Added, nil, errors.Wrap(err, "could not open block cache batch")
	}
	batch.PutItem(b.Number, b.Hash, blockKey, b)
	batch.PutItem(b.Number, b.Hash, attachedKey, &attachment{Attached: attachable})

	if !attachable {
		if err := batch.Commit(ctx); err != nil {
			return Added, nil, errors.Wrap(err, "could not commit detached block")
		}
		blocksAddedCounter.Inc()
		log.WithFields(logrus.Fields{
			"block":  b.Summary(),
			"parent": b.ParentHash.TerminalString(),
		}).Debug("Stored block with no attached parent")
		return AddedDetached, nil, nil
	}

	newMax := maxHeight
	if b.Number > newMax {
		newMax = b.Number
	}
	newMin := minHeight
	if newMax > c.maxDepth && newMax-c.maxDepth > newMin {
		newMin = newMax - c.maxDepth
	}
	if newMin > minHeight {
		batch.DeleteItemsBelowHeight(newMin)
	}

	promoted := c.promotable(b)
	for _, p := range promoted {
		batch.PutItem(p.Number, p.Hash, attachedKey, &attachment{Attached: true})
	}

	if err := batch.Commit(ctx); err != nil {
		return Added, nil, errors.Wrap(err, "could not commit attached block")
	}

	c.stateMu.Lock()
	c.maxHeight = newMax
	c.stateMu.Unlock()

	blocksAddedCounter.Inc()
	blocksPromotedCounter.Add(float64(len(promoted)))
	minHeightGauge.Set(float64(newMin))
	if newMin > minHeight {
		log.WithField("minHeight", newMin).Debug("Pruned cached blocks below new floor")
	}

	emits := make([]*eth1types.Block, 0, 1+len(promoted))
	emits = append(emits, b)
	emits = append(emits, promoted...)
	return Added, emits, nil
}

// promotable collects the detached blocks that become attached once b does,
// lowest height first so parents always precede children. The committed
// store still shows these blocks detached, so staged attachments are tracked
// on the side.
func (c *Cache) promotable(b *eth1types.Block) []*eth1types.Block {
	attachedNow := map[common.Hash]bool{b.Hash: true}
	var promoted []*eth1types.Block
	for {
		moved := false
		for _, it := range c.db.BlockItemsByHeightAscending() {
			if it.Height <= b.Number || it.Key != attachedKey {
				continue
			}
			att, ok := it.Value.(*attachment)
			if !ok || att.Attached || attachedNow[it.Hash] {
				continue
			}
			blk, ok := c.GetBlock(it.Hash)
			if !ok {
				continue
			}
			if attachedNow[blk.ParentHash] || c.HasBlock(blk.ParentHash, false) {
				attachedNow[it.Hash] = true
				promoted = append(promoted, blk)
				moved = true
			}
		}
		if !moved {
			return promoted
		}
	}
}
