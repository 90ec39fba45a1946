package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blockwatch.cc/tzgo/codec"
	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/rpc"
	"blockwatch.cc/tzgo/tezos"
	lru "github.com/hashicorp/golang-lru"
	"github.com/marigold-dev/gas-station/pkg/config"
	"go.uber.org/zap"
)

const (
	// defaultSearchDepth is how many recent blocks FindOperation scans when
	// the configuration does not say otherwise.
	defaultSearchDepth = 10
	// defaultBlockDelay is used when the node reports no minimal block delay.
	defaultBlockDelay = 15 * time.Second
	// confirmAttempts bounds the polling done by transfer confirmation.
	confirmAttempts = 4
	// foundCacheSize bounds the landed-operation cache.
	foundCacheSize = 64
)

// Client wraps a Tezos node RPC connection together with the relay's signing
// key. It is safe for concurrent use once Init has completed.
type Client struct {
	rpc         *rpc.Client
	key         tezos.PrivateKey
	log         *zap.Logger
	searchDepth int64

	params     *tezos.Params
	blockDelay time.Duration

	// found caches landed operations by hash, they are immutable once baked.
	found *lru.Cache
}

// NewClient creates a chain client for the configured endpoint and key. No
// network round trip happens before Init.
func NewClient(cfg config.ChainConfiguration, log *zap.Logger) (*Client, error) {
	secret, err := cfg.ResolveSecretKey()
	if err != nil {
		return nil, err
	}
	key, err := tezos.ParsePrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("can't parse secret key: %w", err)
	}
	rc, err := rpc.NewClient(cfg.RPCEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("can't create RPC client for %s: %w", cfg.RPCEndpoint, err)
	}
	depth := int64(cfg.SearchDepth)
	if depth <= 0 {
		depth = defaultSearchDepth
	}
	cache, _ := lru.New(foundCacheSize) // Never errors for positive size.
	return &Client{
		rpc:         rc,
		key:         key,
		log:         log,
		searchDepth: depth,
		found:       cache,
	}, nil
}

// Init fetches the chain identity and protocol constants from the node. It
// must be called once before any other method.
func (c *Client) Init(ctx context.Context) error {
	if err := c.rpc.Init(ctx); err != nil {
		return fmt.Errorf("can't initialize chain context: %w", err)
	}
	c.params = c.rpc.Params
	c.blockDelay = c.params.MinimalBlockDelay
	if c.blockDelay <= 0 {
		c.log.Warn("node reports no minimal block delay, using default",
			zap.Duration("default", defaultBlockDelay))
		c.blockDelay = defaultBlockDelay
	}
	c.log.Info("connected to Tezos node",
		zap.String("chain", c.rpc.ChainId.String()),
		zap.String("relayer", c.key.Address().String()),
		zap.Duration("blockDelay", c.blockDelay))
	return nil
}

// Address returns the relay's own account address, the payer of every
// sponsored call.
func (c *Client) Address() tezos.Address {
	return c.key.Address()
}

// BlockDelay returns the chain's minimal block delay as read at Init.
func (c *Client) BlockDelay() time.Duration {
	return c.blockDelay
}

// buildOp assembles an unsigned operation carrying the calls in order, all
// sourced from the relay account.
func (c *Client) buildOp(calls []Call) *codec.Op {
	op := codec.NewOp().
		WithParams(c.params).
		WithSource(c.key.Address()).
		WithTTL(c.params.MaxOperationsTTL - 2)
	for _, call := range calls {
		tx := &codec.Transaction{
			Manager:     codec.Manager{Source: c.key.Address()},
			Destination: call.Destination,
			Amount:      tezos.N(call.Amount),
		}
		if call.Entrypoint != "" {
			tx.Parameters = &micheline.Parameters{
				Entrypoint: call.Entrypoint,
				Value:      call.Value,
			}
		}
		op.WithContents(tx)
	}
	return op
}

// simulate completes the operation against the relay account state and dry
// runs it. Node-side rejections come back as ErrSimulationFailed.
func (c *Client) simulate(ctx context.Context, op *codec.Op) (*rpc.Receipt, error) {
	if err := c.rpc.Complete(ctx, op, c.key.Public()); err != nil {
		return nil, fmt.Errorf("can't complete operation: %w", err)
	}
	rcpt, err := c.rpc.Simulate(ctx, op, nil)
	if rcpt != nil && !rcpt.IsSuccess() {
		return nil, fmt.Errorf("%w: %v", ErrSimulationFailed, rcpt.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("can't simulate operation: %w", err)
	}
	return rcpt, nil
}

// Simulate dry-runs the batch against the node's head without broadcasting
// anything and reports the estimated cost per call.
func (c *Client) Simulate(ctx context.Context, calls []Call) (*SimulatedBatch, error) {
	op := c.buildOp(calls)
	rcpt, err := c.simulate(ctx, op)
	if err != nil {
		return nil, err
	}
	limits := rcpt.MinLimits()
	costs := rcpt.Costs()
	batch := &SimulatedBatch{Contents: make([]SimulatedOp, 0, len(calls))}
	// Complete may have prefixed a reveal, walk the final contents and keep
	// the transactions only.
	for i, content := range op.Contents {
		tx, ok := content.(*codec.Transaction)
		if !ok || i >= len(limits) || i >= len(costs) {
			continue
		}
		batch.Contents = append(batch.Contents, SimulatedOp{
			Destination: tx.Destination,
			Fee:         limits[i].Fee + costs[i].StorageBurn + costs[i].AllocationBurn,
		})
	}
	return batch, nil
}

// Submit signs and broadcasts the batch, returning as soon as the node
// accepts it for mempool inclusion. Limits come from a fresh simulation with
// the standard safety margin on gas.
func (c *Client) Submit(ctx context.Context, calls []Call) (*PostedBatch, error) {
	op := c.buildOp(calls)
	rcpt, err := c.simulate(ctx, op)
	if err != nil {
		return nil, err
	}
	op.WithLimits(rcpt.MinLimits(), rpc.ExtraSafetyMargin)
	sig, err := c.key.Sign(op.Digest())
	if err != nil {
		return nil, fmt.Errorf("can't sign operation: %w", err)
	}
	op.WithSignature(sig)
	hash, err := c.rpc.Broadcast(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("can't broadcast operation: %w", err)
	}
	c.log.Info("batch broadcast",
		zap.Stringer("hash", hash),
		zap.Int("calls", len(calls)))
	return &PostedBatch{Hash: hash}, nil
}

// FindOperation scans the most recent blocks for the given operation hash,
// newest first. Landed operations are cached, they cannot change once baked.
func (c *Client) FindOperation(ctx context.Context, hash tezos.OpHash) (*FoundOperation, error) {
	if v, ok := c.found.Get(hash.String()); ok {
		return v.(*FoundOperation), nil
	}
	head, err := c.rpc.GetTipHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't fetch head: %w", err)
	}
	for lvl := head.Level; lvl > head.Level-c.searchDepth && lvl > 0; lvl-- {
		block, err := c.rpc.GetBlock(ctx, rpc.BlockLevel(lvl))
		if err != nil {
			return nil, fmt.Errorf("can't fetch block %d: %w", lvl, err)
		}
		for _, pass := range block.Operations {
			for _, o := range pass {
				if !o.Hash.Equal(hash) {
					continue
				}
				found := reduceOperation(o)
				c.found.Add(hash.String(), found)
				return found, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, hash)
}

// ConfirmDeposit reports whether the operation contains a transfer of amount
// mutez from payer to the relay account. It keeps polling for up to four
// block delays to let a fresh deposit land.
func (c *Client) ConfirmDeposit(ctx context.Context, hash tezos.OpHash, payer tezos.Address, amount int64) (bool, error) {
	found, err := c.waitOperation(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			return false, nil
		}
		return false, err
	}
	receiver := c.key.Address()
	for _, content := range found.Contents {
		if content.Kind == tezos.OpTypeTransaction &&
			content.Source.Equal(payer) &&
			content.Destination.Equal(receiver) &&
			content.Amount == amount {
			return true, nil
		}
	}
	return false, nil
}

// waitOperation retries FindOperation for a few block delays, bailing out
// early when ctx is done.
func (c *Client) waitOperation(ctx context.Context, hash tezos.OpHash) (*FoundOperation, error) {
	var lastErr error
	for i := 0; i < confirmAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.blockDelay):
			}
		}
		found, err := c.FindOperation(ctx, hash)
		if err == nil {
			return found, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ManagerKey fetches the revealed public key of an implicit account, needed
// to verify signatures made by sponsors and sponsees.
func (c *Client) ManagerKey(ctx context.Context, addr tezos.Address) (tezos.Key, error) {
	var key tezos.Key
	u := fmt.Sprintf("chains/main/blocks/head/context/contracts/%s/manager_key", addr)
	if err := c.rpc.Get(ctx, u, &key); err != nil {
		return tezos.InvalidKey, fmt.Errorf("can't fetch manager key of %s: %w", addr, err)
	}
	if !key.IsValid() {
		return tezos.InvalidKey, fmt.Errorf("%s has no revealed key", addr)
	}
	return key, nil
}

// reduceOperation flattens a landed operation to the shape reconciliation
// works with, merging fee-side and execution-side balance updates of each
// transaction content.
func reduceOperation(op *rpc.Operation) *FoundOperation {
	found := &FoundOperation{Hash: op.Hash}
	for _, content := range op.Contents {
		switch tx := content.(type) {
		case *rpc.Transaction:
			cr := ContentResult{
				Kind:        tx.Kind(),
				Source:      tx.Source,
				Destination: tx.Destination,
				Amount:      tx.Amount,
			}
			cr.BalanceUpdates = appendContractUpdates(cr.BalanceUpdates, tx.Metadata.BalanceUpdates)
			cr.BalanceUpdates = appendContractUpdates(cr.BalanceUpdates, tx.Metadata.Result.BalanceUpdates)
			found.Contents = append(found.Contents, cr)
		default:
			found.Contents = append(found.Contents, ContentResult{Kind: content.Kind()})
		}
	}
	return found
}

// appendContractUpdates keeps the contract-kind updates, the only ones that
// carry an account address.
func appendContractUpdates(dst []BalanceUpdate, updates rpc.BalanceUpdates) []BalanceUpdate {
	for _, u := range updates {
		if u.Kind != "contract" {
			continue
		}
		dst = append(dst, BalanceUpdate{Contract: u.Contract, Change: u.Change})
	}
	return dst
}
