// Package push streams byte sequences to mesh recipients in fixed-size
// chunks through a bounded worker pool. It is the streamed-push counterpart
// to the cloud store's post/notify shape: the sender drives the transfer,
// the receiver just consumes ordered chunks.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cloudmesh/pkg/transport"
	"cloudmesh/pkg/types"
	"cloudmesh/pkg/wire"
)

const DefaultChunkSize = 64 * 1024

var ErrClosed = errors.New("push: pusher closed")

// Pusher fans streams out to recipients. Per-recipient state is reference
// counted: it stays alive while any worker holds a handle and is dropped
// with the last one. Close is a drain barrier; it waits for every queued
// stream to finish.
type Pusher struct {
	tr        transport.Transport
	logger    *zap.Logger
	chunkSize int

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	recipients   map[types.Guid]*recipient
	nextStreamID uint32
	closed       bool
}

type recipient struct {
	guid   types.Guid
	refs   int
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPusher builds a pool with at most workers concurrent sends.
func NewPusher(tr transport.Transport, workers int, logger *zap.Logger) *Pusher {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	return &Pusher{
		tr:         tr,
		logger:     logger,
		chunkSize:  DefaultChunkSize,
		group:      group,
		ctx:        ctx,
		cancel:     cancel,
		recipients: make(map[types.Guid]*recipient),
	}
}

// SetChunkSize overrides the per-frame payload size for later pushes.
func (p *Pusher) SetChunkSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.chunkSize = n
	}
}

// Push starts one stream toward a recipient on a pool worker and returns its
// stream id; when every worker is busy it blocks until one frees up. The
// worker reads src to EOF, sending one PushChunk frame per read; the last
// frame is flagged final.
func (p *Pusher) Push(to types.Guid, src io.Reader) (uint32, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	streamID := p.nextStreamID
	p.nextStreamID++
	chunkSize := p.chunkSize
	rec := p.acquireLocked(to)
	p.mu.Unlock()

	p.group.Go(func() error {
		defer p.release(rec)
		if err := p.run(rec, streamID, src, chunkSize); err != nil {
			p.logger.Debug("push failed",
				zap.Uint64("recipient", uint64(to)),
				zap.Uint32("stream_id", streamID),
				zap.Error(err))
		}
		return nil
	})
	return streamID, nil
}

func (p *Pusher) run(rec *recipient, streamID uint32, src io.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	var offset uint64
	for {
		if err := rec.ctx.Err(); err != nil {
			return fmt.Errorf("recipient gone: %w", err)
		}
		n, readErr := src.Read(buf)
		final := readErr == io.EOF
		if n > 0 || final {
			chunk := &wire.PushChunk{
				StreamID: streamID,
				Offset:   offset,
				Final:    final,
				Data:     buf[:n],
			}
			if err := p.tr.Send(rec.guid, wire.Encode(chunk)); err != nil {
				return err
			}
			offset += uint64(n)
		}
		if final {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (p *Pusher) acquireLocked(guid types.Guid) *recipient {
	rec := p.recipients[guid]
	if rec == nil {
		ctx, cancel := context.WithCancel(p.ctx)
		rec = &recipient{guid: guid, ctx: ctx, cancel: cancel}
		p.recipients[guid] = rec
	}
	rec.refs++
	return rec
}

func (p *Pusher) release(rec *recipient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.refs--
	if rec.refs == 0 {
		rec.cancel()
		delete(p.recipients, rec.guid)
	}
}

// HandleDisconnect aborts every in-flight stream toward a recipient.
// Workers still holding the handle observe the cancelled context; the entry
// itself goes with the last reference.
func (p *Pusher) HandleDisconnect(guid types.Guid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec := p.recipients[guid]; rec != nil {
		rec.cancel()
	}
}

// Close rejects new pushes, waits for queued streams to drain, then releases
// the pool.
func (p *Pusher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}
