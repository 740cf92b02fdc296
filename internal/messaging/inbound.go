package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultInboundWorkers is the number of conversation shards processed in parallel.
const DefaultInboundWorkers = 8

// MessageHandler consumes one inbound message. flow.Runner satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.IncomingMessage) error
}

// InboundOpts configures an InboundProcessor.
type InboundOpts struct {
	Workers int
}

// InboundOption defines a configuration option for the InboundProcessor.
type InboundOption func(*InboundOpts)

// WithWorkers sets the number of parallel shards.
func WithWorkers(n int) InboundOption {
	return func(o *InboundOpts) { o.Workers = n }
}

// InboundProcessor routes a service's inbound messages to a handler. Messages
// of one conversation always land on the same shard, so they are handled in
// arrival order while different conversations proceed in parallel.
type InboundProcessor struct {
	svc     Service
	handler MessageHandler
	dedup   store.DedupRepo
	workers int
}

// NewInboundProcessor creates an InboundProcessor. dedup may be nil.
func NewInboundProcessor(svc Service, handler MessageHandler, dedup store.DedupRepo, opts ...InboundOption) *InboundProcessor {
	cfg := InboundOpts{Workers: DefaultInboundWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &InboundProcessor{svc: svc, handler: handler, dedup: dedup, workers: cfg.Workers}
}

func (p *InboundProcessor) shard(key models.ConversationKey) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(p.workers))
}

// Run consumes inbound messages and receipts until ctx is cancelled or the
// service closes its channels. Queued messages are drained before it returns.
func (p *InboundProcessor) Run(ctx context.Context) error {
	slog.Info("InboundProcessor starting", "workers", p.workers)
	defer slog.Info("InboundProcessor stopped")

	var g errgroup.Group
	shards := make([]chan models.IncomingMessage, p.workers)
	for i := range shards {
		ch := make(chan models.IncomingMessage, DefaultChannelBufferSize)
		shards[i] = ch
		g.Go(func() error {
			for msg := range ch {
				if err := p.Process(ctx, msg); err != nil {
					slog.Error("InboundProcessor failed to process message", "error", err, "from", msg.From)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		p.drainReceipts(ctx)
		return nil
	})

	responses := p.svc.Responses()
loop:
	for {
		select {
		case msg, ok := <-responses:
			if !ok {
				slog.Debug("InboundProcessor responses channel closed")
				break loop
			}
			select {
			case shards[p.shard(msg.Key())] <- msg:
			case <-ctx.Done():
				break loop
			}
		case <-ctx.Done():
			break loop
		}
	}
	for _, ch := range shards {
		close(ch)
	}
	return g.Wait()
}

func (p *InboundProcessor) drainReceipts(ctx context.Context) {
	receipts := p.svc.Receipts()
	for {
		select {
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("InboundProcessor receipt", "to", r.To, "status", r.Status)
		case <-ctx.Done():
			return
		}
	}
}

// Process handles one message, dropping transport redeliveries by message ID.
func (p *InboundProcessor) Process(ctx context.Context, msg models.IncomingMessage) error {
	if msg.ID != "" && p.dedup != nil {
		fresh, err := p.dedup.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			slog.Warn("InboundProcessor dedup check failed, processing anyway", "error", err, "messageID", msg.ID)
		} else if !fresh {
			slog.Info("InboundProcessor dropping duplicate delivery", "messageID", msg.ID, "from", msg.From)
			return nil
		}
	}

	if err := p.handler.HandleMessage(ctx, msg); err != nil {
		return err
	}

	if msg.ID != "" && p.dedup != nil {
		if err := p.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("InboundProcessor failed to mark message processed", "error", err, "messageID", msg.ID)
		}
	}
	return nil
}
