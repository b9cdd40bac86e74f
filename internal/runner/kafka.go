package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/core/config"
	"github.com/mohammed-shakir/feature-mirror/internal/importer"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

func KafkaConfigFrom(c config.RunnerCfg) KafkaConfig {
	return KafkaConfig{
		Brokers:          c.Brokers,
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 60 * time.Second,
		InitialOldest:    true,
	}
}

// jobMessage is the wire form of an import job on the job topic.
type jobMessage struct {
	importer.Request
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type syncSender interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Producer publishes import jobs keyed by resource, so every job for one
// resource lands on the same partition and is consumed in order.
type Producer struct {
	log   *slog.Logger
	topic string
	prod  syncSender
	now   func() time.Time
}

func NewProducer(cfg KafkaConfig, log *slog.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("runner: create sync producer: %w", err)
	}
	return newProducer(prod, cfg.Topic, log), nil
}

func newProducer(prod syncSender, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	return &Producer{log: log, topic: topic, prod: prod, now: time.Now}
}

func (p *Producer) Submit(ctx context.Context, req importer.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(jobMessage{Request: req, EnqueuedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("runner: encode job: %w", err)
	}
	part, off, err := p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(keys.Resource(req.Key)),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("runner: publish job %s: %w", req.JobID, err)
	}
	p.log.DebugContext(ctx, "import job published",
		"job_id", req.JobID, "resource", keys.Resource(req.Key), "partition", part, "offset", off)
	return nil
}

func (p *Producer) Close(context.Context) error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("runner: close producer: %w", err)
	}
	return nil
}

type WorkerOptions struct {
	Logger     *slog.Logger
	Register   prometheus.Registerer
	DedupeSize int
}

// Worker consumes the job topic as part of a consumer group and executes
// every job it is assigned.
type Worker struct {
	log      *slog.Logger
	cfg      KafkaConfig
	exec     Executor
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewWorker(cfg KafkaConfig, exec Executor, opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		log:    opts.Logger,
		cfg:    cfg,
		exec:   exec,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(opts.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (w *Worker) Start(ctx context.Context) error {
	if w.exec == nil {
		return errors.New("kafka worker: executor is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = w.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = w.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = w.cfg.RebalanceTimeout
	if w.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(w.cfg.Brokers, w.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup:   w.onAssign,
		cleanup: w.onRevoke,
		process: w.handleMessage,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				w.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{w.cfg.Topic}, h); err != nil {
				w.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for err := range group.Errors() {
			w.log.Error("kafka group error", "err", err)
		}
	}()

	w.log.Info("import worker started",
		"topic", w.cfg.Topic, "group", w.cfg.GroupID, "brokers", w.cfg.Brokers)
	return nil
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("import worker stopped")
}

func (w *Worker) Readiness() (ready bool, partitions []int32) {
	if !w.assigned.Load() {
		return false, nil
	}
	w.assignMu.RLock()
	defer w.assignMu.RUnlock()
	for p := range w.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (w *Worker) onAssign(sess sarama.ConsumerGroupSession) {
	w.assignMu.Lock()
	defer w.assignMu.Unlock()
	w.assigned.Store(true)
	w.assign = map[int32]struct{}{}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			w.assign[p] = struct{}{}
		}
	}
}

func (w *Worker) onRevoke(sarama.ConsumerGroupSession) {
	w.assignMu.Lock()
	defer w.assignMu.Unlock()
	w.assigned.Store(false)
	w.assign = map[int32]struct{}{}
}

// handleMessage executes one job. Only an aborted import is returned as an
// error, which leaves the offset uncommitted so the job is redelivered to the
// next owner of the partition. Undecodable messages are skipped.
func (w *Worker) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		w.ms.lag.Set(time.Since(msg.Timestamp).Seconds())
	}

	var m jobMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		w.ms.msgs.WithLabelValues("invalid").Inc()
		w.log.Warn("skipping undecodable job message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := m.Key.Validate(); err != nil {
		w.ms.msgs.WithLabelValues("invalid").Inc()
		w.log.Warn("skipping job with invalid resource key", "offset", msg.Offset, "err", err)
		return nil
	}

	enq := m.EnqueuedAt
	if enq.IsZero() {
		enq = msg.Timestamp
	}
	res := keys.Resource(m.Key)
	version := uint64(max(enq.UnixNano(), 0))
	if !w.ver.shouldApply(res, version) {
		w.ms.msgs.WithLabelValues("duplicate").Inc()
		w.log.Debug("skipping superseded import job", "job_id", m.JobID, "resource", res)
		return nil
	}

	err := execute(ctx, w.exec, m.Request, w.log)
	w.ms.proc.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, importer.ErrAborted):
		w.ver.forget(res)
		w.ms.msgs.WithLabelValues("aborted").Inc()
		return err
	case err != nil:
		// the failure is recorded on the resource document; the job is done
		w.ms.msgs.WithLabelValues("failed").Inc()
	default:
		w.ms.msgs.WithLabelValues("ok").Inc()
	}
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
