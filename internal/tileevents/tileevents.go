// Package tileevents publishes tile request outcomes to Kafka so survey
// usage can be analysed offline. Messages are keyed by hotness region, so
// the events of one region keep their order within a partition.
package tileevents

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/hipsview/internal/core/observability"
)

// Event is one resolved request. Region is the uniq number of the
// hotness region of tile requests, zero otherwise.
type Event struct {
	Survey string    `json:"survey"`
	Kind   string    `json:"kind"`
	Depth  uint8     `json:"depth"`
	Index  uint64    `json:"index"`
	Region uint64    `json:"region,omitempty"`
	Tier   string    `json:"tier,omitempty"`
	Error  string    `json:"error,omitempty"`
	TS     time.Time `json:"ts"`
}

func (ev Event) key() string {
	return ev.Survey + "/" + strconv.FormatUint(ev.Region, 10)
}

type Config struct {
	Brokers []string
	Topic   string
	// Queue bounds the events waiting for the producer; 1024 when unset.
	Queue int
	// FlushEvery batches producer requests.
	FlushEvery time.Duration
}

type Publisher struct {
	topic string
	queue chan Event
	prod  sarama.AsyncProducer
	log   zerolog.Logger
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(cfg Config, log zerolog.Logger) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = "hipsview-tileevents"
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = cfg.FlushEvery
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("tileevents: producer for %v: %w", cfg.Brokers, err)
	}
	return start(prod, cfg.Topic, cfg.Queue, log), nil
}

func start(prod sarama.AsyncProducer, topic string, queue int, log zerolog.Logger) *Publisher {
	if queue <= 0 {
		queue = 1024
	}
	p := &Publisher{
		topic: topic,
		queue: make(chan Event, queue),
		prod:  prod,
		log:   log,
		done:  make(chan struct{}),
	}
	go p.run()
	go p.drainErrors()
	return p
}

// run forwards queued events until the queue closes.
func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		msg, err := p.message(ev)
		if err != nil {
			p.log.Warn().Err(err).Str("survey", ev.Survey).Msg("encode tile event")
			continue
		}
		p.prod.Input() <- msg
	}
}

// drainErrors keeps the producer from stalling on undelivered events. It
// returns once the producer is closed.
func (p *Publisher) drainErrors() {
	for pe := range p.prod.Errors() {
		p.log.Warn().Err(pe).Msg("tile event not delivered")
	}
}

func (p *Publisher) message(ev Event) (*sarama.ProducerMessage, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(ev.key()),
		Value:     sarama.ByteEncoder(b),
		Headers:   []sarama.RecordHeader{{Key: []byte("kind"), Value: []byte(ev.Kind)}},
		Timestamp: ev.TS,
	}, nil
}

// Publish never blocks the fetch path: a full queue drops the event, and
// events published after Close are dropped too.
func (p *Publisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		observability.IncEventsDropped()
	}
}

// Close drains the queue, then closes the producer. Later calls are no-ops.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("tileevents: close producer: %w", err)
	}
	return nil
}

var global atomic.Pointer[Publisher]

// InitGlobal installs the publisher behind Publish.
func InitGlobal(p *Publisher) { global.Store(p) }

func Publish(ev Event) {
	if p := global.Load(); p != nil {
		p.Publish(ev)
	}
}

func CloseGlobal() error {
	if p := global.Swap(nil); p != nil {
		return p.Close()
	}
	return nil
}
