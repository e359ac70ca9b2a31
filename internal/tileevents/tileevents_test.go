package tileevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestPublish_EncodesEvent(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(b []byte) error {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		if ev.Survey != "CDS/P/DSS2/color" || ev.Depth != 5 || ev.Index != 42 || ev.Region != 100 || ev.Tier != "l2" {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		if ev.TS.IsZero() {
			return errors.New("timestamp not set")
		}
		return nil
	})

	p := start(prod, "tile-events", 4, zerolog.Nop())
	p.Publish(Event{Survey: "CDS/P/DSS2/color", Kind: "tile", Depth: 5, Index: 42, Region: 100, Tier: "l2"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMessage_KeyedByRegion(t *testing.T) {
	p := &Publisher{topic: "tile-events"}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, err := p.message(Event{Survey: "P/Mellinger", Kind: "allsky", Region: 77, TS: ts})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	k, _ := msg.Key.Encode()
	if string(k) != "P/Mellinger/77" || msg.Topic != "tile-events" || !msg.Timestamp.Equal(ts) {
		t.Fatalf("unexpected message %+v key=%s", msg, k)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "allsky" {
		t.Fatalf("headers=%v", msg.Headers)
	}
}

func TestPublish_ProducerErrorsKeepLoopAlive(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	prod.ExpectInputAndSucceed()

	p := start(prod, "t", 4, zerolog.Nop())
	p.Publish(Event{Survey: "a"})
	p.Publish(Event{Survey: "b"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublish_FullQueueDrops(t *testing.T) {
	// no run loop: nothing drains the queue
	p := &Publisher{queue: make(chan Event, 1)}

	p.Publish(Event{Survey: "s", TS: time.Unix(1, 0)})
	p.Publish(Event{Survey: "s", TS: time.Unix(2, 0)})

	const want = `
# HELP tile_events_dropped_total Tile events dropped because the publisher queue was full.
# TYPE tile_events_dropped_total counter
tile_events_dropped_total 1
`
	if err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(want), "tile_events_dropped_total"); err != nil {
		t.Fatalf("dropped counter: %v", err)
	}
}

func TestGlobal_NilSafe(t *testing.T) {
	Publish(Event{Survey: "s"})
	if err := CloseGlobal(); err != nil {
		t.Fatalf("close without publisher: %v", err)
	}
}

func TestClose_FailedDeliveriesDoNotStall(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.ChannelBufferSize = 1
	prod := mocks.NewAsyncProducer(t, cfg)
	for i := 0; i < 8; i++ {
		prod.ExpectInputAndFail(sarama.ErrOutOfBrokers)
	}

	p := start(prod, "t", 16, zerolog.Nop())
	for i := 0; i < 8; i++ {
		p.Publish(Event{Survey: "s", Index: uint64(i)})
	}

	done := make(chan error, 1)
	go func() { done <- p.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return with undelivered events pending")
	}
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	// the queue holds every event, so nothing reaches the producer
	done := make(chan struct{})
	close(done)
	p := &Publisher{
		queue: make(chan Event, 512),
		prod:  mocks.NewAsyncProducer(t, nil),
		log:   zerolog.Nop(),
		done:  done,
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Publish(Event{Survey: "s"})
			}
		}()
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()
	p.Publish(Event{Survey: "late"})
}
