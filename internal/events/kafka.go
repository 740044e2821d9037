/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
)

// saramaProducer abstracts sarama.AsyncProducer for testing.
type saramaProducer interface {
	Input() chan<- *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	AsyncClose()
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Acks is the producer acknowledgement level: "0", "1" or "all".
	// Empty means "all".
	Acks string
	// Compression is one of "none", "gzip", "snappy" or "lz4".
	Compression string
	Retries     int
}

// KafkaPublisher publishes events through an async producer. Messages are
// keyed by tenant id, so one tenant's events stay on one partition and
// consumers see them in admission order.
type KafkaPublisher struct {
	producer saramaProducer
	topic    string
	log      logr.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaPublisher connects an async producer to the configured brokers.
func NewKafkaPublisher(cfg KafkaConfig, log logr.Logger) (*KafkaPublisher, error) {
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisherWithProducer(producer, cfg.Topic, log), nil
}

// newKafkaPublisherWithProducer wires an injected producer, for tests.
func newKafkaPublisherWithProducer(producer saramaProducer, topic string, log logr.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log.WithName("kafka"),
	}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

// Publish hands the event to the async producer without waiting for broker
// acknowledgement. Delivery failures surface through the error drain.
func (p *KafkaPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return errNilEvent
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errPublisherClosed
	}
	p.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TenantID),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Close shuts the producer down and waits for the error drain to finish.
// Safe to call more than once.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	p.wg.Wait()
	return nil
}

// drainErrors logs delivery failures until the producer closes its error
// channel.
func (p *KafkaPublisher) drainErrors() {
	defer p.wg.Done()
	for prodErr := range p.producer.Errors() {
		p.log.Error(prodErr.Err, "kafka publish failed", "topic", prodErr.Msg.Topic)
	}
}

func buildSaramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Errors = true

	switch cfg.Acks {
	case "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	case "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "all", "":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		return nil, fmt.Errorf("unsupported acks value: %s", cfg.Acks)
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.Retries > 0 {
		sc.Producer.Retry.Max = cfg.Retries
	}
	return sc, nil
}
