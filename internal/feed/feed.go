// Package feed publishes model progress events for consumers outside the
// search, such as dashboards.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"hypersearch/internal/model"
)

// ProgressEvent is one progress report of one model.
type ProgressEvent struct {
	JobID            string                 `json:"jobId"`
	ModelID          int64                  `json:"modelId"`
	WorkerID         string                 `json:"workerId"`
	SwarmID          string                 `json:"swarmId"`
	GenIdx           int                    `json:"genIdx"`
	NumRecords       int                    `json:"numRecords"`
	Metric           *float64               `json:"metric,omitempty"`
	Matured          bool                   `json:"matured"`
	Completed        bool                   `json:"completed"`
	CompletionReason model.CompletionReason `json:"completionReason,omitempty"`
	Time             time.Time              `json:"time"`
}

type Sink interface {
	Publish(ctx context.Context, ev ProgressEvent) error
	Close()
}

type Noop struct{}

func (Noop) Publish(context.Context, ProgressEvent) error { return nil }
func (Noop) Close()                                       {}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink writes JSON events keyed by model id, so the events of one
// model stay ordered within a partition.
type KafkaSink struct {
	client producer
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: cl, topic: topic}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev ProgressEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(strconv.FormatInt(ev.ModelID, 10)),
		Value: value,
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce model %d: %w", ev.ModelID, err)
	}
	return nil
}

func (s *KafkaSink) Close() {
	s.client.Close()
}
