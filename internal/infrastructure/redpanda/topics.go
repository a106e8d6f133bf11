package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the dispenser platform
const (
	TopicDoseEvents    = "kocon.dose-events"
	TopicPatientEvents = "kocon.patient-events"
	TopicDeadLetter    = "kocon.dead-letter"
)

// TopicConfig describes one platform topic. Records are keyed by patient ID,
// so a device's events always land on the same partition.
type TopicConfig struct {
	Name       string
	Partitions int32
	Retention  time.Duration
	// Compression is the broker-side codec; empty keeps the producer's
	Compression string
}

func (t TopicConfig) brokerConfigs() map[string]*string {
	ms := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	cleanup := "delete"
	out := map[string]*string{"retention.ms": &ms, "cleanup.policy": &cleanup}
	if t.Compression != "" {
		codec := t.Compression
		out["compression.type"] = &codec
	}
	return out
}

// DefaultTopicConfigs returns the platform topics under their default names
func DefaultTopicConfigs() []TopicConfig {
	return TopicConfigsFor(TopicDoseEvents, TopicPatientEvents, TopicDeadLetter)
}

// TopicConfigsFor returns the platform topics under the given names
func TopicConfigsFor(doseTopic, patientTopic, deadLetterTopic string) []TopicConfig {
	const day = 24 * time.Hour
	return []TopicConfig{
		{Name: doseTopic, Partitions: 6, Retention: 30 * day, Compression: "lz4"},
		{Name: patientTopic, Partitions: 3, Retention: 7 * day, Compression: "lz4"},
		{Name: deadLetterTopic, Partitions: 1, Retention: 7 * day},
	}
}

func newClient(brokers []string) (*kgo.Client, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

// Admin creates topics and reads consumer group lag
type Admin struct {
	client      *kadm.Client
	replication int16
	logger      *zap.Logger
}

// NewAdmin connects an admin client. Topics are created with a replication
// factor of one, which suits the single-node Redpanda the platform ships with.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := newClient(brokers)
	if err != nil {
		return nil, err
	}
	return &Admin{client: kadm.NewClient(client), replication: 1, logger: logger}, nil
}

// CreateTopics creates each topic; topics that already exist are left as is
func (a *Admin) CreateTopics(ctx context.Context, topics []TopicConfig) error {
	for _, t := range topics {
		resp, err := a.client.CreateTopic(ctx, t.Partitions, a.replication, t.brokerConfigs(), t.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", t.Name))
		case err != nil:
			return fmt.Errorf("create topic %s: %w", t.Name, err)
		default:
			a.logger.Info("topic created",
				zap.String("topic", t.Name),
				zap.Int32("partitions", t.Partitions),
				zap.Duration("retention", t.Retention))
		}
	}
	return nil
}

// GroupLag is how far a consumer group trails one topic
type GroupLag struct {
	Topic      string
	Total      int64
	Partitions map[int32]int64
}

// ConsumerGroupLag reports the lag of groupID for every topic it consumes,
// sorted by topic name
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) ([]GroupLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("describe lag of %s: %w", groupID, err)
	}

	var lags []GroupLag
	described.Each(func(group kadm.DescribedGroupLag) {
		for topic, partitions := range group.Lag {
			gl := GroupLag{Topic: topic, Partitions: make(map[int32]int64, len(partitions))}
			for p, member := range partitions {
				gl.Partitions[p] = member.Lag
				gl.Total += member.Lag
			}
			lags = append(lags, gl)
		}
	})
	sort.Slice(lags, func(i, j int) bool { return lags[i].Topic < lags[j].Topic })
	return lags, nil
}

// Close releases the admin connection
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers with a short-lived client
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := newClient(brokers)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
