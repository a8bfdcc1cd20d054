package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"github.com/dokempf/CebraEM/cebra"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * cebra.Kilo

// KafkaConfig describes kafka servers and an optional store reference into which failed
// messages will be saved.
type KafkaConfig struct {
	Servers     []string
	Topic       string // if empty, "cebra-" + host id is used
	BufferSize  int    `toml:"buffer_size"`
	FailedStore string `toml:"failed_store"`
}

// Notifier publishes JSON activity messages to kafka.  A nil Notifier drops messages.
type Notifier struct {
	producer sarama.AsyncProducer
	topic    string
	failed   Store
	wg       sync.WaitGroup
}

var topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)

// NewNotifier connects to the configured kafka servers.  It returns a nil Notifier if no
// servers are configured.
func (kc KafkaConfig) NewNotifier(ctx context.Context, hostID string) (*Notifier, error) {
	if len(kc.Servers) == 0 {
		return nil, nil
	}
	topic := kc.Topic
	if topic == "" {
		topic = "cebra-" + hostID
	}
	topic = topicCleaner.ReplaceAllString(topic, "-")

	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	n := &Notifier{producer: producer, topic: topic}
	if kc.FailedStore != "" {
		if n.failed, err = Open(ctx, kc.FailedStore, true); err != nil {
			producer.Close()
			return nil, fmt.Errorf("unable to open store for failed kafka messages: %v", err)
		}
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for err := range producer.Errors() {
			cebra.Errorf("error on kafka send: %v\n", err)
			value, _ := err.Msg.Value.Encode()
			n.storeFailedMsg(err.Msg.Topic, value)
		}
	}()
	cebra.Infof("Kafka topic for cebra activity: %s\n", topic)
	return n, nil
}

// Topic returns the topic messages are sent to.
func (n *Notifier) Topic() string {
	if n == nil {
		return ""
	}
	return n.topic
}

// LogActivity publishes a JSON encoding of the activity.
func (n *Notifier) LogActivity(activity map[string]interface{}) {
	if n == nil {
		return
	}
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		cebra.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	n.Produce(jsonmsg)
}

// Produce sends a message to the notifier's topic.
func (n *Notifier) Produce(value []byte) {
	if n == nil {
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	n.producer.Input() <- &sarama.ProducerMessage{Topic: n.topic, Value: sarama.ByteEncoder(value), Key: timeKey}
}

func (n *Notifier) storeFailedMsg(topic string, msg []byte) {
	if n.failed == nil {
		cebra.Criticalf("unable to store failed kafka message to topic %q because no failed store\n", topic)
		return
	}
	key := fmt.Sprintf("kafka-failed/%s/%d", topic, time.Now().UnixNano())
	if err := n.failed.Put(context.Background(), key, msg); err != nil {
		cebra.Criticalf("unable to store failed kafka message to topic %q: %v\n", topic, err)
	}
}

// Shutdown makes sure that the kafka queue is flushed before stopping.
func (n *Notifier) Shutdown() {
	if n == nil {
		return
	}
	if err := n.producer.Close(); err != nil {
		cebra.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		cebra.Infof("Successfully shut down kafka producer.\n")
	}
	n.wg.Wait()
	if n.failed != nil {
		n.failed.Close()
	}
}
