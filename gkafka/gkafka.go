package gkafka

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"github.com/bwmarrin/snowflake"
	"github.com/pingcap/errors"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/conf"
	"go-feishu-sync/core"
)

// Kafka publishes one audit message per applied sync. It is an
// observer only: nothing it produces feeds back into the engine.
type Kafka struct {
	c             *conf.KafkaSet
	producer      sarama.SyncProducer
	producerAsync sarama.AsyncProducer
	async         bool
	topic         string
	idGen         *snowflake.Node
}

// NewKafka builds the audit producer from config. Returns nil when no
// brokers are configured: the audit stream is optional.
func NewKafka(cfg *conf.KafkaSet) (*Kafka, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required when brokers are set")
	}
	if cfg.Producer == nil {
		cfg.Producer = &conf.KafkaProducerSet{
			RequiredAcks:    1,
			ReturnSuccesses: true,
			ReturnErrors:    true,
			RetryMax:        3,
		}
	}

	kafkaVersion, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Trace(err)
	}

	config := sarama.NewConfig()
	config.Version = kafkaVersion
	config.Producer.Return.Successes = cfg.Producer.ReturnSuccesses
	config.Producer.Return.Errors = cfg.Producer.ReturnErrors
	config.Producer.Retry.Max = cfg.Producer.RetryMax

	if cfg.SaslEnable {
		certBytes, err := ioutil.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, errors.Trace(err)
		}

		config.Net.SASL.Enable = true
		config.Net.SASL.User = cfg.Username
		config.Net.SASL.Password = cfg.Password
		config.Net.SASL.Handshake = true

		clientCertPool := x509.NewCertPool()
		if ok := clientCertPool.AppendCertsFromPEM(certBytes); !ok {
			return nil, fmt.Errorf("kafka producer failed to parse root certificate")
		}

		config.Net.TLS.Config = &tls.Config{
			RootCAs:            clientCertPool,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
		config.Net.TLS.Enable = true
	}

	switch cfg.Producer.RequiredAcks {
	case 0:
		config.Producer.RequiredAcks = sarama.NoResponse
	case 1:
		config.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		config.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch cfg.Producer.PartitionerType {
	case "Manual":
		config.Producer.Partitioner = sarama.NewManualPartitioner
	case "Random":
		config.Producer.Partitioner = sarama.NewRandomPartitioner
	case "Hash":
		config.Producer.Partitioner = sarama.NewHashPartitioner
	case "ReferenceHash":
		config.Producer.Partitioner = sarama.NewReferenceHashPartitioner
	default:
		config.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	}

	if err = config.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config invalid: %v", err)
	}

	k := &Kafka{
		c:     cfg,
		async: cfg.Producer.Async,
		topic: cfg.Topic,
	}
	if k.async {
		k.producerAsync, err = sarama.NewAsyncProducer(cfg.Brokers, config)
		if err != nil {
			return nil, errors.Trace(err)
		}
		go k.drainAsync()
	} else {
		k.producer, err = sarama.NewSyncProducer(cfg.Brokers, config)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	k.idGen, err = snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("id gen init err: %+v", err)
	}

	log.Infof("kafka audit sink ready: brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return k, nil
}

// Publish sends one applied-sync event, keyed by pair. With the Hash or
// ReferenceHash partitioner all events of a pair land on one partition
// in order; the default round-robin partitioner ignores the key.
func (k *Kafka) Publish(ev core.AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Trace(err)
	}

	hdrs := make([]sarama.RecordHeader, 0, len(k.c.Producer.Headers)+2)
	for _, h := range k.c.Producer.Headers {
		hdrs = append(hdrs, sarama.RecordHeader{
			Key:   []byte(h.Key),
			Value: []byte(h.Value),
		})
	}
	hdrs = append(hdrs,
		sarama.RecordHeader{
			Key:   []byte("EventTriggerTime"),
			Value: []byte(strconv.FormatInt(time.Now().Unix(), 10)),
		},
		sarama.RecordHeader{
			Key:   []byte("EventID"),
			Value: []byte(k.idGen.Generate().String()),
		},
	)

	msg := &sarama.ProducerMessage{
		Topic:   k.topic,
		Key:     sarama.StringEncoder(ev.Pair),
		Value:   sarama.ByteEncoder(payload),
		Headers: hdrs,
	}

	if k.async {
		k.producerAsync.Input() <- msg
		return nil
	}
	_, _, err = k.producer.SendMessage(msg)
	return errors.Trace(err)
}

func (k *Kafka) drainAsync() {
	for {
		select {
		case _, ok := <-k.producerAsync.Successes():
			if !ok {
				return
			}
		case err, ok := <-k.producerAsync.Errors():
			if !ok {
				return
			}
			log.Errorf("kafka async publish err: %+v", err)
		}
	}
}

func (k *Kafka) Close() {
	var err error
	if k.async && k.producerAsync != nil {
		err = k.producerAsync.Close()
	} else if k.producer != nil {
		err = k.producer.Close()
	}
	if err != nil {
		log.Errorf("close kafka err: %+v", err)
	}
}
