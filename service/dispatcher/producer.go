package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"

	"MChat/logger"
	"MChat/service/chat"
	errs "MChat/tools/errs"
	safe "MChat/tools/safe"
)

const ArchiveTopic = "message_archive"

// Archiver streams every accepted message into kafka for downstream
// consumers (search indexing, cold storage). It is strictly off the
// gateway hot path: Archive never blocks and never fails the send.
type Archiver struct {
	prod  sarama.AsyncProducer
	topic string
	done  chan struct{}
}

type ArchiverConf struct {
	Brokers []string
	Topic   string
}

func NewArchiver(conf ArchiverConf) (*Archiver, error) {
	if len(conf.Brokers) == 0 {
		return nil, errs.New("kafka brokers missing")
	}
	if conf.Topic == "" {
		conf.Topic = ArchiveTopic
	}

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 500 * time.Millisecond
	sc.Producer.Return.Errors = true

	prod, err := sarama.NewAsyncProducer(conf.Brokers, sc)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer %v", conf.Brokers)
	}

	a := &Archiver{prod: prod, topic: conf.Topic, done: make(chan struct{})}
	safe.SafeGo(a.drainErrors)
	return a, nil
}

func (a *Archiver) drainErrors() {
	for {
		select {
		case err, ok := <-a.prod.Errors():
			if !ok {
				return
			}
			logger.Warnf("[archive] produce failed: %v", err)
		case <-a.done:
			return
		}
	}
}

// Archive keys by conversation so one conversation lands in one
// partition, preserving sequence order for consumers.
func (a *Archiver) Archive(msg *chat.WireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("[archive] marshal msg=%s: %v", msg.ID, err)
		return
	}
	a.prod.Input() <- &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(msg.ConversationID),
		Value: sarama.ByteEncoder(data),
	}
}

func (a *Archiver) Close() {
	close(a.done)
	if err := a.prod.Close(); err != nil {
		logger.Warnf("[archive] close: %v", err)
	}
}
