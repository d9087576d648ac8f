// Package revalidate fans cache-invalidation signals out to API replicas.
// Each mutating request publishes the region it touched; every replica's
// listener applies the signal to its local region cache.
package revalidate

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"

	DefaultTopic = "explorer.revalidate.v1"
)

const (
	envKafkaTLS         = "PROOFS_REVALIDATE_KAFKA_TLS"
	defaultMaxLineBytes = 1 << 16
)

// Signal names an invalidated cache region.
type Signal struct {
	Region string    `json:"region"`
	At     time.Time `json:"at"`
}

// Broadcaster publishes invalidation signals.
type Broadcaster interface {
	Invalidate(ctx context.Context, region string) error
	Close() error
}

// Listener receives invalidation signals published by other replicas.
type Listener interface {
	Signals() <-chan Signal
	Errors() <-chan error
	Close() error
}

type BroadcasterConfig struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

type ListenerConfig struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers []string
	Group   string

	// Stdio fields.
	Reader       io.Reader
	MaxLineBytes int
}

func NewBroadcaster(cfg BroadcasterConfig) (Broadcaster, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaBroadcaster(cfg)
	case DriverStdio:
		return newStdioBroadcaster(cfg), nil
	default:
		return nil, fmt.Errorf("revalidate: unsupported driver %q", cfg.Driver)
	}
}

func NewListener(ctx context.Context, cfg ListenerConfig) (Listener, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaListener(ctx, cfg)
	case DriverStdio:
		return newStdioListener(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("revalidate: unsupported driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeTopic(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultTopic
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func encodeSignal(region string) ([]byte, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, errors.New("revalidate: empty region")
	}
	return json.Marshal(Signal{Region: region, At: time.Now().UTC()})
}

type kafkaBroadcaster struct {
	writer *kafka.Writer
	topic  string
}

func newKafkaBroadcaster(cfg BroadcasterConfig) (Broadcaster, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("revalidate: kafka broadcaster requires at least one broker")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaBroadcaster{writer: writer, topic: normalizeTopic(cfg.Topic)}, nil
}

func (b *kafkaBroadcaster) Invalidate(ctx context.Context, region string) error {
	payload, err := encodeSignal(region)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topic,
		Key:   []byte(region),
		Value: payload,
	})
}

func (b *kafkaBroadcaster) Close() error {
	return b.writer.Close()
}

type stdioBroadcaster struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioBroadcaster(cfg BroadcasterConfig) Broadcaster {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioBroadcaster{w: w}
}

func (b *stdioBroadcaster) Invalidate(_ context.Context, region string) error {
	payload, err := encodeSignal(region)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.w.Write(payload); err != nil {
		return err
	}
	if _, err := b.w.Write([]byte("\n")); err != nil {
		return err
	}
	return nil
}

func (b *stdioBroadcaster) Close() error {
	return nil
}

type kafkaListener struct {
	reader *kafka.Reader

	sigCh chan Signal
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaListener(parent context.Context, cfg ListenerConfig) (Listener, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("revalidate: kafka listener requires at least one broker")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("revalidate: kafka listener requires group")
	}

	readerCfg := kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: strings.TrimSpace(cfg.Group),
		Topic:   normalizeTopic(cfg.Topic),
	}
	if kafkaTLSEnabled() {
		readerCfg.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	reader := kafka.NewReader(readerCfg)

	ctx, cancel := context.WithCancel(parent)
	l := &kafkaListener{
		reader: reader,
		sigCh:  make(chan Signal, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l, nil
}

func (l *kafkaListener) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.sigCh)
	defer close(l.errCh)

	for {
		km, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case l.errCh <- err:
			case <-ctx.Done():
				return
			}
			continue
		}

		var sig Signal
		if err := json.Unmarshal(km.Value, &sig); err != nil {
			select {
			case l.errCh <- fmt.Errorf("revalidate: decode signal: %w", err):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case l.sigCh <- sig:
		case <-ctx.Done():
			return
		}
	}
}

func (l *kafkaListener) Signals() <-chan Signal {
	return l.sigCh
}

func (l *kafkaListener) Errors() <-chan error {
	return l.errCh
}

func (l *kafkaListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.reader.Close()
		<-l.done
	})
	return err
}

type stdioListener struct {
	sigCh chan Signal
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioListener(parent context.Context, cfg ListenerConfig) Listener {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	l := &stdioListener{
		sigCh:  make(chan Signal, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(l.sigCh)
		defer close(l.errCh)

		sc := bufio.NewScanner(reader)
		sc.Buffer(make([]byte, 1024), maxLineBytes)
		for sc.Scan() {
			var sig Signal
			if err := json.Unmarshal(sc.Bytes(), &sig); err != nil {
				select {
				case l.errCh <- fmt.Errorf("revalidate: decode signal: %w", err):
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case l.sigCh <- sig:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case l.errCh <- err:
			case <-ctx.Done():
			}
		}
	}()
	return l
}

func (l *stdioListener) Signals() <-chan Signal {
	return l.sigCh
}

func (l *stdioListener) Errors() <-chan error {
	return l.errCh
}

func (l *stdioListener) Close() error {
	l.once.Do(func() {
		l.cancel()
	})
	return nil
}
