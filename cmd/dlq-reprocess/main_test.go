package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/rewards/internal/messaging"
)

type offsetWindow struct {
	low  int64
	high int64
}

type fakeBrokerClient struct {
	partitions    []int32
	partitionsErr error
	windows       map[int32]offsetWindow
	offsetErr     map[int32]error
	closed        bool
}

func (f *fakeBrokerClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := f.offsetErr[partition]; ok {
		return 0, err
	}

	window := f.windows[partition]
	switch marker {
	case sarama.OffsetOldest:
		return window.low, nil
	case sarama.OffsetNewest:
		return window.high, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (f *fakeBrokerClient) Partitions(string) ([]int32, error) {
	if f.partitionsErr != nil {
		return nil, f.partitionsErr
	}
	return append([]int32(nil), f.partitions...), nil
}

func (f *fakeBrokerClient) Close() error {
	f.closed = true
	return nil
}

type scanCall struct {
	partition int32
	offset    int64
}

type fakeStreamSource struct {
	streams    map[int32]partitionStream
	consumeErr error
	calls      []scanCall
	closed     bool
}

func (f *fakeStreamSource) ConsumePartition(_ string, partition int32, offset int64) (partitionStream, error) {
	f.calls = append(f.calls, scanCall{partition: partition, offset: offset})
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	stream, ok := f.streams[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return stream, nil
}

func (f *fakeStreamSource) Close() error {
	f.closed = true
	return nil
}

type fakeStream struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (f *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakeStream) Errors() <-chan *sarama.ConsumerError     { return f.errors }
func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// drainedStream отдаёт messages и сразу закрывает оба канала.
func drainedStream(messages ...*sarama.ConsumerMessage) *fakeStream {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &fakeStream{messages: msgCh, errors: errCh}
}

type fakeProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.calls++
	f.lastMsg = msg
	if f.sendErr != nil {
		return 0, 0, f.sendErr
	}
	return 0, int64(f.calls), nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fn()
}

func consumerDLQValue(key string) []byte {
	value, _ := json.Marshal(map[string]any{
		"original_topic": messaging.DestinationTransactionOutcomes,
		"original_key":   key,
		"original_value": fmt.Sprintf(`{"correlation_id":%q,"completed":true}`, key),
	})
	return value
}

func dlqMessage(partition int32, offset int64, value []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Partition: partition, Offset: offset, Value: value}
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected brokers count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestExtractReplayMessage_ConsumerDLQPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"original_topic": messaging.DestinationTransactionOutcomes,
		"original_key":   "redeem-1",
		"original_value": `{"correlation_id":"redeem-1","completed":true}`,
	})
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, "fallback-topic")
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != messaging.DestinationTransactionOutcomes {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "redeem-1" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if string(got.value) != `{"correlation_id":"redeem-1","completed":true}` {
		t.Fatalf("unexpected replay value: %s", string(got.value))
	}
}

func TestExtractReplayMessage_GatewayEventReplaysRawPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "redeem",
		"aggregate_id":   "redeem-1",
		"event_type":     "TransactionRequested",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "redeem",
			"aggregate_id":   "redeem-1",
			"event_type":     "TransactionRequested",
			"payload": map[string]any{
				"payer_id":       "member-1",
				"correlation_id": "redeem-1",
				"amount_minor":   12900,
			},
			"publish_error": "kafka: timeout",
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, messaging.DestinationRedeemEvents)
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	// Запросы во внешние шлюзы уходят в свой destination голым payload'ом.
	if got.topic != messaging.DestinationTransactionRequests {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "redeem-1" {
		t.Fatalf("unexpected key: %s", got.key)
	}

	var request messaging.TransactionRequest
	if err := json.Unmarshal(got.value, &request); err != nil {
		t.Fatalf("replay payload must decode as transaction request: %v", err)
	}
	if request.CorrelationID != "redeem-1" || request.AmountMinor != 12900 {
		t.Fatalf("unexpected replay request: %+v", request)
	}
}

func TestExtractReplayMessage_LifecycleEventGetsFreshEnvelope(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-2",
		"aggregate_type": "redeem",
		"aggregate_id":   "redeem-2",
		"event_type":     "RedeemFulfilled",
		"payload": map[string]any{
			"outbox_id":     "outbox-2",
			"aggregate_id":  "redeem-2",
			"event_type":    "RedeemFulfilled",
			"payload":       map[string]any{"redeem_id": "redeem-2"},
			"publish_error": "kafka: timeout",
		},
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	got, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, messaging.DestinationRedeemEvents)
	if err != nil {
		t.Fatalf("extractReplayMessage failed: %v", err)
	}
	if !ok {
		t.Fatal("expected replay candidate")
	}
	if got.topic != messaging.DestinationRedeemEvents {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "redeem-2" {
		t.Fatalf("unexpected key: %s", got.key)
	}

	var replay replayEnvelope
	if err := json.Unmarshal(got.value, &replay); err != nil {
		t.Fatalf("replay value must be an envelope: %v", err)
	}
	if replay.EventType != "RedeemFulfilled" || replay.AggregateID != "redeem-2" {
		t.Fatalf("unexpected replay envelope: %+v", replay)
	}
	if replay.PublishedAt.IsZero() {
		t.Fatal("replay envelope must carry a fresh published_at")
	}
}

func TestExtractReplayMessage_OutboxWithoutPayload(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":         "outbox-3",
		"event_type": "RedeemFailed",
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, messaging.DestinationRedeemEvents)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}

	// dlq-payload без вложенного события — тоже ошибка, а не кандидат.
	raw, err = json.Marshal(map[string]any{
		"id":         "outbox-4",
		"event_type": "RedeemFailed",
		"payload": map[string]any{
			"outbox_id":     "outbox-4",
			"event_type":    "RedeemFailed",
			"publish_error": "kafka: timeout",
		},
	})
	if err != nil {
		t.Fatalf("marshal nested envelope failed: %v", err)
	}

	_, ok, err = extractReplayMessage(&sarama.ConsumerMessage{Value: raw}, messaging.DestinationRedeemEvents)
	if err == nil {
		t.Fatal("expected error for missing nested payload")
	}
	if ok {
		t.Fatal("expected no replay candidate")
	}
}

func TestExtractReplayMessage_UnknownPayload(t *testing.T) {
	message := &sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}

	_, ok, err := extractReplayMessage(message, messaging.DestinationRedeemEvents)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected message to be skipped")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=rewards.dlq",
		"-target-topic=rewards.redeem.events",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
		}
		if cfg.limit != 10 {
			t.Fatalf("unexpected limit: %d", cfg.limit)
		}
		if !cfg.execute {
			t.Fatal("expected execute=true")
		}
		if !cfg.fromNewest {
			t.Fatal("expected fromNewest=true")
		}
		if cfg.idleTimeout.Seconds() != 3 {
			t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=broker:9092", "-source-topic="}, "source-topic is required"},
		{[]string{"-brokers=broker:9092", "-target-topic="}, "target-topic is required"},
		{[]string{"-brokers=broker:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=broker:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
	}

	for _, tc := range cases {
		withFlagArgs(t, tc.args, func() {
			_, err := readConfig()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("args %v: expected error containing %q, got: %v", tc.args, tc.wantErr, err)
			}
		})
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayMessage{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &fakeProducer{}
	err := publishReplay(producer, replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != "topic" {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	err = publishReplay(producer, replayMessage{topic: "topic", key: "key", value: []byte(`{"x":1}`)})
	if err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &fakeBrokerClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	source := &fakeStreamSource{streams: map[int32]partitionStream{
		0: drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1"))),
	}}

	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := processPartition(context.Background(), source, client, nil, cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.processed != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(source.calls) != 1 || source.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", source.calls)
	}
}

func TestProcessPartition_Execute(t *testing.T) {
	client := &fakeBrokerClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}
	source := &fakeStreamSource{streams: map[int32]partitionStream{
		0: drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1"))),
	}}
	producer := &fakeProducer{}

	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}

	stats, err := processPartition(context.Background(), source, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("expected replayed=1, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		execute:     true,
		idleTimeout: 20 * time.Millisecond,
	}

	offsetErrClient := &fakeBrokerClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := processPartition(context.Background(), &fakeStreamSource{}, offsetErrClient, &fakeProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &fakeBrokerClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}
	sourceErr := &fakeStreamSource{consumeErr: errors.New("consume")}
	if _, err := processPartition(context.Background(), sourceErr, client, &fakeProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	streamWithErr := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	streamWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(streamWithErr.errors)
	source := &fakeStreamSource{streams: map[int32]partitionStream{0: streamWithErr}}
	if _, err := processPartition(context.Background(), source, client, &fakeProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(streamWithErr.messages)

	badPayload := drainedStream(dlqMessage(0, 0, []byte(`{"id":"outbox-1","event_type":"RedeemFailed"}`)))
	source = &fakeStreamSource{streams: map[int32]partitionStream{0: badPayload}}
	stats, err := processPartition(context.Background(), source, client, &fakeProducer{}, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.skipped != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	okStream := drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1")))
	source = &fakeStreamSource{streams: map[int32]partitionStream{0: okStream}}
	producer := &fakeProducer{sendErr: errors.New("send fail")}
	if _, err := processPartition(context.Background(), source, client, producer, cfg, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &fakeBrokerClient{windows: map[int32]offsetWindow{0: {low: 0, high: 2}}}

	idleStream := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	source := &fakeStreamSource{streams: map[int32]partitionStream{0: idleStream}}
	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		idleTimeout: 10 * time.Millisecond,
	}

	stats, err := processPartition(context.Background(), source, client, nil, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("expected processed=0, got %+v", stats)
	}
	close(idleStream.messages)
	close(idleStream.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledStream := &fakeStream{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	canceledSource := &fakeStreamSource{streams: map[int32]partitionStream{0: canceledStream}}
	if _, err := processPartition(ctx, canceledSource, client, nil, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceledStream.messages)
	close(canceledStream.errors)
}

func TestRunReplay(t *testing.T) {
	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		limit:       1,
		idleTimeout: 20 * time.Millisecond,
	}

	if err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &fakeBrokerClient{
		partitions: []int32{2, 0},
		windows: map[int32]offsetWindow{
			0: {low: 0, high: 2},
			2: {low: 0, high: 2},
		},
	}
	source := &fakeStreamSource{streams: map[int32]partitionStream{
		0: drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1"))),
		2: drainedStream(dlqMessage(2, 0, consumerDLQValue("redeem-2"))),
	}}

	if err := runReplay(context.Background(), cfg, client, source, nil); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(source.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(source.calls))
	}
	if source.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", source.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := runReplay(context.Background(), executeCfg, client, source, nil); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	emptyClient := &fakeBrokerClient{partitions: nil}
	if err := runReplay(context.Background(), cfg, emptyClient, source, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{
		sourceTopic: messaging.DestinationDeadLetterQueue,
		targetTopic: messaging.DestinationRedeemEvents,
		limit:       1,
		idleTimeout: 20 * time.Millisecond,
	}

	newReplayDependencies = func(config) (brokerClient, streamSource, syncProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &fakeBrokerClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	source := &fakeStreamSource{streams: map[int32]partitionStream{
		0: drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1"))),
	}}
	producer := &fakeProducer{}

	newReplayDependencies = func(config) (brokerClient, streamSource, syncProducer, error) {
		return client, source, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !source.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v source=%v producer=%v", client.closed, source.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		newReplayDependencies = oldDeps
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	client := &fakeBrokerClient{
		partitions: []int32{0},
		windows:    map[int32]offsetWindow{0: {low: 0, high: 2}},
	}
	source := &fakeStreamSource{streams: map[int32]partitionStream{
		0: drainedStream(dlqMessage(0, 0, consumerDLQValue("redeem-1"))),
	}}
	newReplayDependencies = func(config) (brokerClient, streamSource, syncProducer, error) {
		return client, source, nil, nil
	}

	os.Args = []string{"dlq-reprocess", "-brokers=broker:9092", "-limit=1", "-idle-timeout=50ms"}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	main()
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
