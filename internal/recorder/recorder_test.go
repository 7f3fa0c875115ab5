package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/foxglove/mcap/go/mcap"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
	"github.com/bluerobotics/blueos-recorder/internal/container"
	"github.com/bluerobotics/blueos-recorder/internal/logging/logtest"
	"github.com/bluerobotics/blueos-recorder/internal/trigger"
)

const heartbeatTopic = "mavlink/1/1/HEARTBEAT/base_mode"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeArchiver struct {
	paths []string
}

func (a *fakeArchiver) Enqueue(path string) error {
	a.paths = append(a.paths, path)
	return nil
}

type harness struct {
	rec      *Recorder
	clock    *clock
	logs     *logtest.Handler
	dir      string
	schemas  string
	archiver *fakeArchiver
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{t: t0},
		dir:      t.TempDir(),
		schemas:  t.TempDir(),
		archiver: &fakeArchiver{},
	}
	var logger *slog.Logger
	h.logs, logger = logtest.New()
	cfg := Config{
		OutputDir:  h.dir,
		SchemaRoot: h.schemas,
		Container:  container.Options{Library: "blueos-recorder/test"},
		Archiver:   h.archiver,
		Now:        h.clock.Now,
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rec, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.rec = rec
	return h
}

func (h *harness) send(t *testing.T, msgs ...bus.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := h.rec.handle(m); err != nil {
			t.Fatalf("handle %s: %v", m.Topic, err)
		}
	}
}

func control(armed bool) bus.Message {
	bits := 0b0101_0001
	if armed {
		bits = 0b1101_0001
	}
	return bus.Message{
		Topic:    heartbeatTopic,
		Payload:  fmt.Appendf(nil, `{"bits": %d}`, bits),
		Encoding: "application/json",
	}
}

func jsonMsg(topic, payload string) bus.Message {
	return bus.Message{Topic: topic, Payload: []byte(payload), Encoding: "application/json"}
}

type recording struct {
	schemas  map[uint16]*mcap.Schema
	channels map[uint16]*mcap.Channel
	metadata []*mcap.Metadata
	byTopic  map[string][]mcap.Message
}

func readRecording(t *testing.T, path string) recording {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	reader, err := mcap.NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	info, err := reader.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	out := recording{
		schemas:  info.Schemas,
		channels: info.Channels,
		byTopic:  make(map[string][]mcap.Message),
	}
	for _, idx := range info.MetadataIndexes {
		md, err := reader.GetMetadata(idx.Offset)
		if err != nil {
			t.Fatalf("GetMetadata: %v", err)
		}
		out.metadata = append(out.metadata, md)
	}

	it, err := reader.Messages()
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	for {
		_, ch, msg, err := it.Next(nil)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		cp := *msg
		cp.Data = bytes.Clone(msg.Data)
		out.byTopic[ch.Topic] = append(out.byTopic[ch.Topic], cp)
	}
	return out
}

func (r recording) channel(t *testing.T, topic string) *mcap.Channel {
	t.Helper()
	for _, ch := range r.channels {
		if ch.Topic == topic {
			return ch
		}
	}
	t.Fatalf("no channel for topic %q", topic)
	return nil
}

func recordings(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*"+container.Extension))
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func TestScenarioStructuredMessage(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true), jsonMsg("t1", `{"a":1,"b":"x"}`))

	path := h.rec.Session()
	if path == "" || h.rec.State() != trigger.Armed {
		t.Fatal("recorder should be armed with an open session")
	}
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}

	rec := readRecording(t, path)
	ch := rec.channel(t, "t1")
	if ch.MessageEncoding != "json" || len(ch.Metadata) != 0 {
		t.Errorf("channel = %+v", ch)
	}
	sch := rec.schemas[ch.SchemaID]
	if sch == nil || sch.Name != "t1" || sch.Encoding != "jsonschema" {
		t.Fatalf("schema = %+v", sch)
	}
	var desc struct {
		Type       string                       `json:"type"`
		Properties map[string]map[string]string `json:"properties"`
	}
	if err := json.Unmarshal(sch.Data, &desc); err != nil {
		t.Fatalf("schema data: %v", err)
	}
	if desc.Type != "object" || desc.Properties["a"]["type"] != "integer" || desc.Properties["b"]["type"] != "string" || len(desc.Properties) != 2 {
		t.Errorf("schema description = %s", sch.Data)
	}

	msgs := rec.byTopic["t1"]
	if len(msgs) != 1 || msgs[0].Sequence != 0 {
		t.Fatalf("t1 messages = %+v", msgs)
	}
	if msgs[0].LogTime != uint64(t0.UnixNano()) || msgs[0].PublishTime != msgs[0].LogTime {
		t.Errorf("timestamps = %d/%d", msgs[0].LogTime, msgs[0].PublishTime)
	}
}

func TestScenarioMissingDefinitionRetried(t *testing.T) {
	h := newHarness(t)
	cdr := bus.Message{Topic: "t2", Payload: []byte{0, 1, 0, 0, 42}, Encoding: "application/cdr;pkgX.MsgY"}

	h.send(t, control(true), cdr)
	if got := h.logs.Count(slog.LevelWarn); got != 1 {
		t.Fatalf("warnings = %d, want 1", got)
	}

	// The definition appears; the next message on t2 resolves afresh.
	if err := os.MkdirAll(filepath.Join(h.schemas, "pkgX"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.schemas, "pkgX", "MsgY.msg"), []byte("uint8 value\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.send(t, cdr)

	path := h.rec.Session()
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}
	rec := readRecording(t, path)
	ch := rec.channel(t, "t2")
	if sch := rec.schemas[ch.SchemaID]; sch.Name != "pkgX.MsgY" || sch.Encoding != "ros2msg" || string(sch.Data) != "uint8 value\n" {
		t.Errorf("schema = %+v", sch)
	}
	if ch.MessageEncoding != "cdr" {
		t.Errorf("message encoding = %q", ch.MessageEncoding)
	}
	if msgs := rec.byTopic["t2"]; len(msgs) != 1 || msgs[0].Sequence != 0 {
		t.Errorf("t2 messages = %+v", msgs)
	}
	if st := h.rec.Stats(); st.Dropped != 1 || st.Recorded != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestScenarioDisarmStopsRecording(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true))
	path := h.rec.Session()

	for i := range 500 {
		h.send(t, jsonMsg("t1", fmt.Sprintf(`{"i":%d}`, i)))
	}
	h.send(t, control(false))
	if h.rec.State() != trigger.Disarmed || h.rec.Session() != "" {
		t.Fatal("recorder should be disarmed")
	}
	h.send(t, jsonMsg("t1", `{"i":500}`))

	if got := recordings(t, h.dir); len(got) != 1 {
		t.Fatalf("recordings = %v, want exactly one", got)
	}
	if len(h.archiver.paths) != 1 || h.archiver.paths[0] != path {
		t.Errorf("archived = %v", h.archiver.paths)
	}

	rec := readRecording(t, path)
	msgs := rec.byTopic["t1"]
	if len(msgs) != 500 {
		t.Fatalf("t1 records = %d, want 500", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != uint32(i) {
			t.Fatalf("record %d has sequence %d", i, m.Sequence)
		}
		if want := fmt.Sprintf(`{"i":%d}`, i); string(m.Data) != want {
			t.Fatalf("record %d payload = %q, want %q", i, m.Data, want)
		}
	}
	if hb := rec.byTopic[heartbeatTopic]; len(hb) != 1 {
		t.Errorf("heartbeat records = %d, want 1 (the arming message)", len(hb))
	}
}

func TestSequencesIndependentPerChannel(t *testing.T) {
	h := newHarness(t)
	h.send(t,
		control(true),
		jsonMsg("a", `{"v":1}`),
		jsonMsg("b", `[1,2]`), // not an object, dropped
		jsonMsg("b", `{"v":1}`),
		bus.Message{Topic: "c", Payload: []byte("hello"), Encoding: "text/plain"}, // dropped
		jsonMsg("a", `{"v":2}`),
		jsonMsg("b", `{"v":2}`),
		jsonMsg("a", `not json`), // cached channel, payload written verbatim
	)
	path := h.rec.Session()
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}

	rec := readRecording(t, path)
	for topic, want := range map[string]int{"a": 3, "b": 2} {
		msgs := rec.byTopic[topic]
		if len(msgs) != want {
			t.Fatalf("%s: %d records, want %d", topic, len(msgs), want)
		}
		for i, m := range msgs {
			if m.Sequence != uint32(i) {
				t.Errorf("%s: record %d has sequence %d", topic, i, m.Sequence)
			}
		}
	}
	if _, ok := rec.byTopic["c"]; ok {
		t.Error("unsupported encoding should not be recorded")
	}
	if string(rec.byTopic["a"][2].Data) != "not json" {
		t.Error("payload bytes must be written unchanged")
	}
}

func TestDisarmedMessagesNeverRecorded(t *testing.T) {
	h := newHarness(t)
	h.send(t,
		jsonMsg("t1", `{"a":1}`),
		bus.Message{Topic: "t2", Payload: []byte{1}, Encoding: "application/cdr;pkg.Missing"},
		control(false),
	)
	if got := recordings(t, h.dir); len(got) != 0 {
		t.Fatalf("recordings = %v, want none", got)
	}
	if h.logs.Count(slog.LevelWarn) != 0 {
		t.Error("messages while disarmed must not reach schema resolution")
	}
	if st := h.rec.Stats(); st.Received != 3 || st.Recorded != 0 || st.Dropped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRepeatedArmOpensOneSession(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true), control(true), control(true))
	if got := recordings(t, h.dir); len(got) != 1 {
		t.Fatalf("recordings = %d, want 1", len(got))
	}
	h.send(t, control(false), control(false))
	if len(h.archiver.paths) != 1 {
		t.Errorf("finalized %d times, want 1", len(h.archiver.paths))
	}

	// Re-arm within the same second gets a distinct file.
	h.send(t, control(true), control(false))
	if got := recordings(t, h.dir); len(got) != 2 {
		t.Fatalf("recordings = %d, want 2", len(got))
	}
	if st := h.rec.Stats(); st.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", st.Sessions)
	}
}

func TestSessionMetadata(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true))
	path := h.rec.Session()
	if filepath.Base(path) != "recorder_20250601_120000.mcap" {
		t.Errorf("path = %q", path)
	}
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}

	rec := readRecording(t, path)
	if len(rec.metadata) != 1 || rec.metadata[0].Name != "recorder" {
		t.Fatalf("metadata = %+v", rec.metadata)
	}
	md := rec.metadata[0].Metadata
	if md["session_id"] == "" || md["started_at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("metadata = %v", md)
	}
}

func TestFlushInterval(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true))

	h.clock.Advance(10 * time.Second)
	h.send(t, jsonMsg("t1", `{"a":1}`))
	if countMessage(h.logs, "recording flushed") != 0 {
		t.Fatal("flushed before the interval elapsed")
	}

	h.clock.Advance(25 * time.Second)
	h.send(t, jsonMsg("t1", `{"a":2}`))
	if countMessage(h.logs, "recording flushed") != 1 {
		t.Fatal("expected one flush after 30s")
	}

	h.clock.Advance(5 * time.Second)
	h.send(t, jsonMsg("t1", `{"a":3}`))
	if countMessage(h.logs, "recording flushed") != 1 {
		t.Fatal("interval should restart after a flush")
	}
}

func TestFlushedRecordsReadableBeforeClose(t *testing.T) {
	h := newHarness(t)
	h.send(t, control(true))
	path := h.rec.Session()
	for i := range 20 {
		h.send(t, jsonMsg("t1", fmt.Sprintf(`{"i":%d}`, i)))
	}
	h.clock.Advance(31 * time.Second)
	h.send(t, jsonMsg("t1", `{"i":20}`))
	if countMessage(h.logs, "recording flushed") != 1 {
		t.Fatal("expected a flush")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lexer, err := mcap.NewLexer(f)
	if err != nil {
		t.Fatalf("NewLexer: %v", err)
	}
	defer lexer.Close()
	var onDisk int
	for {
		token, _, err := lexer.Next(nil)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("lex: %v", err)
		}
		if token == mcap.TokenMessage {
			onDisk++
		}
	}
	// 21 on t1 plus the arming heartbeat.
	if onDisk != 22 {
		t.Errorf("%d records on disk after flush, want 22", onDisk)
	}
}

// flakyWriter fails the next failures Append calls and records the
// sequence numbers it was asked to write.
type flakyWriter struct {
	SessionWriter
	failures  int
	attempted []uint32
}

func (f *flakyWriter) Append(channelID uint16, sequence uint32, logTime, publishTime uint64, payload []byte) error {
	f.attempted = append(f.attempted, sequence)
	if f.failures > 0 {
		f.failures--
		return errors.New("input/output error")
	}
	return f.SessionWriter.Append(channelID, sequence, logTime, publishTime, payload)
}

func TestFailedAppendDoesNotAdvanceSequence(t *testing.T) {
	var flaky *flakyWriter
	h := newHarness(t, func(cfg *Config) {
		cfg.Create = func(dir string, now time.Time, opts container.Options) (SessionWriter, error) {
			w, err := container.Create(dir, now, opts)
			if err != nil {
				return nil, err
			}
			flaky = &flakyWriter{SessionWriter: w}
			return flaky, nil
		}
	})
	h.send(t, control(true), jsonMsg("a", `{"v":0}`), jsonMsg("b", `{"v":0}`))

	flaky.failures = 1
	flaky.attempted = nil
	h.send(t, jsonMsg("a", `{"v":1}`)) // dropped
	h.send(t, jsonMsg("a", `{"v":2}`), jsonMsg("b", `{"v":1}`))
	if want := []uint32{1, 1, 1}; !slices.Equal(flaky.attempted, want) {
		t.Errorf("attempted sequences = %v, want %v", flaky.attempted, want)
	}
	if st := h.rec.Stats(); st.Dropped != 1 || st.Recorded != 5 {
		t.Errorf("stats = %+v", st)
	}
	if h.logs.Count(slog.LevelError) != 1 {
		t.Errorf("errors logged = %d, want 1", h.logs.Count(slog.LevelError))
	}

	path := h.rec.Session()
	if err := h.rec.Close(); err != nil {
		t.Fatal(err)
	}
	rec := readRecording(t, path)
	for topic, want := range map[string][]string{
		"a": {`{"v":0}`, `{"v":2}`},
		"b": {`{"v":0}`, `{"v":1}`},
	} {
		msgs := rec.byTopic[topic]
		if len(msgs) != len(want) {
			t.Fatalf("%s: %d records, want %d", topic, len(msgs), len(want))
		}
		for i, m := range msgs {
			if m.Sequence != uint32(i) || string(m.Data) != want[i] {
				t.Errorf("%s record %d: seq=%d data=%s", topic, i, m.Sequence, m.Data)
			}
		}
	}
}

func countMessage(h *logtest.Handler, msg string) int {
	n := 0
	for _, e := range h.Entries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

func TestRunFinalizesOnShutdown(t *testing.T) {
	h := newHarness(t)
	in := make(chan bus.Message, 4)
	in <- control(true)
	in <- jsonMsg("t1", `{"a":1}`)
	in <- jsonMsg("t1", `{"a":2}`)
	close(in)

	if err := h.rec.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.rec.Session() != "" {
		t.Error("session should be closed after Run")
	}
	paths := recordings(t, h.dir)
	if len(paths) != 1 {
		t.Fatalf("recordings = %v", paths)
	}
	if got := len(readRecording(t, paths[0]).byTopic["t1"]); got != 2 {
		t.Errorf("t1 records = %d, want 2", got)
	}
	if len(h.archiver.paths) != 1 {
		t.Errorf("archived = %v", h.archiver.paths)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	in := make(chan bus.Message)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.rec.Run(ctx, in) }()
	in <- control(true)
	in <- jsonMsg("t1", `{"a":1}`)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	paths := recordings(t, h.dir)
	if len(paths) != 1 {
		t.Fatalf("recordings = %v", paths)
	}
	if got := len(readRecording(t, paths[0]).byTopic["t1"]); got != 1 {
		t.Errorf("t1 records = %d, want 1", got)
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	rec, err := New(Config{OutputDir: filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatal(err)
	}
	in := make(chan bus.Message, 1)
	in <- control(true)

	err = rec.Run(context.Background(), in)
	if !errors.Is(err, ErrFatal) || !errors.Is(err, container.ErrCreate) {
		t.Fatalf("err = %v, want ErrFatal wrapping ErrCreate", err)
	}
	if rec.State() != trigger.Disarmed {
		t.Error("failed open must leave the recorder disarmed")
	}
}

func TestInvalidControlPattern(t *testing.T) {
	if _, err := New(Config{OutputDir: t.TempDir(), ControlPattern: "("}); err == nil {
		t.Fatal("expected error for invalid control pattern")
	}
}
