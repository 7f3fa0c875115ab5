package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/bluerobotics/blueos-recorder/internal/logging/logtest"
	"github.com/bluerobotics/blueos-recorder/internal/schema"
)

type registered struct {
	name, language, description, topic, messageEncoding string
}

type fakeRegistrar struct {
	calls []registered
	err   error
}

func (f *fakeRegistrar) Register(name, language string, description []byte, topic, messageEncoding string) (uint16, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, registered{name, language, string(description), topic, messageEncoding})
	return uint16(len(f.calls) - 1), nil
}

type fakeLoader struct {
	defs  map[string]string
	calls int
}

func (f *fakeLoader) Load(name string) (string, error) {
	f.calls++
	if d, ok := f.defs[name]; ok {
		return d, nil
	}
	return "", &schema.NotFoundError{Name: name, Path: "/schemas/" + name}
}

func newTestCatalog(t *testing.T, defs map[string]string) (*Catalog, *fakeRegistrar, *fakeLoader, *logtest.Handler) {
	t.Helper()
	reg := &fakeRegistrar{}
	loader := &fakeLoader{defs: defs}
	h, logger := logtest.New()
	return New(Config{Registrar: reg, Loader: loader, Logger: logger}), reg, loader, h
}

func TestResolveStructuredText(t *testing.T) {
	c, reg, _, _ := newTestCatalog(t, nil)

	ch, err := c.Resolve("t1", "application/json", []byte(`{"a":1,"b":"x"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ch.Topic != "t1" || ch.Sequence != 0 {
		t.Errorf("channel = %+v", ch)
	}
	if len(reg.calls) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(reg.calls))
	}
	got := reg.calls[0]
	want := registered{
		name:            "t1",
		language:        "jsonschema",
		description:     `{"properties":{"a":{"type":"integer"},"b":{"type":"string"}},"type":"object"}`,
		topic:           "t1",
		messageEncoding: "json",
	}
	if got != want {
		t.Errorf("registration = %+v\nwant %+v", got, want)
	}
}

func TestResolveRegistersOncePerTopic(t *testing.T) {
	c, reg, _, _ := newTestCatalog(t, nil)

	first, err := c.Resolve("a/b", "application/json", []byte(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	for range 50 {
		// Cache hits ignore the payload entirely, even when it would not parse.
		ch, err := c.Resolve("a/b", "text/plain", []byte(`not json`))
		if err != nil {
			t.Fatalf("cache hit failed: %v", err)
		}
		if ch != first {
			t.Fatal("cache hit returned a different channel")
		}
	}
	if len(reg.calls) != 1 {
		t.Errorf("expected 1 registration, got %d", len(reg.calls))
	}
	if reg.calls[0].name != "a.b" {
		t.Errorf("schema name = %q, want a.b", reg.calls[0].name)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestResolveCDR(t *testing.T) {
	c, reg, _, _ := newTestCatalog(t, map[string]string{"sensor_msgs.Imu": "float64 x\n"})

	ch, err := c.Resolve("imu/data", "application/cdr;sensor_msgs.Imu", []byte{0, 1, 0, 0})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ch == nil {
		t.Fatal("nil channel")
	}
	got := reg.calls[0]
	if got.name != "sensor_msgs.Imu" || got.language != "ros2msg" || got.messageEncoding != "cdr" || got.description != "float64 x\n" {
		t.Errorf("registration = %+v", got)
	}
}

func TestResolveMissingDefinitionIsRetried(t *testing.T) {
	defs := map[string]string{}
	c, reg, loader, logs := newTestCatalog(t, defs)

	_, err := c.Resolve("t2", "application/cdr;pkgX.MsgY", []byte{1})
	if !errors.Is(err, schema.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(reg.calls) != 0 {
		t.Fatal("nothing should be registered")
	}
	if n := logs.Count(slog.LevelWarn); n != 1 {
		t.Errorf("expected 1 warning, got %d", n)
	}

	// The definition appears later; the topic was never blacklisted.
	defs["pkgX.MsgY"] = "int8 y\n"
	if _, err := c.Resolve("t2", "application/cdr;pkgX.MsgY", []byte{1}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if loader.calls != 2 {
		t.Errorf("expected 2 loader calls, got %d", loader.calls)
	}
	if len(reg.calls) != 1 {
		t.Errorf("expected 1 registration, got %d", len(reg.calls))
	}
}

func TestResolveDrops(t *testing.T) {
	tests := []struct {
		name    string
		enc     string
		payload []byte
		want    error
	}{
		{"array payload", "application/json", []byte(`[1,2]`), ErrNotObject},
		{"scalar payload", "application/json", []byte(`42`), ErrNotObject},
		{"unknown encoding", "text/plain", []byte(`{"a":1}`), ErrUnsupportedEncoding},
		{"cdr without schema", "application/cdr", []byte{1}, ErrUnsupportedEncoding},
		{"bad json", "application/json", []byte(`{"a":`), nil},
		{"bad utf8", "application/json", []byte{0xff, 0xfe}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, reg, _, logs := newTestCatalog(t, nil)
			ch, err := c.Resolve("t", tt.enc, tt.payload)
			if err == nil || ch != nil {
				t.Fatalf("expected drop, got channel=%v err=%v", ch, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if len(reg.calls) != 0 || c.Len() != 0 {
				t.Error("dropped message must not register a channel")
			}
			if logs.Count(slog.LevelWarn) != 1 {
				t.Errorf("expected one warning, got %+v", logs.Entries())
			}
		})
	}
}

func TestResolveCBOR(t *testing.T) {
	c, reg, _, _ := newTestCatalog(t, nil)
	payload, err := cbor.Marshal(map[string]any{"depth": 1.5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve("depth", "application/cbor", payload); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var desc map[string]any
	if err := json.Unmarshal([]byte(reg.calls[0].description), &desc); err != nil {
		t.Fatal(err)
	}
	if desc["type"] != "object" || reg.calls[0].messageEncoding != "cbor" {
		t.Errorf("registration = %+v", reg.calls[0])
	}
}

func TestResolveRegistrarFailure(t *testing.T) {
	c, reg, _, logs := newTestCatalog(t, nil)
	reg.err = errors.New("disk full")

	if _, err := c.Resolve("t", "application/json", []byte(`{}`)); !errors.Is(err, ErrRegister) {
		t.Fatalf("expected ErrRegister, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("failed registration must not be cached")
	}
	if logs.Count(slog.LevelError) != 1 {
		t.Errorf("expected one error log, got %+v", logs.Entries())
	}

	reg.err = nil
	if _, err := c.Resolve("t", "application/json", []byte(`{}`)); err != nil {
		t.Fatalf("retry after registrar recovered: %v", err)
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("mavlink/1/1/HEARTBEAT"); got != "mavlink.1.1.HEARTBEAT" {
		t.Errorf("SchemaName = %q", got)
	}
}
