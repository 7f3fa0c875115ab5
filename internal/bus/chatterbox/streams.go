package chatterbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bluerobotics/blueos-recorder/internal/bus"
)

// Stream names for configuration.
const (
	StreamAttitude = "attitude"
	StreamDepth    = "depth"
	StreamBattery  = "battery"
	StreamIMU      = "imu"
	StreamStatus   = "status"
)

// allStreams lists all supported stream names in default order.
var allStreams = []string{StreamAttitude, StreamDepth, StreamBattery, StreamIMU, StreamStatus}

// Heartbeat base_mode values. 0b1101_0001 carries the safety-armed bit,
// 0b0101_0001 does not.
const (
	baseModeArmed    = 0b1101_0001
	baseModeDisarmed = 0b0101_0001
)

type stream struct {
	name     string
	encoding string
	topic    func(systemID int) string
	generate func(rng *rand.Rand) []byte
}

func heartbeat(systemID int, armed bool, now time.Time) bus.Message {
	bits := baseModeDisarmed
	if armed {
		bits = baseModeArmed
	}
	payload, _ := json.Marshal(map[string]any{"bits": bits})
	return bus.Message{
		Topic:      fmt.Sprintf("mavlink/%d/1/HEARTBEAT/base_mode", systemID),
		Payload:    payload,
		Encoding:   "application/json",
		ReceivedAt: now,
	}
}

func newStream(name string) stream {
	switch name {
	case StreamAttitude:
		return stream{
			name:     name,
			encoding: "application/json",
			topic:    func(id int) string { return fmt.Sprintf("mavlink/%d/1/ATTITUDE", id) },
			generate: func(rng *rand.Rand) []byte {
				b, _ := json.Marshal(map[string]any{
					"time_boot_ms": rng.Uint32(),
					"roll":         rng.Float64()*0.2 - 0.1,
					"pitch":        rng.Float64()*0.2 - 0.1,
					"yaw":          rng.Float64() * 2 * math.Pi,
					"rates":        []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()},
				})
				return b
			},
		}
	case StreamDepth:
		return stream{
			name:     name,
			encoding: "application/cbor",
			topic:    func(id int) string { return fmt.Sprintf("sensors/%d/depth", id) },
			generate: func(rng *rand.Rand) []byte {
				b, _ := cbor.Marshal(map[string]any{
					"depth_m":       rng.Float64() * 100,
					"temperature_c": 4 + rng.Float64()*20,
					"valid":         rng.IntN(10) != 0,
				})
				return b
			},
		}
	case StreamBattery:
		return stream{
			name:     name,
			encoding: "application/msgpack",
			topic:    func(id int) string { return fmt.Sprintf("mavlink/%d/1/BATTERY_STATUS", id) },
			generate: func(rng *rand.Rand) []byte {
				b, _ := msgpack.Marshal(map[string]any{
					"voltage_v":   14 + rng.Float64()*2.8,
					"current_a":   rng.Float64() * 30,
					"remaining":   rng.IntN(101),
					"cell_counts": []int{4},
				})
				return b
			},
		}
	case StreamIMU:
		return stream{
			name:     name,
			encoding: "application/cdr;sensor_msgs.Imu",
			topic:    func(id int) string { return fmt.Sprintf("ros/%d/imu", id) },
			generate: cdrVector,
		}
	case StreamStatus:
		return stream{
			name:     name,
			encoding: "text/plain",
			topic:    func(id int) string { return fmt.Sprintf("status/%d/text", id) },
			generate: func(rng *rand.Rand) []byte {
				return []byte(pick(rng, []string{"thrusters nominal", "leak sensor ok", "gps lost", "camera recording"}))
			},
		}
	}
	panic("chatterbox: unknown stream " + name)
}

// cdrVector returns a little-endian CDR encapsulation header followed by ten
// float64 values. The recorder never decodes CDR, so only the framing matters.
func cdrVector(rng *rand.Rand) []byte {
	b := make([]byte, 4, 4+10*8)
	b[1] = 0x01
	for range 10 {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(rng.NormFloat64()))
	}
	return b
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}
