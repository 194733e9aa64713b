package watchdog

import (
	"context"
	"fmt"
	"time"
)

// Kind is the closed set of observable watchdog transitions.
type Kind uint8

const (
	KindDownloadTest Kind = iota + 1
	KindRouterFail
	KindRouterReboot
	KindSpeedtestFail
	KindWANFail
)

// kindNames holds the wire names persisted by the event log.
var kindNames = map[Kind]string{
	KindDownloadTest:  "download_test",
	KindRouterFail:    "router_fail",
	KindRouterReboot:  "router_reboot",
	KindSpeedtestFail: "speedtest_fail",
	KindWANFail:       "wan_fail",
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindDownloadTest, KindRouterFail, KindRouterReboot, KindSpeedtestFail, KindWANFail}
}

// ParseKind converts a wire name such as "wan_fail" to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %d", uint8(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is an immutable record of one transition. Value carries the
// measured download speed in bits per second for KindDownloadTest and is
// zero otherwise.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Notifier receives every event the monitor emits. Implementations must be
// safe for use from the monitor goroutine and must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// Notify calls f(ctx, ev).
func (f NotifierFunc) Notify(ctx context.Context, ev Event) {
	f(ctx, ev)
}
