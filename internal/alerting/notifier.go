package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoTarget 表示既没有配置也没有在 settings 中找到推送目标。
var ErrNoTarget = errors.New("alerting: no notification target configured")

// Kind classifies outbound messages; it is persisted with every notification record.
type Kind string

const (
	KindCumulative Kind = "cumulative"
	KindPoll       Kind = "poll"
	KindQuiescence Kind = "quiescence"
	KindHeartbeat  Kind = "heartbeat"
	KindTest       Kind = "test"
)

// Message 封装一条待发送的文本告警。
type Message struct {
	Kind         Kind
	Text         string
	HotspotCount int
	At           time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans one message out to every notifier. A failure on one channel
// does not stop the others; the joined error is returned.
type Multi []Notifier

// Notify delivers msg to every channel.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	if len(m) == 0 {
		return fmt.Errorf("alerting: no channels enabled")
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts every message without sending it. Used when alerting is disabled.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Message) error { return nil }

var (
	_ Notifier = Multi(nil)
	_ Notifier = Discard{}
)
