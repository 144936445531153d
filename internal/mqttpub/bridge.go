// Package mqttpub mirrors the watch's activity state to an MQTT broker and
// accepts remote commands from it.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/online    retained "online"/"offline"
//	<prefix>/activity  retained {"state":..., "at":...} on every state entry
//	<prefix>/battery   retained battery sample
//	<prefix>/command   inbound "screen_off" or "user_activity"
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"wristwake/internal/battery"
	"wristwake/internal/bus"
	"wristwake/internal/power"
)

const (
	topicOnline   = "online"
	topicActivity = "activity"
	topicBattery  = "battery"
	topicCommand  = "command"

	CmdScreenOff    = "screen_off"
	CmdUserActivity = "user_activity"
)

var ErrUnknownCommand = errors.New("mqttpub: unknown command")

// Controller receives remote commands. *power.Manager satisfies it.
type Controller interface {
	RequestScreenOff()
	UserActivity()
}

type Deps struct {
	Broker   Broker
	Activity *bus.Channel[power.Activity]
	Battery  *bus.Channel[battery.Sample]
	Control  Controller
	Logger   *zap.Logger
}

type activityPayload struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

type Bridge struct {
	prefix string
	qos    byte
	broker Broker
	acts   *bus.Channel[power.Activity]
	batt   *bus.Channel[battery.Sample]
	ctl    Controller
	log    *zap.Logger
}

func NewBridge(cfg Config, deps Deps) (*Bridge, error) {
	if deps.Broker == nil {
		return nil, errors.New("mqttpub: broker is nil")
	}
	if deps.Activity == nil {
		return nil, errors.New("mqttpub: activity channel is nil")
	}
	if deps.Control == nil {
		return nil, errors.New("mqttpub: controller is nil")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		broker: deps.Broker,
		acts:   deps.Activity,
		batt:   deps.Battery,
		ctl:    deps.Control,
		log:    log.Named("mqtt"),
	}, nil
}

func topic(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + name
}

func (b *Bridge) topic(name string) string { return topic(b.prefix, name) }

// Run subscribes to the command topic and publishes state until ctx is
// canceled. On return it marks the device offline and unsubscribes.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.broker.Subscribe(b.topic(topicCommand), b.qos, b.HandleCommand); err != nil {
		return err
	}
	if err := b.broker.Publish(b.topic(topicOnline), b.qos, true, []byte("online")); err != nil {
		b.log.Warn("publish online failed", zap.Error(err))
	}

	actID, acts := b.acts.Subscribe(8)
	defer b.acts.Unsubscribe(actID)

	var batts <-chan battery.Sample
	if b.batt != nil {
		var battID int
		battID, batts = b.batt.Subscribe(2)
		defer b.batt.Unsubscribe(battID)
	}

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil
		case a, ok := <-acts:
			if !ok {
				acts = nil
				continue
			}
			b.publishJSON(topicActivity, activityPayload{State: a.State.String(), At: a.At})
		case s, ok := <-batts:
			if !ok {
				batts = nil
				continue
			}
			b.publishJSON(topicBattery, s)
		}
	}
}

func (b *Bridge) shutdown() {
	if err := b.broker.Publish(b.topic(topicOnline), b.qos, true, []byte("offline")); err != nil {
		b.log.Warn("publish offline failed", zap.Error(err))
	}
	if err := b.broker.Unsubscribe(b.topic(topicCommand)); err != nil {
		b.log.Warn("unsubscribe failed", zap.Error(err))
	}
}

func (b *Bridge) publishJSON(name string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Warn("encode failed", zap.String("topic", name), zap.Error(err))
		return
	}
	if err := b.broker.Publish(b.topic(name), b.qos, true, payload); err != nil {
		b.log.Warn("publish failed", zap.String("topic", name), zap.Error(err))
	}
}

// HandleCommand accepts a bare command word or {"type": "..."}.
func (b *Bridge) HandleCommand(_ string, payload []byte) error {
	cmd := strings.TrimSpace(string(payload))
	if strings.HasPrefix(cmd, "{") {
		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return fmt.Errorf("mqttpub: decode command: %w", err)
		}
		cmd = in.Type
	}
	switch cmd {
	case CmdScreenOff:
		b.ctl.RequestScreenOff()
	case CmdUserActivity:
		b.ctl.UserActivity()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	b.log.Debug("command", zap.String("cmd", cmd))
	return nil
}
