package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"t3shield/internal/config"
)

// StartKafka consumes change notifications from a topic as an alternative
// to the websocket channel. Each message is either a JSON envelope with an
// "event" field or a bare event name.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, handler *Handler, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka notifications disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka notifications enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 0) {
					return
				}
				continue
			}
			msg, ok := DecodeNotification(m.Value)
			if !ok {
				continue
			}
			handler.Dispatch(ctx, "kafka", msg)
		}
	}()
}

func DecodeNotification(value []byte) (Message, bool) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" {
		return Message{}, false
	}
	if strings.HasPrefix(trimmed, "{") {
		var msg Message
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Event == "" {
			return Message{}, false
		}
		return msg, true
	}
	return Message{Event: trimmed}, true
}
