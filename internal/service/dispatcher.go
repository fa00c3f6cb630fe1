package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/tracing"
	"chatsync/internal/validation"
	"chatsync/pkg/feed"
	"chatsync/pkg/media"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher turns user intents into an optimistic local change plus one
// outbound publish. It never retries; a retry is a new call. Every action
// needs a connected feed and fails with TransportUnavailable, leaving the
// view untouched, when there is none.
type Dispatcher struct {
	s *Session
}

// Send inserts a provisional text message and publishes it. A failed
// publish leaves the message in the view marked failed so it can be
// retried with RetrySend.
func (d *Dispatcher) Send(ctx context.Context, content string) (models.Message, error) {
	if err := validation.ValidateContent(content); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err := d.track(ctx, "send", func(ctx context.Context) error {
		var err error
		msg, err = d.send(ctx, content, models.MessageTypeText)
		return err
	})
	return msg, err
}

// SendFiles uploads paths and sends one message per returned url, typed by
// the file's content. It returns the messages created so far and the first
// error.
func (d *Dispatcher) SendFiles(ctx context.Context, paths []string) ([]models.Message, error) {
	if err := validation.ValidateFileCount(len(paths)); err != nil {
		return nil, err
	}
	attachments, err := media.PrepareAll(paths, d.s.limits)
	if err != nil {
		return nil, err
	}

	var sent []models.Message
	err = d.track(ctx, "send_files", func(ctx context.Context) error {
		if err := d.s.call(ctx, func() error {
			_, err := d.s.liveFeed("upload")
			return err
		}); err != nil {
			return err
		}

		urls, err := d.s.api.Upload(ctx, d.s.key, paths)
		if err != nil {
			return err
		}
		if len(urls) != len(attachments) {
			d.s.logger.WithFields(logrus.Fields{
				"files": len(attachments),
				"urls":  len(urls),
			}).Warn("Upload returned a different number of urls than files")
		}

		for i, url := range urls {
			if i >= len(attachments) {
				break
			}
			msg, err := d.send(ctx, url, attachments[i].Type)
			if err != nil {
				return err
			}
			sent = append(sent, msg)
		}
		return nil
	})
	return sent, err
}

// RetrySend republishes a provisional message that previously failed
func (d *Dispatcher) RetrySend(ctx context.Context, messageID string) (models.Message, error) {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err := d.track(ctx, "retry_send", func(ctx context.Context) error {
		var conn Feed
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("retry_send"); err != nil {
				return err
			}
			m, err := d.lookup(messageID)
			if err != nil {
				return err
			}
			if m.Status != models.DeliveryStatusFailed {
				return errors.NewValidationError("message_id", messageID, "message is not a failed send")
			}
			d.s.engine.SetStatus(messageID, models.DeliveryStatusPending)
			m.Status = models.DeliveryStatusPending
			msg = m
			return nil
		})
		if err != nil {
			return err
		}
		if err := d.s.overlay.RecordUnsent(ctx, d.s.key, msg); err != nil {
			d.s.logger.WithError(err).WithFields(messageFields(ctx, msg)).Warn("Failed to persist unsent message")
		}
		return d.publishSend(ctx, conn, msg)
	})
	return msg, err
}

// Recall withdraws one of the local user's messages for every viewer
func (d *Dispatcher) Recall(ctx context.Context, messageID string) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	return d.track(ctx, "recall", func(ctx context.Context) error {
		var conn Feed
		var prev models.Message
		var skip bool
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("recall"); err != nil {
				return err
			}
			if prev, err = d.lookupSent(messageID); err != nil {
				return err
			}
			if prev.SenderID != d.s.selfID {
				return errors.NewValidationError("message_id", messageID, "only the sender can recall a message")
			}
			if prev.Recalled {
				skip = true
				return nil
			}
			d.s.engine.OnRecall(messageID)
			return nil
		})
		if err != nil || skip {
			return err
		}

		err = conn.Publish(ctx, feed.DestinationRecall, feed.TargetPayload{ID: messageID, SenderID: d.s.selfID})
		if err != nil && d.s.sync.RollbackOnFailure {
			d.s.post(func() { d.s.engine.Restore(prev) })
		}
		return err
	})
}

// Delete hides a message for the local user only. The deletion is kept in
// the overlay until history shows it.
func (d *Dispatcher) Delete(ctx context.Context, messageID string) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	return d.track(ctx, "delete", func(ctx context.Context) error {
		var conn Feed
		var prev models.Message
		var skip bool
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("delete"); err != nil {
				return err
			}
			if prev, err = d.lookupSent(messageID); err != nil {
				return err
			}
			if prev.IsDeletedBy(d.s.selfID) {
				skip = true
				return nil
			}
			d.s.engine.OnDelete(messageID, d.s.selfID)
			return nil
		})
		if err != nil || skip {
			return err
		}

		if err := d.s.overlay.RecordDeletion(ctx, d.s.key, messageID); err != nil {
			d.s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, messageID)).Warn("Failed to persist local deletion")
		}

		err = conn.Publish(ctx, feed.DestinationDelete, feed.TargetPayload{ID: messageID, SenderID: d.s.selfID})
		if err != nil && d.s.sync.RollbackOnFailure {
			undo := context.WithoutCancel(ctx)
			if ferr := d.s.overlay.ForgetDeletion(undo, messageID); ferr != nil {
				d.s.logger.WithError(ferr).Warn("Failed to roll back local deletion")
			}
			d.s.post(func() { d.s.engine.Restore(prev) })
		}
		return err
	})
}

// Pin adds a message to the conversation's pinned list
func (d *Dispatcher) Pin(ctx context.Context, messageID string) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	return d.track(ctx, "pin", func(ctx context.Context) error {
		var conn Feed
		var target models.Message
		var skip bool
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("pin"); err != nil {
				return err
			}
			if target, err = d.lookupSent(messageID); err != nil {
				return err
			}
			if target.Recalled {
				return errors.NewValidationError("message_id", messageID, "recalled messages cannot be pinned")
			}
			if d.s.engine.IsPinned(messageID) {
				skip = true
				return nil
			}
			d.s.engine.OnPin(messageID)
			return nil
		})
		if err != nil || skip {
			return err
		}

		if err := d.s.overlay.RecordPin(ctx, d.s.key, target); err != nil {
			d.s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, messageID)).Warn("Failed to persist local pin")
		}

		err = conn.Publish(ctx, feed.PinDestination(d.s.key.IsGroup), feed.NewPinPayload(messageID, d.s.selfID, d.s.key))
		if err != nil && d.s.sync.RollbackOnFailure {
			if uerr := d.s.overlay.RecordUnpin(context.WithoutCancel(ctx), d.s.key, messageID); uerr != nil {
				d.s.logger.WithError(uerr).Warn("Failed to roll back local pin")
			}
			d.s.post(func() { d.s.engine.RestorePin(messageID, false) })
		}
		return err
	})
}

// Unpin removes a message from the pinned list
func (d *Dispatcher) Unpin(ctx context.Context, messageID string) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	return d.track(ctx, "unpin", func(ctx context.Context) error {
		var conn Feed
		var target models.Message
		var skip bool
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("unpin"); err != nil {
				return err
			}
			if !d.s.engine.IsPinned(messageID) {
				skip = true
				return nil
			}
			for _, m := range d.s.engine.Pinned() {
				if m.ID == messageID {
					target = m
				}
			}
			d.s.engine.OnUnpin(messageID)
			return nil
		})
		if err != nil || skip {
			return err
		}

		if err := d.s.overlay.RecordUnpin(ctx, d.s.key, messageID); err != nil {
			d.s.logger.WithError(err).WithField(LogFieldMessageID, idField(ctx, messageID)).Warn("Failed to persist local unpin")
		}

		err = conn.Publish(ctx, feed.UnpinDestination(d.s.key.IsGroup), feed.NewPinPayload(messageID, d.s.selfID, d.s.key))
		if err != nil && d.s.sync.RollbackOnFailure {
			if perr := d.s.overlay.RecordPin(context.WithoutCancel(ctx), d.s.key, target); perr != nil {
				d.s.logger.WithError(perr).Warn("Failed to roll back local unpin")
			}
			d.s.post(func() { d.s.engine.RestorePin(messageID, true) })
		}
		return err
	})
}

// Forward sends a copy of a message to another conversation. Nothing
// changes locally; if the target is this conversation the copy arrives
// through the feed.
func (d *Dispatcher) Forward(ctx context.Context, messageID string, to models.ConversationKey) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	if err := validation.ValidateConversation(to); err != nil {
		return err
	}
	return d.track(ctx, "forward", func(ctx context.Context) error {
		var conn Feed
		var msg models.Message
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("forward"); err != nil {
				return err
			}
			if msg, err = d.lookupSent(messageID); err != nil {
				return err
			}
			if msg.Recalled {
				return errors.NewValidationError("message_id", messageID, "recalled messages cannot be forwarded")
			}
			return nil
		})
		if err != nil {
			return err
		}
		return conn.Publish(ctx, feed.DestinationForward, feed.NewForwardPayload(msg, d.s.selfID, to))
	})
}

// MarkRead publishes a read receipt for an inbound message and flags it
// read once the publish succeeded.
func (d *Dispatcher) MarkRead(ctx context.Context, messageID string) error {
	if err := validation.ValidateMessageID(messageID); err != nil {
		return err
	}
	return d.track(ctx, "mark_read", func(ctx context.Context) error {
		var conn Feed
		var msg models.Message
		var skip bool
		err := d.s.call(ctx, func() error {
			var err error
			if conn, err = d.s.liveFeed("mark_read"); err != nil {
				return err
			}
			if msg, err = d.lookupSent(messageID); err != nil {
				return err
			}
			skip = msg.SenderID == d.s.selfID || msg.Read
			return nil
		})
		if err != nil || skip {
			return err
		}

		err = conn.Publish(ctx, feed.DestinationRead, feed.ReadPayload{ID: msg.ID, SenderID: msg.SenderID, ReceiverID: d.s.selfID})
		if err == nil {
			d.s.post(func() { d.s.engine.MarkRead(messageID) })
		}
		return err
	})
}

func (d *Dispatcher) send(ctx context.Context, content string, typ models.MessageType) (models.Message, error) {
	var conn Feed
	var msg models.Message
	err := d.s.call(ctx, func() error {
		var err error
		if conn, err = d.s.liveFeed("send"); err != nil {
			return err
		}
		now := d.s.now()
		msg = models.Message{
			ID:        d.provisionalID(now, content),
			SenderID:  d.s.selfID,
			Content:   content,
			Type:      typ,
			CreatedAt: now,
			Status:    models.DeliveryStatusPending,
		}
		d.s.key.Address(&msg)
		d.s.engine.ApplyNew(msg)
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	if err := d.s.overlay.RecordUnsent(ctx, d.s.key, msg); err != nil {
		d.s.logger.WithError(err).WithFields(messageFields(ctx, msg)).Warn("Failed to persist unsent message")
	}
	if err := d.publishSend(ctx, conn, msg); err != nil {
		msg.Status = models.DeliveryStatusFailed
		return msg, err
	}
	return msg, nil
}

func (d *Dispatcher) publishSend(ctx context.Context, conn Feed, msg models.Message) error {
	err := conn.Publish(ctx, feed.DestinationSend, feed.NewSendPayload(msg))
	if err == nil {
		return nil
	}

	d.s.logger.WithError(err).WithFields(messageFields(ctx, msg)).Warn("Send failed, message kept as failed")
	failed := msg.Clone()
	failed.Status = models.DeliveryStatusFailed
	if perr := d.s.overlay.RecordUnsent(context.WithoutCancel(ctx), d.s.key, failed); perr != nil {
		d.s.logger.WithError(perr).Warn("Failed to persist failed send")
	}
	d.s.post(func() { d.s.engine.SetStatus(msg.ID, models.DeliveryStatusFailed) })
	return err
}

// lookup finds a message in the view. Only called on the Run goroutine.
func (d *Dispatcher) lookup(messageID string) (models.Message, error) {
	msg, ok := d.s.engine.Get(messageID)
	if !ok {
		return models.Message{}, errors.NewNotFoundError("message", messageID)
	}
	return msg, nil
}

// lookupSent is lookup restricted to messages the server already knows
func (d *Dispatcher) lookupSent(messageID string) (models.Message, error) {
	msg, err := d.lookup(messageID)
	if err != nil {
		return msg, err
	}
	if msg.IsProvisional() {
		return msg, errors.NewValidationError("message_id", messageID, "message has not been sent yet")
	}
	return msg, nil
}

func (d *Dispatcher) track(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch."+op,
		attribute.String("operation", op),
		attribute.String("conversation", conversationField(ctx, d.s.key)))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(errors.GetCode(err))
		}
		metrics.IncrementCounter("dispatcher_actions_total", map[string]string{"op": op, "result": result}, "User actions dispatched")
		metrics.RecordTimer("dispatcher_action_duration", time.Since(start), map[string]string{"op": op}, "User action latency")
		tracing.EndSpan(span, err)
		if err != nil {
			d.s.errLog.WithError(err).WithFields(logrus.Fields{
				LogFieldOperation:    op,
				LogFieldConversation: conversationField(ctx, d.s.key),
			}).Debug("Action failed")
		}
	}()
	return fn(ctx)
}

// provisionalID names a message before the server assigns its id:
// {unix millis}-{sender}-{target}-{content hash}. Identical sends in the same
// millisecond get a numeric suffix.
func (d *Dispatcher) provisionalID(now time.Time, content string) string {
	sum := sha256.Sum256([]byte(content))
	id := fmt.Sprintf("%d-%s-%s-%s", now.UnixMilli(), d.s.selfID, d.s.key.ID, hex.EncodeToString(sum[:4]))
	candidate := id
	for n := 2; ; n++ {
		if _, taken := d.s.engine.Get(candidate); !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", id, n)
	}
}
