package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// DroneUpdate is the `drone_updates` message payload published by the
// drone simulator.
type DroneUpdate struct {
	Type            string  `json:"type"`
	DroneID         string  `json:"drone_id"`
	Pos             LatLon  `json:"pos"`
	Battery         float64 `json:"battery"`
	Status          string  `json:"status"`
	CurrentDelivery *string `json:"current_delivery"`
	AtCharge        bool    `json:"at_charge"`
}

// deliveryRequest is the `delivery_requests` message payload.
type deliveryRequest struct {
	DeliveryID  string  `json:"delivery_id"`
	Origin      LatLon  `json:"origin"`
	Destination LatLon  `json:"destination"`
	Weight      float64 `json:"weight"`
}

// Publisher is the subset of bus behavior AssignOne/advanceOne need;
// satisfied by *Bus, mocked in tests.
type Publisher interface {
	PublishDeliveryAssigned(ctx context.Context, deliveryID, droneID string) error
	PublishDeliveryCompleted(ctx context.Context, deliveryID, droneID string) error
}

// Bus wires the dispatcher to the three message-bus queues over
// streadway/amqp: durable queues, persistent delivery mode, JSON bodies.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logrus.Entry

	deliveryReqQueue    string
	droneUpdatesQueue   string
	deliveryStatusQueue string
}

// DialBus connects to url and declares the three durable queues
// idempotently.
func DialBus(url, deliveryReqQueue, droneUpdatesQueue, deliveryStatusQueue string, log *logrus.Entry) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	b := &Bus{
		conn: conn, ch: ch, log: log,
		deliveryReqQueue: deliveryReqQueue, droneUpdatesQueue: droneUpdatesQueue, deliveryStatusQueue: deliveryStatusQueue,
	}
	for _, q := range []string{deliveryReqQueue, droneUpdatesQueue, deliveryStatusQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Bus) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// ConsumeDeliveryRequests runs handler for every delivery_requests
// message until ctx is cancelled. At-least-once: handler (AssignOne) is
// idempotent via its CAS preconditions, so redelivery is safe.
func (b *Bus) ConsumeDeliveryRequests(ctx context.Context, handler func(context.Context, string)) error {
	msgs, err := b.ch.Consume(b.deliveryReqQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var req deliveryRequest
			if err := json.Unmarshal(m.Body, &req); err != nil {
				b.log.WithError(err).Warn("bad delivery_request body")
				m.Nack(false, false)
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.WithField("panic", r).Error("delivery_requests handler panicked")
					}
				}()
				handler(ctx, req.DeliveryID)
			}()
			m.Ack(false)
		}
	}
}

// ConsumeDroneUpdates runs handler for every drone_updates message until
// ctx is cancelled.
func (b *Bus) ConsumeDroneUpdates(ctx context.Context, handler func(context.Context, DroneUpdate)) error {
	msgs, err := b.ch.Consume(b.droneUpdatesQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			var upd DroneUpdate
			if err := json.Unmarshal(m.Body, &upd); err != nil {
				b.log.WithError(err).Warn("bad drone_update body")
				m.Nack(false, false)
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.log.WithField("panic", r).Error("drone_updates handler panicked")
					}
				}()
				handler(ctx, upd)
			}()
			m.Ack(false)
		}
	}
}

// PublishDeliveryRequest publishes a delivery_requests message so the
// dispatcher's request consumer picks up deliveryID on its next poll.
// Used by the (boundary) ingress gateway.
func (b *Bus) PublishDeliveryRequest(ctx context.Context, deliveryID string, origin, destination LatLon, weight float64) error {
	raw, err := json.Marshal(deliveryRequest{DeliveryID: deliveryID, Origin: origin, Destination: destination, Weight: weight})
	if err != nil {
		return err
	}
	return b.ch.Publish("", b.deliveryReqQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         raw,
		Timestamp:    time.Now(),
	})
}

func (b *Bus) publishStatus(ctx context.Context, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return b.ch.Publish("", b.deliveryStatusQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         raw,
		Timestamp:    time.Now(),
	})
}

func (b *Bus) PublishDeliveryAssigned(ctx context.Context, deliveryID, droneID string) error {
	return b.publishStatus(ctx, map[string]string{
		"type": "delivery_assigned", "delivery_id": deliveryID, "drone_id": droneID,
	})
}

func (b *Bus) PublishDeliveryCompleted(ctx context.Context, deliveryID, droneID string) error {
	return b.publishStatus(ctx, map[string]string{
		"type": "delivery_completed", "delivery_id": deliveryID, "drone_id": droneID,
	})
}
