// Package kafka publishes checkout events to Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/checkout"
)

// EventOrderPlaced is the type header of events emitted after checkout.
const EventOrderPlaced = "order.placed"

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

var _ checkout.Publisher = (*Publisher)(nil)

// Publisher emits one message per committed order, keyed by user so a
// user's orders stay in one partition.
type Publisher struct {
	w Writer
}

// NewWriter creates a synchronous *kafka.Writer for cfg.
func NewWriter(ctx context.Context, cfg Config) *kafka.Writer {
	lg := zctx.From(ctx).Named("kafka")
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			lg.Warn(fmt.Sprintf(msg, args...))
		}),
	}
}

// NewPublisher creates a Publisher writing through w.
func NewPublisher(w Writer) *Publisher {
	return &Publisher{w: w}
}

// Publish implements checkout.Publisher.
func (p *Publisher) Publish(ctx context.Context, o *checkout.Order) error {
	msg := kafka.Message{
		Key:   []byte(o.UserID),
		Value: EncodeOrder(o),
		Time:  o.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventOrderPlaced)},
			{Key: "order_id", Value: []byte(o.ID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s event", EventOrderPlaced)
	}
	zctx.From(ctx).Debug("Order event published", zap.String("order_id", o.ID))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// EncodeOrder renders the order.placed payload. Money is encoded as decimal
// strings to avoid float rounding downstream.
func EncodeOrder(o *checkout.Order) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("type", func(e *jx.Encoder) { e.Str(EventOrderPlaced) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(o.UserID) })
		e.Field("subtotal", func(e *jx.Encoder) { e.Str(o.Subtotal.StringFixed(2)) })
		e.Field("discounts", func(e *jx.Encoder) { e.Str(o.Discounts.StringFixed(2)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(o.Total.StringFixed(2)) })
		e.Field("created_at", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano)) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, l := range o.Lines {
					e.Obj(func(e *jx.Encoder) {
						e.Field("cart_line_id", func(e *jx.Encoder) { e.Str(l.CartLineID) })
						e.Field("product_id", func(e *jx.Encoder) { e.Str(l.ProductID) })
						if l.VariantID != "" {
							e.Field("variant_id", func(e *jx.Encoder) { e.Str(l.VariantID) })
						}
						e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
						e.Field("unit_price", func(e *jx.Encoder) { e.Str(l.UnitPrice.StringFixed(2)) })
						e.Field("total", func(e *jx.Encoder) { e.Str(l.Total.StringFixed(2)) })
						if l.CouponCode != "" {
							e.Field("coupon_code", func(e *jx.Encoder) { e.Str(l.CouponCode) })
						}
					})
				}
			})
		})
	})
	return append([]byte(nil), e.Bytes()...)
}
