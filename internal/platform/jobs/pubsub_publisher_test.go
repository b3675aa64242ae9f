package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/services"
)

func TestPubSubOrderPublisherPublishesOrder(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-submissions")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderPublisher: %v", err)
	}

	placedAt := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	order := services.Order{
		ID:              "01JORDERULID0000000000000",
		Number:          "ORD-01JORDERULID0000000000000",
		Subtotal:        168,
		Tax:             14.91,
		Shipping:        9.99,
		Total:           192.9,
		Currency:        "USD",
		PaymentRef:      "pi_123",
		PaymentProvider: "stripe",
		Status:          domain.OrderStatusConfirmed,
		PlacedAt:        placedAt,
	}

	if _, err := publisher.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.Order
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Number != order.Number || payload.PaymentRef != order.PaymentRef {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderNumber"]; attr != order.Number {
		t.Fatalf("expected orderNumber attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["status"]; attr != "confirmed" {
		t.Fatalf("expected status attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["paymentRef"]; ok {
		t.Fatalf("payment reference should not be promoted to an attribute")
	}
}

func TestPubSubOrderPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
