//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	pconfig "github.com/oakline-commerce/checkout-api/internal/platform/config"
	pfirestore "github.com/oakline-commerce/checkout-api/internal/platform/firestore"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
	repofirestore "github.com/oakline-commerce/checkout-api/internal/repositories/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func sampleOrder(id, number string, placedAt time.Time) domain.Order {
	return domain.Order{
		ID:     id,
		Number: number,
		Items: []domain.DraftItem{
			{
				ProductID: "prod-throw",
				Name:      "Wool Throw",
				Quantity:  1,
				UnitPrice: 150,
				Options:   []domain.OptionSelection{{Name: "color", Value: "oat"}},
			},
		},
		ShippingAddress: domain.Address{
			Recipient:  "Dana Reyes",
			Line1:      "11 Pine St",
			City:       "Brooklyn",
			Region:     "NY",
			PostalCode: "11201",
			Country:    "US",
			Role:       domain.AddressRoleShipping,
		},
		BillingAddress: domain.Address{
			Recipient:  "Dana Reyes",
			Line1:      "11 Pine St",
			City:       "Brooklyn",
			Region:     "NY",
			PostalCode: "11201",
			Country:    "US",
			Role:       domain.AddressRoleBilling,
		},
		ShippingOption: domain.ShippingOption{
			ID:          "standard",
			Name:        "Standard",
			Cost:        4.99,
			TransitDays: 5,
			Available:   true,
		},
		PaymentRef:      "pi_test_1",
		PaymentProvider: "simulated",
		Subtotal:        150,
		Tax:             13.31,
		Shipping:        4.99,
		Total:           168.30,
		Currency:        "USD",
		Status:          domain.OrderStatusConfirmed,
		PlacedAt:        placedAt,
	}
}

func TestOrderRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.GoogleConfig{
		ProjectID:         "test-project",
		FirestoreEmulator: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := repofirestore.NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	first := sampleOrder("order-1", "ORD-01AAA", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	second := sampleOrder("order-2", "ORD-01BBB", time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC))

	if err := repo.SaveOrder(ctx, first); err != nil {
		t.Fatalf("save first order: %v", err)
	}
	if err := repo.SaveOrder(ctx, second); err != nil {
		t.Fatalf("save second order: %v", err)
	}

	got, err := repo.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Number != "ORD-01AAA" || got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected order header: %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0].ProductID != "prod-throw" {
		t.Fatalf("unexpected items: %+v", got.Items)
	}
	if len(got.Items[0].Options) != 1 || got.Items[0].Options[0].Value != "oat" {
		t.Fatalf("unexpected item options: %+v", got.Items[0].Options)
	}
	if got.ShippingAddress.City != "Brooklyn" || got.ShippingAddress.Role != domain.AddressRoleShipping {
		t.Fatalf("unexpected shipping address: %+v", got.ShippingAddress)
	}
	if got.BillingAddress.Role != domain.AddressRoleBilling {
		t.Fatalf("unexpected billing address role: %v", got.BillingAddress.Role)
	}
	if got.ShippingOption.ID != "standard" || !got.ShippingOption.Available {
		t.Fatalf("unexpected shipping option: %+v", got.ShippingOption)
	}
	if !domain.MoneyEquals(got.Total, 168.30) {
		t.Fatalf("unexpected total: %.4f", got.Total)
	}

	// Replayed saves must surface as conflicts, not overwrites.
	err = repo.SaveOrder(ctx, first)
	if err == nil {
		t.Fatalf("expected conflict on duplicate save")
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict classification, got %v", err)
	}

	orders, err := repo.ListOrders(ctx, repositories.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].ID != "order-2" || orders[1].ID != "order-1" {
		t.Fatalf("expected newest-first ordering, got %s then %s", orders[0].ID, orders[1].ID)
	}

	after := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	orders, err = repo.ListOrders(ctx, repositories.OrderFilter{PlacedAfter: &after})
	if err != nil {
		t.Fatalf("list with placedAfter: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "order-2" {
		t.Fatalf("expected only the newer order, got %+v", orders)
	}

	if _, err := repo.GetOrder(ctx, "order-missing"); err == nil {
		t.Fatalf("expected not found error")
	} else if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found classification, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
