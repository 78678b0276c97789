//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
	pconfig "github.com/ecomcore/api/internal/platform/config"
	pfirestore "github.com/ecomcore/api/internal/platform/firestore"
	"github.com/ecomcore/api/internal/repositories"
)

func TestProductRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "product-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		t.Fatalf("new cart repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)

	seed := domain.Product{
		ID:        "prd_integration",
		Name:      "Desk Lamp",
		Price:     1900,
		Quantity:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := products.Insert(ctx, seed); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	// Settlement delta moves quantity to sold atomically.
	updated, err := products.ApplyStockDelta(ctx, repositories.StockDeltaRequest{
		ProductID:     seed.ID,
		QuantityDelta: -3,
		SoldDelta:     3,
		Reason:        "order.settlement",
		Now:           now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("apply stock delta: %v", err)
	}
	if updated.Quantity != 2 || updated.Sold != 3 {
		t.Fatalf("unexpected stock after delta: %+v", updated)
	}

	// A delta that would drive stock negative is rejected without a write.
	_, err = products.ApplyStockDelta(ctx, repositories.StockDeltaRequest{
		ProductID:     seed.ID,
		QuantityDelta: -3,
		SoldDelta:     3,
		Reason:        "order.settlement",
		Now:           now.Add(2 * time.Minute),
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	var productErr *repositories.ProductError
	if !errors.As(err, &productErr) || productErr.Code != repositories.ProductErrorInsufficientStock {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}

	after, err := products.FindByID(ctx, seed.ID)
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if after.Quantity != 2 || after.Sold != 3 {
		t.Fatalf("stock mutated by rejected delta: %+v", after)
	}

	// Rating aggregate deltas.
	rated, err := products.ApplyRatingDelta(ctx, repositories.RatingDeltaRequest{
		ProductID:     seed.ID,
		SumDelta:      4,
		QuantityDelta: 1,
		Now:           now.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("apply rating delta: %v", err)
	}
	if rated.RatingsSum != 4 || rated.RatingsQuantity != 1 {
		t.Fatalf("unexpected rating aggregate: %+v", rated)
	}

	// Cart saves are revision-conditional.
	cart := domain.Cart{
		UserID: "user_integration",
		Items: []domain.CartItem{
			{ProductID: seed.ID, Name: seed.Name, Quantity: 2, UnitPrice: 1900, LineTotal: 3800},
		},
		TotalQuantity: 2,
		TotalPrice:    3800,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	saved, err := carts.Save(ctx, cart, 0)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if saved.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", saved.Revision)
	}

	_, err = carts.Save(ctx, saved, 5)
	if err == nil {
		t.Fatalf("expected revision conflict")
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict classification, got %v", err)
	}

	loaded, err := carts.Get(ctx, cart.UserID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if loaded.Revision != 1 || loaded.TotalPrice != 3800 {
		t.Fatalf("unexpected stored cart: %+v", loaded)
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
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
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
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
