package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/parallax-cloud/compute-broker/internal/chain"
	"github.com/parallax-cloud/compute-broker/internal/cvmcli"
	"github.com/parallax-cloud/compute-broker/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t interface {
	Helper()
	Fatalf(format string, args ...interface{})
}) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&models.Deployment{}, &models.Escrow{}, &models.CvmDeployment{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// fakeBillingClient implements billing.Client in memory with idempotency
// key tracking.
type fakeBillingClient struct {
	mu sync.Mutex

	markupRate   float64
	balanceCents int64

	debitErr  error
	creditErr error

	processedKeys map[string]bool
	debits        []fakeTransfer
	credits       []fakeTransfer
	notifications []fakeNotification
}

type fakeTransfer struct {
	accountID string
	cents     int64
	key       string
}

type fakeNotification struct {
	orgID string
	kind  string
}

func newFakeBillingClient() *fakeBillingClient {
	return &fakeBillingClient{
		markupRate:    0.2,
		balanceCents:  1_000_000,
		processedKeys: map[string]bool{},
	}
}

func (f *fakeBillingClient) ResolveBillingAccount(_ context.Context, orgID string) (string, error) {
	return "acct-" + orgID, nil
}

func (f *fakeBillingClient) GetMarkupRate(_ context.Context, _ string) (float64, error) {
	return f.markupRate, nil
}

func (f *fakeBillingClient) GetBalance(_ context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCents, nil
}

func (f *fakeBillingClient) Debit(_ context.Context, accountID string, cents int64, key string, _ map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return false, f.debitErr
	}
	if f.processedKeys[key] {
		return true, nil
	}
	f.processedKeys[key] = true
	f.balanceCents -= cents
	f.debits = append(f.debits, fakeTransfer{accountID: accountID, cents: cents, key: key})
	return false, nil
}

func (f *fakeBillingClient) Credit(_ context.Context, accountID string, cents int64, key string, _ map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditErr != nil {
		return false, f.creditErr
	}
	if f.processedKeys[key] {
		return true, nil
	}
	f.processedKeys[key] = true
	f.balanceCents += cents
	f.credits = append(f.credits, fakeTransfer{accountID: accountID, cents: cents, key: key})
	return false, nil
}

func (f *fakeBillingClient) Notify(_ context.Context, orgID, kind string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, fakeNotification{orgID: orgID, kind: kind})
	return nil
}

// fakeChainClient implements chain.Client in memory.
type fakeChainClient struct {
	mu sync.Mutex

	height   uint64
	bids     []chain.Bid
	bidErr   error
	orderErr error
	leaseErr error
	closeErr error
	// orderState is what GetDeployment reports; empty means "active".
	orderState string

	orders []chain.OrderID
	leases []chain.LeaseID
	closes []chain.OrderID
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{height: 123456}
}

func (f *fakeChainClient) BlockHeight(_ context.Context) (uint64, error) {
	return f.height, nil
}

func (f *fakeChainClient) SubmitOrder(_ context.Context, id chain.OrderID, _ string, _ string) error {
	if f.orderErr != nil {
		return f.orderErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, id)
	return nil
}

func (f *fakeChainClient) ListBids(_ context.Context, _ chain.OrderID) ([]chain.Bid, error) {
	return f.bids, f.bidErr
}

func (f *fakeChainClient) CreateLease(_ context.Context, id chain.LeaseID) error {
	if f.leaseErr != nil {
		return f.leaseErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = append(f.leases, id)
	return nil
}

func (f *fakeChainClient) GetDeployment(_ context.Context, id chain.OrderID) (*chain.DeploymentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.orderState
	if state == "" {
		state = "active"
	}
	return &chain.DeploymentInfo{OrderID: id, State: state}, nil
}

func (f *fakeChainClient) CloseDeployment(_ context.Context, id chain.OrderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, id)
	return f.closeErr
}

func (f *fakeChainClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

// fakeGateway implements chain.ProviderGateway in memory.
type fakeGateway struct {
	mu sync.Mutex

	manifestFailures int
	statusURIs       map[string][]string
	statusErr        error

	manifests []chain.LeaseID
}

func (f *fakeGateway) SubmitManifest(_ context.Context, id chain.LeaseID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifestFailures > 0 {
		f.manifestFailures--
		return fmt.Errorf("provider unavailable")
	}
	f.manifests = append(f.manifests, id)
	return nil
}

func (f *fakeGateway) LeaseStatus(_ context.Context, _ chain.LeaseID) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusURIs, f.statusErr
}

func (f *fakeGateway) setStatusURIs(uris map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusURIs = uris
}

// fakeCLI implements cvmcli.CLI in memory. Status responses are served
// in order, repeating the last one.
type fakeCLI struct {
	mu sync.Mutex

	createAppID string
	createErr   error
	statuses    []cvmcli.AppStatus
	statusIdx   int

	stops   []string
	starts  []string
	deletes []string
}

func (f *fakeCLI) Create(_ context.Context, _, _, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createAppID, nil
}

func (f *fakeCLI) Status(_ context.Context, _ string) (*cvmcli.AppStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return &cvmcli.AppStatus{State: "creating"}, nil
	}
	status := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return &status, nil
}

func (f *fakeCLI) Stop(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, appID)
	return nil
}

func (f *fakeCLI) Start(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, appID)
	return nil
}

func (f *fakeCLI) Delete(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, appID)
	return nil
}

func (f *fakeCLI) Logs(_ context.Context, _ string, _ int) (string, error) {
	return "log output", nil
}

func (f *fakeCLI) Attestation(_ context.Context, _ string) (string, error) {
	return `{"quote":"fake"}`, nil
}
