package delivery

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/vendlab/delivery-server/pkg/commerce"
	"github.com/vendlab/delivery-server/pkg/conf"
	"github.com/vendlab/delivery-server/pkg/stor"
)

// some global vars shared by all tests
var St stor.Store
var Cf *conf.Config

func TestMain(m *testing.M) {

	// create / open an sqlite db in memory
	dsn := "sqlite3://file::memory:?cache=shared"
	var err error
	St, err = stor.Init(dsn)
	if err != nil {
		panic("Database setup failed")
	}

	Cf = &conf.Config{
		PublicBaseUrl: "http://localhost:8091",
		Licenses: conf.Licenses{
			Policies: conf.DefaultLicensePolicies,
		},
	}

	code := m.Run()
	os.Exit(code)
}

// recordingNotifier captures the notification instead of sending it
type recordingNotifier struct {
	notification *Notification
	err          error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification *Notification) error {
	n.notification = notification
	return n.err
}

func digitalItem(productID string, qty int) commerce.LineItem {
	return commerce.LineItem{
		Product: commerce.ProductPolicy{
			ProductID:          productID,
			Name:               "Product " + productID,
			IsDigital:          true,
			DownloadLimit:      3,
			DownloadWindowDays: 30,
			AutoDelivery:       true,
		},
		Quantity: qty,
	}
}

// TestFulfill checks the full fan-out of a mixed order
func TestFulfill(t *testing.T) {

	notifier := &recordingNotifier{}
	o := NewOrchestrator(Cf, St, notifier)

	licensed := digitalItem("product-app", 1)
	licensed.Product.RequiresLicense = true
	licensed.Product.LicenseType = stor.LICENSE_MULTI_USE
	licensed.Product.KeyPrefix = "APP"

	order := &commerce.Order{
		OrderID:   "order-100",
		UserID:    "user-100",
		UserEmail: "buyer@example.com",
		Items: []commerce.LineItem{
			digitalItem("product-ebook", 2),
			licensed,
			{
				Product:  commerce.ProductPolicy{ProductID: "product-mug", Name: "Mug", IsDigital: false},
				Quantity: 1,
			},
		},
	}

	report, err := o.Fulfill(context.Background(), order)
	if err != nil {
		t.Fatalf("Failed to fulfill the order: %v", err)
	}

	// the physical item is skipped, not failed
	if len(report.Failures) != 0 {
		t.Fatalf("Unexpected failures: %+v", report.Failures)
	}
	if len(report.Successes) != 2 {
		t.Fatalf("Expected 2 fulfilled items, got %d", len(report.Successes))
	}

	// quantity 2 yields 2 grants
	var ebook, app *ItemResult
	for i := range report.Successes {
		switch report.Successes[i].ProductID {
		case "product-ebook":
			ebook = &report.Successes[i]
		case "product-app":
			app = &report.Successes[i]
		}
	}
	if ebook == nil || len(ebook.Grants) != 2 {
		t.Fatalf("Expected 2 grants for the ebook: %+v", ebook)
	}
	if app == nil || len(app.Grants) != 1 || len(app.Licenses) != 1 {
		t.Fatalf("Expected 1 grant and 1 license for the app: %+v", app)
	}

	// the notification was sent and carries the download links
	if notifier.notification == nil {
		t.Fatal("Expected a notification")
	}
	if len(notifier.notification.Items) != 2 {
		t.Fatalf("Expected 2 notified items, got %d", len(notifier.notification.Items))
	}
	for _, item := range notifier.notification.Items {
		for _, g := range item.Grants {
			if g.DownloadURL != "http://localhost:8091/downloads/"+g.Token {
				t.Fatalf("Incorrect download link: %s", g.DownloadURL)
			}
		}
	}

	// everything is persisted
	grants, err := St.Grant().FindByOrder("order-100")
	if err != nil || len(*grants) != 3 {
		t.Fatalf("Expected 3 persisted grants, got %d", len(*grants))
	}
	licenses, err := St.License().FindByOrder("order-100")
	if err != nil || len(*licenses) != 1 {
		t.Fatalf("Expected 1 persisted license, got %d", len(*licenses))
	}
}

// TestFulfillPartialFailure checks that one failing item never blocks the
// delivery of the others.
func TestFulfillPartialFailure(t *testing.T) {

	o := NewOrchestrator(Cf, St, nil)

	// the second item fails partway: its grants are issued first, then the
	// license issuance fails on an unknown type
	broken := digitalItem("product-broken", 2)
	broken.Product.RequiresLicense = true
	broken.Product.LicenseType = "site_wide"

	order := &commerce.Order{
		OrderID: "order-101",
		UserID:  "user-101",
		Items: []commerce.LineItem{
			digitalItem("product-good", 1),
			broken,
			digitalItem("product-also-good", 1),
		},
	}

	report, err := o.Fulfill(context.Background(), order)
	if err != nil {
		t.Fatalf("Failed to fulfill the order: %v", err)
	}

	if len(report.Successes) != 2 {
		t.Fatalf("Expected 2 fulfilled items, got %d", len(report.Successes))
	}
	if len(report.Failures) != 1 || report.Failures[0].ProductID != "product-broken" {
		t.Fatalf("Expected one failure on product-broken: %+v", report.Failures)
	}

	// the successful grants are persisted despite the failure, and the
	// failed item left nothing behind: its grants were rolled back with it
	grants, err := St.Grant().FindByOrder("order-101")
	if err != nil || len(*grants) != 2 {
		t.Fatalf("Expected 2 persisted grants, got %d", len(*grants))
	}
	for _, g := range *grants {
		if g.ProductID == "product-broken" {
			t.Fatal("A failed item left a live grant behind")
		}
	}
	licenses, err := St.License().FindByOrder("order-101")
	if err != nil || len(*licenses) != 0 {
		t.Fatalf("Expected no persisted license, got %d", len(*licenses))
	}
}

// TestNotificationFailure checks that a failed notification is reported
// but never undoes the delivery.
func TestNotificationFailure(t *testing.T) {

	notifier := &recordingNotifier{err: errors.New("smtp relay down")}
	o := NewOrchestrator(Cf, St, notifier)

	order := &commerce.Order{
		OrderID: "order-102",
		UserID:  "user-102",
		Items:   []commerce.LineItem{digitalItem("product-ebook", 1)},
	}

	report, err := o.Fulfill(context.Background(), order)
	if err != nil {
		t.Fatalf("Failed to fulfill the order: %v", err)
	}
	if report.NotificationError == "" {
		t.Fatal("Expected a reported notification error")
	}

	grants, err := St.Grant().FindByOrder("order-102")
	if err != nil || len(*grants) != 1 {
		t.Fatalf("The grant must survive a failed notification, got %d", len(*grants))
	}
}

// TestCleanupExpired checks the on-demand expiry sweep
func TestCleanupExpired(t *testing.T) {

	o := NewOrchestrator(Cf, St, nil)

	// one stale grant
	stale := &stor.AccessGrant{
		UUID:          "11111111-1111-1111-1111-111111111111",
		Token:         "stale-token-for-cleanup",
		UserID:        "user-103",
		ProductID:     "product-ebook",
		OrderID:       "order-103",
		DownloadLimit: 3,
		ExpiresAt:     time.Now().AddDate(0, 0, -1),
		Status:        stor.STATUS_ACTIVE,
	}
	if err := St.Grant().Create(stale); err != nil {
		t.Fatalf("Failed to create a stale grant: %v", err)
	}

	report, err := o.CleanupExpired()
	if err != nil {
		t.Fatalf("Failed to run the sweep: %v", err)
	}
	if report.ExpiredGrants == 0 {
		t.Fatal("Expected at least one expired grant")
	}

	refreshed, _ := St.Grant().Get(stale.UUID)
	if refreshed.Status != stor.STATUS_EXPIRED {
		t.Fatalf("Incorrect status after the sweep: %s", refreshed.Status)
	}
}

// TestValidateOrderPayload checks the schema gate
func TestValidateOrderPayload(t *testing.T) {

	valid := []byte(`{
		"order_id": "order-1",
		"user_id": "user-1",
		"items": [
			{"product": {"product_id": "p1", "is_digital": true}, "quantity": 1}
		]
	}`)
	if err := ValidateOrderPayload(valid); err != nil {
		t.Fatalf("Failed to accept a valid payload: %v", err)
	}

	// missing items
	invalid := []byte(`{"order_id": "order-1", "user_id": "user-1"}`)
	if err := ValidateOrderPayload(invalid); err == nil {
		t.Fatal("Failed to reject a payload without items")
	}

	// zero quantity
	invalid = []byte(`{
		"order_id": "order-1",
		"user_id": "user-1",
		"items": [{"product": {"product_id": "p1"}, "quantity": 0}]
	}`)
	if err := ValidateOrderPayload(invalid); err == nil {
		t.Fatal("Failed to reject a zero quantity")
	}

	// unknown license type
	invalid = []byte(`{
		"order_id": "order-1",
		"user_id": "user-1",
		"items": [{"product": {"product_id": "p1", "license_type": "site_wide"}, "quantity": 1}]
	}`)
	if err := ValidateOrderPayload(invalid); err == nil {
		t.Fatal("Failed to reject an unknown license type")
	}
}

// TestTypeLabel checks the display label rendering
func TestTypeLabel(t *testing.T) {

	cases := map[string]string{
		"single_use":   "Single Use",
		"multi_use":    "Multi Use",
		"subscription": "Subscription",
		"trial":        "Trial",
	}
	for value, expected := range cases {
		if got := typeLabel(value); got != expected {
			t.Fatalf("Incorrect label for %s: %s", value, got)
		}
	}
}

// TestFormatSize checks the human readable byte rendering
func TestFormatSize(t *testing.T) {

	if got := formatSize(512); got != "512 B" {
		t.Fatalf("Incorrect size rendering: %s", got)
	}
	if got := formatSize(2048); got != "2.0 KB" {
		t.Fatalf("Incorrect size rendering: %s", got)
	}
	if got := formatSize(5 << 20); got != "5.0 MB" {
		t.Fatalf("Incorrect size rendering: %s", got)
	}
}
