package stor

import (
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"syreclabs.com/go/faker"
)

// some global vars shared by all tests
var St Store
var Contents []ContentObject
var Grants []AccessGrant
var LicenseKeys []LicenseKey
var contentUUIDs []string

func TestMain(m *testing.M) {

	// generate random content objects
	for i := 0; i < 10; i++ {
		c := ContentObject{}
		c.UUID = uuid.New().String()
		c.ProductID = "product-" + faker.Number().Hexadecimal(8)
		if i == 5 || i == 7 {
			c.ProductID = "product-shared"
		}
		c.Name = faker.Company().CatchPhrase()
		c.OriginalFilename = faker.Internet().Slug() + ".zip"
		c.StoragePath = faker.Number().Hexadecimal(2) + "/" + faker.Number().Hexadecimal(40) + ".zip"
		c.ContentType = "application/zip"
		c.Size = int64(faker.Number().NumberInt32(6))
		c.Checksum = faker.Number().Hexadecimal(64)
		c.IsActive = true
		Contents = append(Contents, c)
		// save the list of content IDs
		contentUUIDs = append(contentUUIDs, c.UUID)
	}

	// generate random grants
	var randomIdx int
	for i := 0; i < 10; i++ {
		g := AccessGrant{}
		g.UUID = uuid.New().String()
		g.Token = faker.Number().Hexadecimal(43)
		if i == 2 || i == 3 {
			g.UserID = "Morpheus"
		} else {
			g.UserID = uuid.New().String()
		}
		randomIdx = rand.Intn(len(contentUUIDs))
		g.ProductID = Contents[randomIdx].ProductID
		g.OrderID = "order-" + faker.Number().Number(6)
		g.DownloadLimit = 3
		g.ExpiresAt = time.Now().AddDate(0, 0, 30).Truncate(time.Second)
		if i == 2 || i == 3 {
			g.Status = STATUS_REVOKED
		} else {
			g.Status = STATUS_ACTIVE
		}
		Grants = append(Grants, g)
	}

	// generate random licenses
	for i := 0; i < 10; i++ {
		l := LicenseKey{}
		l.UUID = uuid.New().String()
		l.Key = "LIC-" + faker.Number().Hexadecimal(16)
		if i == 2 || i == 3 {
			l.UserID = "Morpheus"
		} else {
			l.UserID = uuid.New().String()
		}
		l.ProductID = "product-" + faker.Number().Hexadecimal(8)
		l.OrderID = "order-" + faker.Number().Number(6)
		l.Type = LICENSE_MULTI_USE
		l.Status = STATUS_ACTIVE
		l.ActivationLimit = 2
		LicenseKeys = append(LicenseKeys, l)
	}

	// create / open an sqlite db in memory
	dsn := "sqlite3://file::memory:?cache=shared"
	St, _ = Init(dsn)

	// store everything in the db
	var err error
	for i := range Contents {
		err = St.Content().Create(&Contents[i])
		if err != nil {
			log.Fatalf("Failed to create a content object: %v", err)
		}
	}
	for i := range Grants {
		err = St.Grant().Create(&Grants[i])
		if err != nil {
			log.Fatalf("Failed to create a grant: %v", err)
		}
	}
	for i := range LicenseKeys {
		err = St.License().Create(&LicenseKeys[i])
		if err != nil {
			log.Fatalf("Failed to create a license: %v", err)
		}
	}

	code := m.Run()
	os.Exit(code)
}

// TestAddParamsDialectSpecific checks the assembly of connection strings,
// with and without a query string already present.
func TestAddParamsDialectSpecific(t *testing.T) {

	// a connection string which already carries a query
	got := addParamsDialectSpecific("file::memory:?cache=shared", "sqlite3")
	if got != "file::memory:?cache=shared&cache=shared&mode=rwc" {
		t.Fatalf("Malformed connection string: %s", got)
	}
	if strings.Count(got, "?") != 1 {
		t.Fatalf("Expected a single query separator: %s", got)
	}

	// a bare connection string
	got = addParamsDialectSpecific("delivery.sqlite", "sqlite3")
	if got != "delivery.sqlite?cache=shared&mode=rwc" {
		t.Fatalf("Malformed connection string: %s", got)
	}

	got = addParamsDialectSpecific("host=localhost dbname=delivery", "mssql")
	if strings.Contains(got, "?") {
		t.Fatalf("Unexpected query string: %s", got)
	}
}

// TestContents calls gorm functionalities related to content objects
func TestContents(t *testing.T) {
	var err error

	// check a content object
	err = Contents[0].Validate()
	if err != nil {
		t.Fatalf("Invalid test content object: %v", err)
	}

	// count content objects
	var cnt int64
	cnt, err = St.Content().Count()
	if err != nil {
		t.Fatalf("Failed to count content objects: %v", err)
	}
	if int(cnt) != len(Contents) {
		t.Fatalf("Incorrect content count: %d", cnt)
	}

	// get content objects by their product
	var objects *[]ContentObject
	objects, err = St.Content().FindByProduct("product-shared")
	if err != nil {
		t.Fatalf("Failed to get content objects by product: %v", err)
	}
	if len(*objects) != 2 {
		t.Fatalf("Failed to get the 2 items of the shared product, got %d", len(*objects))
	}

	// list content objects per page (size 3, num 2)
	objects, err = St.Content().List(3, 2)
	if err != nil {
		t.Fatalf("Failed to list some content objects: %v", err)
	}
	if len(*objects) == 0 {
		t.Fatal("Failed to get a list of content objects: empty list")
	}

	// get a content object by its id
	var object *ContentObject
	object, err = St.Content().Get(Contents[1].UUID)
	if err != nil {
		t.Fatalf("Failed to get a content object by uuid: %v", err)
	}

	// update the name
	object.Name = "Director's Cut"
	err = St.Content().Update(object)
	if err != nil {
		t.Fatalf("Failed to update a content property: %v", err)
	}

	// bump the per-file download counter
	err = St.Content().IncrementDownloadCount(object.ID)
	if err != nil {
		t.Fatalf("Failed to increment the download count: %v", err)
	}
	object, _ = St.Content().Get(object.UUID)
	if object.DownloadCount != 1 {
		t.Fatalf("Incorrect download count: %d", object.DownloadCount)
	}

	// (soft) delete the content object, then purge it
	err = St.Content().Delete(object)
	if err != nil {
		t.Fatalf("Failed to delete a content object: %v", err)
	}
	_, err = St.Content().Get(object.UUID)
	if err == nil {
		t.Fatal("Expected content object to be deleted")
	}
	err = St.Content().Purge(object)
	if err != nil {
		t.Fatalf("Failed to purge a content object: %v", err)
	}
}

// TestPrimaryFlag checks that at most one primary object exists per product
func TestPrimaryFlag(t *testing.T) {

	objects, err := St.Content().FindByProduct("product-shared")
	if err != nil || len(*objects) != 2 {
		t.Fatalf("Failed to get the shared product objects: %v", err)
	}

	first := &(*objects)[0]
	second := &(*objects)[1]

	err = St.Content().SetPrimary(first)
	if err != nil {
		t.Fatalf("Failed to set a primary object: %v", err)
	}
	err = St.Content().SetPrimary(second)
	if err != nil {
		t.Fatalf("Failed to move the primary flag: %v", err)
	}

	// the flag must have moved, not spread
	primary, err := St.Content().GetPrimary("product-shared")
	if err != nil {
		t.Fatalf("Failed to get the primary object: %v", err)
	}
	if primary.UUID != second.UUID {
		t.Fatal("The primary flag did not move to the second object")
	}
	refreshed, _ := St.Content().Get(first.UUID)
	if refreshed.IsPrimary {
		t.Fatal("Two primary objects for the same product")
	}
}

// TestUsageStats checks the storage aggregation
func TestUsageStats(t *testing.T) {

	stats, err := St.Content().UsageStats("")
	if err != nil {
		t.Fatalf("Failed to get global usage stats: %v", err)
	}
	if stats.FileCount == 0 || stats.TotalBytes == 0 {
		t.Fatalf("Empty usage stats: %+v", stats)
	}

	stats, err = St.Content().UsageStats("product-shared")
	if err != nil {
		t.Fatalf("Failed to get product usage stats: %v", err)
	}
	if stats.FileCount != 2 {
		t.Fatalf("Incorrect product file count: %d", stats.FileCount)
	}
}

// TestGrants calls gorm functionalities related to grants
func TestGrants(t *testing.T) {
	var err error

	// check a grant
	err = Grants[0].Validate()
	if err != nil {
		t.Fatalf("Invalid test grant: %v", err)
	}

	// count grants
	var cnt int64
	cnt, err = St.Grant().Count()
	if err != nil {
		t.Fatalf("Failed to count grants: %v", err)
	}
	if int(cnt) != len(Grants) {
		t.Fatalf("Incorrect grant count: %d", cnt)
	}

	// get grants by their user
	var grants *[]AccessGrant
	grants, err = St.Grant().FindByUser("Morpheus")
	if err != nil {
		t.Fatalf("Failed to get grants by their user: %v", err)
	}
	if len(*grants) != 2 {
		t.Fatal("Failed to get 2 grants owned by Morpheus")
	}

	// get grants by their status
	grants, err = St.Grant().FindByStatus(STATUS_REVOKED)
	if err != nil {
		t.Fatalf("Failed to get grants by their status: %v", err)
	}
	if len(*grants) != 2 {
		t.Fatal("Failed to get 2 revoked grants")
	}

	// get a grant by its token
	var grant *AccessGrant
	grant, err = St.Grant().GetByToken(Grants[1].Token)
	if err != nil {
		t.Fatalf("Failed to get a grant by token: %v", err)
	}
	if grant.UUID != Grants[1].UUID {
		t.Fatal("Got the wrong grant by token")
	}

	// update the grant
	now := time.Now().Truncate(time.Second)
	grant.Status = STATUS_REVOKED
	grant.StatusUpdated = &now
	err = St.Grant().Update(grant)
	if err != nil {
		t.Fatalf("Failed to update a grant property: %v", err)
	}
}

// TestIncrementDownloads checks that the conditional update never pushes
// the counter past the limit, however often it is called.
func TestIncrementDownloads(t *testing.T) {

	grant := &AccessGrant{
		UUID:          uuid.New().String(),
		Token:         faker.Number().Hexadecimal(43),
		UserID:        uuid.New().String(),
		ProductID:     "product-counter",
		OrderID:       "order-counter",
		DownloadLimit: 3,
		ExpiresAt:     time.Now().AddDate(0, 0, 30),
		Status:        STATUS_ACTIVE,
	}
	if err := St.Grant().Create(grant); err != nil {
		t.Fatalf("Failed to create a grant: %v", err)
	}

	// over-ask: 10 completions against a limit of 3
	var wins, losses int
	for i := 0; i < 10; i++ {
		err := St.Grant().IncrementDownloads(grant.ID)
		switch err {
		case nil:
			wins++
		case ErrLimitReached:
			losses++
		default:
			t.Fatalf("Unexpected increment failure: %v", err)
		}
	}
	if wins != 3 || losses != 7 {
		t.Fatalf("Expected 3 wins and 7 losses, got %d and %d", wins, losses)
	}

	refreshed, _ := St.Grant().Get(grant.UUID)
	if refreshed.DownloadsUsed != 3 {
		t.Fatalf("Counter pushed past the limit: %d", refreshed.DownloadsUsed)
	}
}

// TestConcurrentIncrementDownloads races 10 goroutines against a limit of
// 3; the conditional update must hand out exactly 3 slots.
func TestConcurrentIncrementDownloads(t *testing.T) {

	grant := &AccessGrant{
		UUID:          uuid.New().String(),
		Token:         faker.Number().Hexadecimal(43),
		UserID:        uuid.New().String(),
		ProductID:     "product-race",
		OrderID:       "order-race",
		DownloadLimit: 3,
		ExpiresAt:     time.Now().AddDate(0, 0, 30),
		Status:        STATUS_ACTIVE,
	}
	if err := St.Grant().Create(grant); err != nil {
		t.Fatalf("Failed to create a grant: %v", err)
	}

	const askers = 10
	errs := make(chan error, askers)
	var wg sync.WaitGroup
	for i := 0; i < askers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- St.Grant().IncrementDownloads(grant.ID)
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch err {
		case nil:
			wins++
		case ErrLimitReached:
			losses++
		default:
			t.Fatalf("Unexpected increment failure: %v", err)
		}
	}
	if wins != 3 || losses != 7 {
		t.Fatalf("Expected 3 wins and 7 losses, got %d and %d", wins, losses)
	}

	refreshed, _ := St.Grant().Get(grant.UUID)
	if refreshed.DownloadsUsed != 3 {
		t.Fatalf("Counter pushed past the limit: %d", refreshed.DownloadsUsed)
	}
}

// TestLicenseKeys calls gorm functionalities related to licenses
func TestLicenseKeys(t *testing.T) {
	var err error

	// check a license
	err = LicenseKeys[0].Validate()
	if err != nil {
		t.Fatalf("Invalid test license: %v", err)
	}

	// count licenses
	var cnt int64
	cnt, err = St.License().Count()
	if err != nil {
		t.Fatalf("Failed to count licenses: %v", err)
	}
	if int(cnt) != len(LicenseKeys) {
		t.Fatalf("Incorrect license count: %d", cnt)
	}

	// get licenses by their user
	var licenses *[]LicenseKey
	licenses, err = St.License().FindByUser("Morpheus")
	if err != nil {
		t.Fatalf("Failed to get licenses by their user: %v", err)
	}
	if len(*licenses) != 2 {
		t.Fatal("Failed to get 2 licenses owned by Morpheus")
	}

	// get a license by its key string
	var license *LicenseKey
	license, err = St.License().GetByKey(LicenseKeys[1].Key)
	if err != nil {
		t.Fatalf("Failed to get a license by key: %v", err)
	}
	if license.UUID != LicenseKeys[1].UUID {
		t.Fatal("Got the wrong license by key")
	}

	// check that the creation of a license with an existing key is disallowed
	dup := LicenseKeys[1]
	dup.ID = 0 // raz the gorm id
	dup.UUID = uuid.New().String()
	err = St.License().Create(&dup)
	if err == nil {
		t.Fatal("Failed to disallow the creation of 2 licenses with the same key")
	} else {
		t.Logf("Test positive, it is not possible to create a license with an already existing key: %v", err)
	}
}

// TestActivationSlots checks the conditional activation counter and the
// activation rows.
func TestActivationSlots(t *testing.T) {

	license := &LicenseKey{
		UUID:            uuid.New().String(),
		Key:             "LIC-" + faker.Number().Hexadecimal(16),
		ProductID:       "product-slots",
		UserID:          uuid.New().String(),
		OrderID:         "order-slots",
		Type:            LICENSE_MULTI_USE,
		Status:          STATUS_ACTIVE,
		ActivationLimit: 2,
	}
	if err := St.License().Create(license); err != nil {
		t.Fatalf("Failed to create a license: %v", err)
	}

	// over-ask: 5 activations against a limit of 2
	var wins, losses int
	for i := 0; i < 5; i++ {
		err := St.License().ConsumeActivation(license.ID)
		switch err {
		case nil:
			wins++
		case ErrLimitReached:
			losses++
		default:
			t.Fatalf("Unexpected activation failure: %v", err)
		}
	}
	if wins != 2 || losses != 3 {
		t.Fatalf("Expected 2 wins and 3 losses, got %d and %d", wins, losses)
	}

	// record the device rows
	for i := 0; i < 2; i++ {
		a := &Activation{
			LicenseID:   license.UUID,
			DeviceID:    faker.Number().Hexadecimal(12),
			DeviceName:  faker.Company().Name(),
			ActivatedAt: time.Now().Truncate(time.Second),
		}
		if err := St.License().AddActivation(a); err != nil {
			t.Fatalf("Failed to add an activation: %v", err)
		}
	}

	refreshed, err := St.License().Get(license.UUID)
	if err != nil {
		t.Fatalf("Failed to get the license: %v", err)
	}
	if refreshed.ActivationsUsed != 2 {
		t.Fatalf("Counter pushed past the limit: %d", refreshed.ActivationsUsed)
	}
	if len(refreshed.Activations) != 2 {
		t.Fatalf("Expected 2 preloaded activations, got %d", len(refreshed.Activations))
	}

	// free one slot, check the guarded release
	deviceID := refreshed.Activations[0].DeviceID
	active, err := St.License().GetActiveDevice(license.UUID, deviceID)
	if err != nil {
		t.Fatalf("Failed to get an active device: %v", err)
	}
	now := time.Now().Truncate(time.Second)
	active.DeactivatedAt = &now
	if err := St.License().UpdateActivation(active); err != nil {
		t.Fatalf("Failed to deactivate a device: %v", err)
	}
	if err := St.License().ReleaseActivation(license.ID); err != nil {
		t.Fatalf("Failed to release a slot: %v", err)
	}

	// the deactivated device is no longer active
	_, err = St.License().GetActiveDevice(license.UUID, deviceID)
	if err == nil {
		t.Fatal("Expected the deactivated device to be gone")
	}
}

// TestConcurrentActivations races 5 goroutines against a limit of 2; the
// conditional update must hand out exactly 2 slots.
func TestConcurrentActivations(t *testing.T) {

	license := &LicenseKey{
		UUID:            uuid.New().String(),
		Key:             "LIC-" + faker.Number().Hexadecimal(16),
		ProductID:       "product-slot-race",
		UserID:          uuid.New().String(),
		OrderID:         "order-slot-race",
		Type:            LICENSE_MULTI_USE,
		Status:          STATUS_ACTIVE,
		ActivationLimit: 2,
	}
	if err := St.License().Create(license); err != nil {
		t.Fatalf("Failed to create a license: %v", err)
	}

	const askers = 5
	errs := make(chan error, askers)
	var wg sync.WaitGroup
	for i := 0; i < askers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- St.License().ConsumeActivation(license.ID)
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch err {
		case nil:
			wins++
		case ErrLimitReached:
			losses++
		default:
			t.Fatalf("Unexpected activation failure: %v", err)
		}
	}
	if wins != 2 || losses != 3 {
		t.Fatalf("Expected 2 wins and 3 losses, got %d and %d", wins, losses)
	}

	refreshed, _ := St.License().Get(license.UUID)
	if refreshed.ActivationsUsed != 2 {
		t.Fatalf("Counter pushed past the limit: %d", refreshed.ActivationsUsed)
	}
}

// TestExpireStale checks the expiry sweep on grants and licenses
func TestExpireStale(t *testing.T) {

	past := time.Now().AddDate(0, 0, -1)

	grant := &AccessGrant{
		UUID:          uuid.New().String(),
		Token:         faker.Number().Hexadecimal(43),
		UserID:        uuid.New().String(),
		ProductID:     "product-stale",
		OrderID:       "order-stale",
		DownloadLimit: 3,
		ExpiresAt:     past,
		Status:        STATUS_ACTIVE,
	}
	if err := St.Grant().Create(grant); err != nil {
		t.Fatalf("Failed to create a grant: %v", err)
	}

	expires := past
	license := &LicenseKey{
		UUID:            uuid.New().String(),
		Key:             "LIC-" + faker.Number().Hexadecimal(16),
		ProductID:       "product-stale",
		UserID:          uuid.New().String(),
		OrderID:         "order-stale",
		Type:            LICENSE_TRIAL,
		Status:          STATUS_ACTIVE,
		ActivationLimit: 1,
		ExpiresAt:       &expires,
	}
	if err := St.License().Create(license); err != nil {
		t.Fatalf("Failed to create a license: %v", err)
	}

	flipped, err := St.Grant().ExpireStale(time.Now())
	if err != nil {
		t.Fatalf("Failed to expire stale grants: %v", err)
	}
	if flipped == 0 {
		t.Fatal("Expected at least one stale grant to be flipped")
	}
	refreshedGrant, _ := St.Grant().Get(grant.UUID)
	if refreshedGrant.Status != STATUS_EXPIRED {
		t.Fatalf("Incorrect grant status after the sweep: %s", refreshedGrant.Status)
	}

	flipped, err = St.License().ExpireStale(time.Now())
	if err != nil {
		t.Fatalf("Failed to expire stale licenses: %v", err)
	}
	if flipped == 0 {
		t.Fatal("Expected at least one stale license to be flipped")
	}
	refreshedLicense, _ := St.License().Get(license.UUID)
	if refreshedLicense.Status != STATUS_EXPIRED {
		t.Fatalf("Incorrect license status after the sweep: %s", refreshedLicense.Status)
	}

	// the sweep is idempotent
	flipped, err = St.Grant().ExpireStale(time.Now())
	if err != nil || flipped != 0 {
		t.Fatalf("Expected an idempotent sweep, flipped %d", flipped)
	}
}

// TestAttempts checks the download attempt lifecycle at the storage level
func TestAttempts(t *testing.T) {

	grant := &Grants[5]

	attempt := &DownloadAttempt{
		GrantID:    grant.UUID,
		FileID:     contentUUIDs[0],
		IP:         faker.Internet().IpV4Address(),
		UserAgent:  "Mozilla/5.0 (X11; Linux x86_64)",
		Status:     ATTEMPT_STARTED,
		TotalBytes: 1000,
		StartedAt:  time.Now().Truncate(time.Second),
	}
	if err := St.Attempt().Create(attempt); err != nil {
		t.Fatalf("Failed to create an attempt: %v", err)
	}

	now := time.Now().Truncate(time.Second)
	attempt.Status = ATTEMPT_COMPLETED
	attempt.BytesSent = 1000
	attempt.EndedAt = &now
	if err := St.Attempt().Update(attempt); err != nil {
		t.Fatalf("Failed to update an attempt: %v", err)
	}

	attempts, err := St.Attempt().ListByGrant(grant.UUID)
	if err != nil {
		t.Fatalf("Failed to list attempts by grant: %v", err)
	}
	if len(*attempts) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(*attempts))
	}
	if (*attempts)[0].Status != ATTEMPT_COMPLETED {
		t.Fatalf("Incorrect attempt status: %s", (*attempts)[0].Status)
	}

	cnt, err := St.Attempt().Count(grant.UUID)
	if err != nil || cnt != 1 {
		t.Fatalf("Incorrect attempt count: %d", cnt)
	}
}
