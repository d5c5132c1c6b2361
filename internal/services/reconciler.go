package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"entitlement-api/internal/appstore"
	"entitlement-api/internal/database"
	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrMissingIdentifier is returned when a notification carries neither
// an app account token nor a transaction id. Logged and dropped.
var ErrMissingIdentifier = errors.New("notification is missing appAccountToken or transactionId")

// AppleClient is the slice of the App Store Server API the reconciler
// needs for a full refresh.
type AppleClient interface {
	GetSubscriptionStatuses(ctx context.Context, originalTransactionID string) ([]models.SubscriptionRecord, error)
	GetTransactionHistory(ctx context.Context, originalTransactionID string) ([]models.TransactionRecord, error)
}

// Reconciler applies App Store Server notifications to stored
// CustomerInfo. Notifications arrive at-least-once and unordered;
// idempotency comes from UUID dedup, per-customer locking and a
// version check on every write.
type Reconciler struct {
	store   CustomerStore
	client  AppleClient
	mapper  *CustomerInfoMapper
	dedup   *NotificationDedup
	alerts  *AlertNotifier
	decoder appstore.PayloadDecoder
	auditDB *gorm.DB
	now     func() time.Time

	locks    sync.Map // appUserID -> *sync.Mutex
	failures chan reconcileFailure
	wg       sync.WaitGroup
}

type reconcileFailure struct {
	notification *models.AppStoreNotification
	err          error
}

// NewReconciler wires the reconciler and starts its failure sink. The
// auditDB may be nil in tests; audit rows are then skipped.
func NewReconciler(store CustomerStore, client AppleClient, mapper *CustomerInfoMapper,
	dedup *NotificationDedup, alerts *AlertNotifier, decoder appstore.PayloadDecoder, auditDB *gorm.DB) *Reconciler {
	r := &Reconciler{
		store:    store,
		client:   client,
		mapper:   mapper,
		dedup:    dedup,
		alerts:   alerts,
		decoder:  decoder,
		auditDB:  auditDB,
		now:      time.Now,
		failures: make(chan reconcileFailure, 64),
	}
	go r.drainFailures()
	return r
}

// ProcessDetached runs a reconciliation in its own goroutine, after
// the webhook response has already been sent. Apple retries non-2xx
// responses aggressively, so failures are surfaced through the
// failure sink instead of the HTTP status.
func (r *Reconciler) ProcessDetached(notification *models.AppStoreNotification) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Process(context.Background(), notification); err != nil {
			r.failures <- reconcileFailure{notification: notification, err: err}
		}
	}()
}

// Wait blocks until all detached reconciliations have finished. Used
// by shutdown and tests.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// drainFailures is the observability sink for detached processing.
// Precondition failures (missing ids, unknown customer) are expected
// operational noise and only logged; everything else also alerts ops.
func (r *Reconciler) drainFailures() {
	for f := range r.failures {
		logging.Errorf("Notification reconciliation failed - type: %s, uuid: %s, error: %v",
			f.notification.NotificationType, f.notification.NotificationUUID, f.err)
		if errors.Is(f.err, ErrMissingIdentifier) || errors.Is(f.err, ErrCustomerNotFound) {
			continue
		}
		r.alerts.NotifyReconciliationFailure(f.notification, f.err)
	}
}

// Process applies one notification to the affected customer. The
// returned error is for the failure sink; nothing propagates past the
// webhook boundary.
func (r *Reconciler) Process(ctx context.Context, notification *models.AppStoreNotification) error {
	if notification.NotificationUUID == "" {
		// Keeps audit rows and logs traceable; a fresh UUID never
		// collides in dedup, so redelivery semantics are unchanged.
		notification.NotificationUUID = "local-" + uuid.NewString()
		logging.Warnf("Notification without UUID, assigned %s", notification.NotificationUUID)
	}

	logging.Infof("Processing Apple notification: %s, UUID: %s",
		notification.NotificationType, notification.NotificationUUID)

	if r.dedup != nil && r.dedup.IsDuplicate(ctx, notification.NotificationUUID) {
		logging.Infof("Duplicate notification dropped - uuid: %s", notification.NotificationUUID)
		r.audit(notification, "", "dropped", "duplicate notification UUID")
		return nil
	}

	if !handledType(notification.NotificationType) {
		logging.Infof("Unhandled notification type: %s", notification.NotificationType)
		r.audit(notification, notification.Data.AppAccountToken, "dropped", "unhandled notification type")
		return nil
	}

	r.fillFromSignedTransaction(ctx, notification)

	data := &notification.Data
	transactionID := data.TransactionID
	if transactionID == "" {
		transactionID = data.OriginalTransactionID
	}
	appUserID := data.AppAccountToken

	if appUserID == "" || transactionID == "" {
		r.audit(notification, appUserID, "dropped", "missing identifiers")
		return fmt.Errorf("%w: uuid %s", ErrMissingIdentifier, notification.NotificationUUID)
	}

	unlock := r.lockCustomer(appUserID)
	defer unlock()

	err := r.apply(ctx, notification, appUserID, transactionID)
	if errors.Is(err, ErrVersionConflict) {
		// Lost a cross-process race; re-read and re-apply once
		logging.Warnf("Version conflict for customer %s, retrying once", appUserID)
		err = r.apply(ctx, notification, appUserID, transactionID)
	}
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			r.audit(notification, appUserID, "dropped", "customer not found")
		} else {
			r.audit(notification, appUserID, "failed", err.Error())
		}
		return err
	}

	r.audit(notification, appUserID, "applied", "")
	logging.Infof("Notification applied - type: %s, customer: %s, product: %s",
		notification.NotificationType, appUserID, data.ProductID)
	return nil
}

// apply performs one read-refresh-mutate-write cycle under the
// customer lock.
func (r *Reconciler) apply(ctx context.Context, notification *models.AppStoreNotification, appUserID, transactionID string) error {
	existing, version, err := r.store.GetByAppUserID(ctx, appUserID)
	if err != nil {
		return err
	}

	subscriptions, err := r.client.GetSubscriptionStatuses(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("subscription status refresh failed: %w", err)
	}
	transactions, err := r.client.GetTransactionHistory(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("transaction history refresh failed: %w", err)
	}

	info := mergeRefresh(existing, r.mapper.Map(subscriptions, transactions))
	r.applyDelta(notification, info)
	normalizeActive(info)

	_, err = r.store.Upsert(ctx, appUserID, info, version)
	return err
}

// applyDelta applies the type-specific effect on top of the refreshed
// aggregate. Unknown types leave the state untouched.
func (r *Reconciler) applyDelta(notification *models.AppStoreNotification, info *models.CustomerInfo) {
	data := &notification.Data
	productID := data.ProductID

	switch notification.NotificationType {
	case models.NotificationSubscribed, models.NotificationDidRenew:
		// The refreshed state already carries the (re)activated
		// entitlement; nothing further to do.

	case models.NotificationDidChangeRenewalStatus:
		if ent, ok := entitlementFor(info, productID); ok {
			ent.WillRenew = data.AutoRenewStatus.RenewOn()
			info.Entitlements.All[productID] = ent
		}

	case models.NotificationExpired:
		if ent, ok := entitlementFor(info, productID); ok {
			detected := r.now().UTC().Format(time.RFC3339)
			ent.IsActive = false
			ent.WillRenew = false
			ent.UnsubscribeDetectedAt = &detected
			info.Entitlements.All[productID] = ent
		}

	case models.NotificationDidFailToRenew:
		if ent, ok := entitlementFor(info, productID); ok {
			ent.IsActive = false
			ent.WillRenew = true // billing retry still in progress
			info.Entitlements.All[productID] = ent
		}

	case models.NotificationRefund:
		if ent, ok := entitlementFor(info, productID); ok {
			ent.IsActive = false
			ent.WillRenew = false
			info.Entitlements.All[productID] = ent
		}

	}
}

// handledType reports whether a notification type has a defined effect
// on CustomerInfo. Anything else must leave the stored state untouched.
func handledType(notificationType string) bool {
	switch notificationType {
	case models.NotificationSubscribed,
		models.NotificationDidRenew,
		models.NotificationDidChangeRenewalStatus,
		models.NotificationExpired,
		models.NotificationDidFailToRenew,
		models.NotificationRefund:
		return true
	}
	return false
}

// entitlementFor returns the mutable copy of the entitlement a delta
// targets. A delta without a product id has nothing to mutate.
func entitlementFor(info *models.CustomerInfo, productID string) (models.EntitlementInfo, bool) {
	if productID == "" {
		logging.Warnf("Notification delta skipped: no productId")
		return models.EntitlementInfo{}, false
	}
	ent, ok := info.Entitlements.All[productID]
	if !ok {
		ent = models.EntitlementInfo{ProductIdentifier: productID}
	}
	return ent, true
}

// mergeRefresh lays a freshly mapped aggregate over the stored one.
// Historical indices are append-only in spirit: entries are only
// superseded, never dropped because a later fetch no longer mentions
// them.
func mergeRefresh(existing, fresh *models.CustomerInfo) *models.CustomerInfo {
	if existing == nil {
		return fresh
	}

	merged := *fresh

	if existing.FirstSeen != "" {
		merged.FirstSeen = existing.FirstSeen
	}
	if merged.OriginalAppUserID == "" {
		merged.OriginalAppUserID = existing.OriginalAppUserID
	}
	if merged.OriginalPurchaseDate == nil {
		merged.OriginalPurchaseDate = existing.OriginalPurchaseDate
	}
	if merged.OriginalApplicationVersion == nil {
		merged.OriginalApplicationVersion = existing.OriginalApplicationVersion
	}
	if merged.ManagementURL == nil {
		merged.ManagementURL = existing.ManagementURL
	}

	merged.Entitlements.All = overlayEntitlements(existing.Entitlements.All, fresh.Entitlements.All)
	merged.AllExpirationDates = overlayDates(existing.AllExpirationDates, fresh.AllExpirationDates)
	merged.AllPurchaseDates = overlayDates(existing.AllPurchaseDates, fresh.AllPurchaseDates)

	merged.AllPurchasedProductIdentifiers = append(
		append([]string{}, existing.AllPurchasedProductIdentifiers...),
		fresh.AllPurchasedProductIdentifiers...)

	// One-time purchases are immutable once recorded
	recorded := make(map[string]bool, len(existing.NonSubscriptionTransactions))
	merged.NonSubscriptionTransactions = append([]models.StoreTransaction{}, existing.NonSubscriptionTransactions...)
	for _, tx := range existing.NonSubscriptionTransactions {
		recorded[tx.TransactionIdentifier] = true
	}
	for _, tx := range fresh.NonSubscriptionTransactions {
		if !recorded[tx.TransactionIdentifier] {
			merged.NonSubscriptionTransactions = append(merged.NonSubscriptionTransactions, tx)
		}
	}

	return &merged
}

func overlayEntitlements(existing, fresh map[string]models.EntitlementInfo) map[string]models.EntitlementInfo {
	merged := make(map[string]models.EntitlementInfo, len(existing)+len(fresh))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

func overlayDates(existing, fresh map[string]*string) map[string]*string {
	merged := make(map[string]*string, len(existing)+len(fresh))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range fresh {
		merged[k] = v
	}
	return merged
}

// normalizeActive re-derives the active view and the active
// subscription set from All. Invariant: Active is exactly the subset
// of All whose IsActive flag is true.
func normalizeActive(info *models.CustomerInfo) {
	active := make(map[string]models.EntitlementInfo)
	activeSubscriptions := make([]string, 0, len(info.Entitlements.All))
	for productID, ent := range info.Entitlements.All {
		if ent.IsActive {
			active[productID] = ent
			activeSubscriptions = append(activeSubscriptions, productID)
		}
	}
	info.Entitlements.Active = active
	info.ActiveSubscriptions = activeSubscriptions
}

// fillFromSignedTransaction decodes the inner signedTransactionInfo
// JWS, when present, to fill identifiers the outer data block omits.
func (r *Reconciler) fillFromSignedTransaction(ctx context.Context, notification *models.AppStoreNotification) {
	data := &notification.Data
	if data.SignedTransactionInfo == "" || r.decoder == nil {
		return
	}
	if data.TransactionID != "" && data.AppAccountToken != "" && data.ProductID != "" {
		return
	}

	var tx models.TransactionRecord
	if err := r.decoder.Decode(ctx, data.SignedTransactionInfo, &tx); err != nil {
		logging.Warnf("Failed to decode signedTransactionInfo: %v", err)
		return
	}

	if data.TransactionID == "" {
		data.TransactionID = tx.TransactionID
	}
	if data.OriginalTransactionID == "" {
		data.OriginalTransactionID = tx.OriginalTransactionID
	}
	if data.ProductID == "" {
		data.ProductID = tx.ProductID
	}
	if data.AppAccountToken == "" {
		data.AppAccountToken = tx.AppAccountToken
	}
}

// lockCustomer serializes reconciliations per customer within this
// process; the version check covers cross-process races.
func (r *Reconciler) lockCustomer(appUserID string) func() {
	value, _ := r.locks.LoadOrStore(appUserID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) audit(notification *models.AppStoreNotification, appUserID, outcome, detail string) {
	if r.auditDB == nil {
		return
	}
	record := &models.ProcessedNotification{
		NotificationUUID: notification.NotificationUUID,
		NotificationType: notification.NotificationType,
		AppUserID:        appUserID,
		TransactionID:    notification.Data.TransactionID,
		Outcome:          outcome,
		Detail:           detail,
	}
	if err := database.RecordProcessedNotification(r.auditDB, record); err != nil {
		logging.Errorf("Failed to record notification audit row: %v", err)
	}
}
