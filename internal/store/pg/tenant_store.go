package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsync/internal/domain"
	"opsync/internal/store"
)

// SecretOpener decrypts secrets stored at rest.
type SecretOpener interface {
	Open(cipher string) (string, error)
}

// TenantStore addresses exactly one tenant partition. Every table name is
// qualified with the partition schema; there is no search_path dependency.
type TenantStore struct {
	DB      *pgxpool.Pool
	Schema  string
	Secrets SecretOpener
}

var _ store.TenantData = (*TenantStore)(nil)

func NewTenantStore(db *pgxpool.Pool, partitionKey string, secrets SecretOpener) (*TenantStore, error) {
	if err := ValidatePartitionKey(partitionKey); err != nil {
		return nil, err
	}
	return &TenantStore{DB: db, Schema: partitionKey, Secrets: secrets}, nil
}

func (s *TenantStore) t(table string) string {
	return pgx.Identifier{s.Schema, table}.Sanitize()
}

// Integrations

const integrationCols = `id, platform, kind, name, enabled, secret_cipher, settings, COALESCE(sync_cursor,''), last_synced_at`

func scanIntegration(row pgx.Row) (domain.Integration, error) {
	var in domain.Integration
	var settings []byte
	err := row.Scan(&in.ID, &in.Platform, &in.Kind, &in.Name, &in.Enabled, &in.SecretCipher, &settings, &in.SyncCursor, &in.LastSyncedAt)
	if err != nil {
		return domain.Integration{}, err
	}
	_ = json.Unmarshal(settings, &in.Settings)
	return in, nil
}

func (s *TenantStore) ListIntegrations(ctx context.Context, kind domain.IntegrationKind) ([]domain.Integration, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE kind=$1 AND enabled ORDER BY id
	`, integrationCols, s.t("integrations")), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *TenantStore) GetIntegration(ctx context.Context, id string) (domain.Integration, error) {
	in, err := scanIntegration(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id=$1
	`, integrationCols, s.t("integrations")), id))
	if err != nil {
		return domain.Integration{}, notFound(err)
	}
	return in, nil
}

func (s *TenantStore) FindIntegrationByPlatform(ctx context.Context, platform string) (domain.Integration, error) {
	in, err := scanIntegration(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE platform=$1 AND enabled ORDER BY id LIMIT 1
	`, integrationCols, s.t("integrations")), platform))
	if err != nil {
		return domain.Integration{}, notFound(err)
	}
	return in, nil
}

func (s *TenantStore) SaveSyncCursor(ctx context.Context, in store.SyncCursorUpdate) error {
	ct, err := s.DB.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_cursor=$2, last_synced_at=$3 WHERE id=$1
	`, s.t("integrations")), in.IntegrationID, nullIfEmpty(in.Cursor), in.SyncedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Orders

const orderCols = `id, integration_id, channel, external_id, COALESCE(number,''), status, total, COALESCE(currency,''), payment_method, customer, lines, placed_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var customer, lines []byte
	err := row.Scan(&o.ID, &o.IntegrationID, &o.Channel, &o.ExternalID, &o.Number, &o.Status, &o.Total,
		&o.Currency, &o.PaymentMethod, &customer, &lines, &o.PlacedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	_ = json.Unmarshal(customer, &o.Customer)
	_ = json.Unmarshal(lines, &o.Lines)
	return o, nil
}

func (s *TenantStore) UpsertOrder(ctx context.Context, o domain.Order) (bool, bool, error) {
	customer, _ := json.Marshal(o.Customer)
	lines, _ := json.Marshal(o.Lines)
	// xmax = 0 identifies a freshly inserted row.
	var inserted bool
	err := s.DB.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, integration_id, channel, external_id, number, status, total, currency, payment_method, customer, lines, placed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (integration_id, external_id) DO UPDATE SET
			status=EXCLUDED.status, total=EXCLUDED.total, customer=EXCLUDED.customer,
			lines=EXCLUDED.lines, payment_method=EXCLUDED.payment_method, updated_at=EXCLUDED.updated_at
		WHERE %[1]s.status <> EXCLUDED.status OR %[1]s.total <> EXCLUDED.total OR %[1]s.updated_at < EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`, s.t("orders")), o.ID, o.IntegrationID, o.Channel, o.ExternalID, nullIfEmpty(o.Number), o.Status, o.Total,
		nullIfEmpty(o.Currency), o.PaymentMethod, customer, lines, o.PlacedAt, o.UpdatedAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return inserted, true, nil
}

func (s *TenantStore) GetOrderByExternalID(ctx context.Context, integrationID, externalID string) (domain.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE integration_id=$1 AND external_id=$2
	`, orderCols, s.t("orders")), integrationID, externalID))
	if err != nil {
		return domain.Order{}, notFound(err)
	}
	return o, nil
}

func (s *TenantStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id=$1
	`, orderCols, s.t("orders")), id))
	if err != nil {
		return domain.Order{}, notFound(err)
	}
	return o, nil
}

// Inventory

func (s *TenantStore) ListUnpushedInventory(ctx context.Context, limit int) ([]domain.InventoryLevel, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT sku, quantity, updated_at, pushed_at FROM %s
		WHERE pushed_at IS NULL OR updated_at > pushed_at
		ORDER BY sku LIMIT $1
	`, s.t("inventory_levels")), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.InventoryLevel
	for rows.Next() {
		var l domain.InventoryLevel
		if err := rows.Scan(&l.SKU, &l.Quantity, &l.UpdatedAt, &l.PushedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *TenantStore) MarkInventoryPushed(ctx context.Context, sku string, at time.Time) error {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`UPDATE %s SET pushed_at=$2 WHERE sku=$1`, s.t("inventory_levels")), sku, at)
	return err
}

// Shipments

const shipmentCols = `id, order_id, integration_id, courier, awb, status, last_tracked_at, created_at, updated_at`

func scanShipment(row pgx.Row) (domain.Shipment, error) {
	var sh domain.Shipment
	err := row.Scan(&sh.ID, &sh.OrderID, &sh.IntegrationID, &sh.Courier, &sh.AWB, &sh.Status, &sh.LastTrackedAt, &sh.CreatedAt, &sh.UpdatedAt)
	return sh, err
}

func (s *TenantStore) InsertShipment(ctx context.Context, sh domain.Shipment) error {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, order_id, integration_id, courier, awb, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.t("shipments")), sh.ID, sh.OrderID, sh.IntegrationID, sh.Courier, sh.AWB, sh.Status, sh.CreatedAt, sh.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

func (s *TenantStore) FindShipmentByOrder(ctx context.Context, orderID string) (domain.Shipment, error) {
	sh, err := scanShipment(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE order_id=$1 AND status <> 'cancelled' ORDER BY created_at DESC LIMIT 1
	`, shipmentCols, s.t("shipments")), orderID))
	if err != nil {
		return domain.Shipment{}, notFound(err)
	}
	return sh, nil
}

func (s *TenantStore) ListStaleShipments(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Shipment, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status NOT IN ('delivered','rto_delivered','cancelled')
		  AND (last_tracked_at IS NULL OR last_tracked_at < $1)
		ORDER BY last_tracked_at NULLS FIRST, id LIMIT $2
	`, shipmentCols, s.t("shipments")), staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *TenantStore) GetShipmentByAWB(ctx context.Context, awb string) (domain.Shipment, error) {
	sh, err := scanShipment(s.DB.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE awb=$1`, shipmentCols, s.t("shipments")), awb))
	if err != nil {
		return domain.Shipment{}, notFound(err)
	}
	return sh, nil
}

func (s *TenantStore) UpdateShipmentTracking(ctx context.Context, in store.TrackingUpdate) error {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status=COALESCE($2, status), last_tracked_at=$3, updated_at=$3 WHERE id=$1
	`, s.t("shipments")), in.ShipmentID, nullIfEmpty(string(in.Status)), in.TrackedAt)
	return err
}

func (s *TenantStore) InsertTrackingEvents(ctx context.Context, shipmentID string, events []domain.TrackingEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	q := fmt.Sprintf(`
		INSERT INTO %s (shipment_id, awb, status, raw_status, location, remarks, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (shipment_id, raw_status, occurred_at) DO NOTHING
	`, s.t("tracking_events"))
	for _, ev := range events {
		batch.Queue(q, shipmentID, ev.AWB, ev.Status, ev.RawStatus, nullIfEmpty(ev.Location), nullIfEmpty(ev.Remarks), ev.OccurredAt)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	n := 0
	for range events {
		ct, err := br.Exec()
		if err != nil {
			return n, err
		}
		n += int(ct.RowsAffected())
	}
	return n, nil
}

// NDR

const ndrCols = `id, tenant_id, COALESCE(shipment_id,''), order_ref, awb, courier, reason_code, COALESCE(reason_text,''),
	attempt_count, order_value, payment_method, COALESCE(customer_phone,''), status, priority, due_at,
	COALESCE(assigned_user_id,''), assigned_at, reattempt_at, COALESCE(resolution,''), COALESCE(resolved_by,''), escalated_at, version, created_at, updated_at`

func scanNdr(row pgx.Row) (domain.NdrRecord, error) {
	var r domain.NdrRecord
	var prio int
	err := row.Scan(&r.ID, &r.TenantID, &r.ShipmentID, &r.OrderRef, &r.AWB, &r.Courier, &r.ReasonCode, &r.ReasonText,
		&r.AttemptCount, &r.OrderValue, &r.PaymentMethod, &r.CustomerPhone, &r.Status, &prio, &r.DueAt,
		&r.AssignedUserID, &r.AssignedAt, &r.ReattemptAt, &r.Resolution, &r.ResolvedBy, &r.EscalatedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	r.Priority = domain.Priority(prio)
	return r, err
}

func (s *TenantStore) listNdrs(ctx context.Context, query string, args ...any) ([]domain.NdrRecord, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NdrRecord
	for rows.Next() {
		r, err := scanNdr(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *TenantStore) InsertNdr(ctx context.Context, rec domain.NdrRecord) (domain.NdrRecord, bool, error) {
	rec.Version = 1
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, shipment_id, order_ref, awb, courier, reason_code, reason_text, attempt_count,
			order_value, payment_method, customer_phone, status, priority, due_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	`, s.t("ndr_records")), rec.ID, rec.TenantID, nullIfEmpty(rec.ShipmentID), rec.OrderRef, rec.AWB, rec.Courier,
		rec.ReasonCode, nullIfEmpty(rec.ReasonText), rec.AttemptCount, rec.OrderValue, rec.PaymentMethod,
		nullIfEmpty(rec.CustomerPhone), rec.Status, int(rec.Priority), rec.DueAt, rec.Version, rec.CreatedAt)
	if err == nil {
		return rec, true, nil
	}
	if !isUniqueViolation(err) {
		return domain.NdrRecord{}, false, err
	}
	existing, err := scanNdr(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE awb=$1 AND attempt_count=$2
	`, ndrCols, s.t("ndr_records")), rec.AWB, rec.AttemptCount))
	if err != nil {
		return domain.NdrRecord{}, false, err
	}
	return existing, false, nil
}

func (s *TenantStore) GetNdr(ctx context.Context, id string) (domain.NdrRecord, error) {
	r, err := scanNdr(s.DB.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, ndrCols, s.t("ndr_records")), id))
	if err != nil {
		return domain.NdrRecord{}, notFound(err)
	}
	return r, nil
}

func (s *TenantStore) FindActiveNdrByAWB(ctx context.Context, awb string) (domain.NdrRecord, error) {
	r, err := scanNdr(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE awb=$1 AND status <> 'resolved' ORDER BY created_at DESC LIMIT 1
	`, ndrCols, s.t("ndr_records")), awb))
	if err != nil {
		return domain.NdrRecord{}, notFound(err)
	}
	return r, nil
}

func (s *TenantStore) ListUnassignedOpen(ctx context.Context, limit int) ([]domain.NdrRecord, error) {
	return s.listNdrs(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE status='open' AND assigned_user_id IS NULL
		ORDER BY priority DESC, due_at ASC LIMIT $1
	`, ndrCols, s.t("ndr_records")), limit)
}

func (s *TenantStore) ListOverdueNdrs(ctx context.Context, now time.Time, limit int) ([]domain.NdrRecord, error) {
	return s.listNdrs(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE status <> 'resolved' AND escalated_at IS NULL AND due_at < $1
		ORDER BY due_at LIMIT $2
	`, ndrCols, s.t("ndr_records")), now, limit)
}

func (s *TenantStore) AgentStats(ctx context.Context, userIDs []string) (map[string]store.AgentStat, error) {
	out := make(map[string]store.AgentStat, len(userIDs))
	for _, id := range userIDs {
		out[id] = store.AgentStat{}
	}
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT assigned_user_id,
		       COUNT(*) FILTER (WHERE status <> 'resolved'),
		       COALESCE(MAX(assigned_at), 'epoch'::timestamptz)
		FROM %s WHERE assigned_user_id = ANY($1)
		GROUP BY assigned_user_id
	`, s.t("ndr_records")), userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var st store.AgentStat
		if err := rows.Scan(&id, &st.Open, &st.LastAssignedAt); err != nil {
			return nil, err
		}
		if st.LastAssignedAt.Equal(time.Unix(0, 0)) {
			st.LastAssignedAt = time.Time{}
		}
		out[id] = st
	}
	return out, rows.Err()
}

func (s *TenantStore) SaveNdr(ctx context.Context, rec domain.NdrRecord, expectedVersion int, action *domain.NdrAction) (domain.NdrRecord, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.NdrRecord{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status=$3, priority=$4, due_at=$5, assigned_user_id=$6, assigned_at=$7,
			reattempt_at=$8, resolution=$9, escalated_at=$10, version=version+1, updated_at=$11, resolved_by=$12
		WHERE id=$1 AND version=$2
	`, s.t("ndr_records")), rec.ID, expectedVersion, rec.Status, int(rec.Priority), rec.DueAt,
		nullIfEmpty(rec.AssignedUserID), rec.AssignedAt, rec.ReattemptAt, nullIfEmpty(string(rec.Resolution)),
		rec.EscalatedAt, rec.UpdatedAt, nullIfEmpty(rec.ResolvedBy))
	if err != nil {
		return domain.NdrRecord{}, err
	}
	if ct.RowsAffected() == 0 {
		return domain.NdrRecord{}, store.ErrConflict
	}
	if action != nil {
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, ndr_id, type, outcome, notes, reattempt_date, performed_by, performed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, s.t("ndr_actions")), action.ID, action.NdrID, action.Type, nullIfEmpty(string(action.Outcome)),
			nullIfEmpty(action.Notes), action.ReattemptDate, action.PerformedBy, action.PerformedAt)
		if err != nil {
			return domain.NdrRecord{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.NdrRecord{}, err
	}
	rec.Version = expectedVersion + 1
	return rec, nil
}

func (s *TenantStore) ListActions(ctx context.Context, ndrID string) ([]domain.NdrAction, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT id, ndr_id, type, COALESCE(outcome,''), COALESCE(notes,''), reattempt_date, performed_by, performed_at
		FROM %s WHERE ndr_id=$1 ORDER BY performed_at, id
	`, s.t("ndr_actions")), ndrID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.NdrAction
	for rows.Next() {
		var a domain.NdrAction
		if err := rows.Scan(&a.ID, &a.NdrID, &a.Type, &a.Outcome, &a.Notes, &a.ReattemptDate, &a.PerformedBy, &a.PerformedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Webhook deliveries

func (s *TenantStore) GetWebhookEndpoint(ctx context.Context) (domain.WebhookEndpoint, error) {
	var ep domain.WebhookEndpoint
	var cipher string
	err := s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT url, secret_cipher, enabled FROM %s WHERE id=1
	`, s.t("webhook_endpoints"))).Scan(&ep.URL, &cipher, &ep.Enabled)
	if err != nil {
		return domain.WebhookEndpoint{}, notFound(err)
	}
	ep.Secret = cipher
	if s.Secrets != nil {
		secret, err := s.Secrets.Open(cipher)
		if err != nil {
			return domain.WebhookEndpoint{}, fmt.Errorf("open webhook secret: %w", err)
		}
		ep.Secret = secret
	}
	return ep, nil
}

const deliveryCols = `id, tenant_id, event_type, idempotency_key, payload, target_url, status, attempt_count, max_attempts,
	next_attempt_at, COALESCE(last_error,''), COALESCE(last_http_status,0), created_at, updated_at`

func scanDelivery(row pgx.Row) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	err := row.Scan(&d.ID, &d.TenantID, &d.EventType, &d.IdempotencyKey, &d.Payload, &d.TargetURL, &d.Status,
		&d.AttemptCount, &d.MaxAttempts, &d.NextAttemptAt, &d.LastError, &d.LastHTTPStatus, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *TenantStore) listDeliveries(ctx context.Context, query string, args ...any) ([]domain.WebhookDelivery, error) {
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *TenantStore) CreateDelivery(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, bool, error) {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, event_type, idempotency_key, payload, target_url, status, attempt_count,
			max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, s.t("webhook_deliveries")), d.ID, d.TenantID, d.EventType, d.IdempotencyKey, []byte(d.Payload), d.TargetURL,
		d.Status, d.AttemptCount, d.MaxAttempts, d.NextAttemptAt, d.CreatedAt)
	if err == nil {
		return d, true, nil
	}
	if !isUniqueViolation(err) {
		return domain.WebhookDelivery{}, false, err
	}
	existing, err := scanDelivery(s.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE tenant_id=$1 AND event_type=$2 AND idempotency_key=$3
	`, deliveryCols, s.t("webhook_deliveries")), d.TenantID, d.EventType, d.IdempotencyKey))
	if err != nil {
		return domain.WebhookDelivery{}, false, err
	}
	return existing, false, nil
}

func (s *TenantStore) GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error) {
	d, err := scanDelivery(s.DB.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, deliveryCols, s.t("webhook_deliveries")), id))
	if err != nil {
		return domain.WebhookDelivery{}, notFound(err)
	}
	return d, nil
}

func (s *TenantStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	return s.listDeliveries(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ('pending','failed') AND next_attempt_at <= $1
		  AND (lease_until IS NULL OR lease_until < $1)
		ORDER BY next_attempt_at LIMIT $2
	`, deliveryCols, s.t("webhook_deliveries")), now, limit)
}

// ClaimDelivery leases the delivery for one attempt. It succeeds only when the
// attempt count is unchanged and no live lease exists.
func (s *TenantStore) ClaimDelivery(ctx context.Context, in store.DeliveryClaim) (bool, error) {
	ct, err := s.DB.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET lease_until=$4
		WHERE id=$1 AND attempt_count=$2 AND status IN ('pending','failed')
		  AND (lease_until IS NULL OR lease_until < $3)
	`, s.t("webhook_deliveries")), in.ID, in.AttemptCount, in.Now, in.LeaseUntil)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *TenantStore) RecordAttempt(ctx context.Context, in store.DeliveryAttempt) error {
	ct, err := s.DB.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET attempt_count=$3, status=$4, next_attempt_at=$5, last_error=$6, last_http_status=$7,
			max_attempts=GREATEST(max_attempts, $8), lease_until=NULL, updated_at=$9
		WHERE id=$1 AND attempt_count=$2
	`, s.t("webhook_deliveries")), in.ID, in.PrevAttemptCount, in.AttemptCount, in.Status, in.NextAttemptAt,
		nullIfEmpty(in.LastError), nullIfZero(in.LastHTTPStatus), in.MaxAttempts, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *TenantStore) ListDeliveriesByStatus(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error) {
	return s.listDeliveries(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE status=$1 ORDER BY updated_at DESC LIMIT $2
	`, deliveryCols, s.t("webhook_deliveries")), status, limit)
}

func (s *TenantStore) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE status='delivered' AND updated_at < $1
	`, s.t("webhook_deliveries")), before)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// Notifications

func (s *TenantStore) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	b, _ := json.Marshal(n.Vars)
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, channel, recipient, template_id, vars_json, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, s.t("notifications")), n.ID, n.Channel, n.Recipient, n.TemplateID, b, n.Status, n.Attempts, n.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return err
}

const notificationColumns = `id, channel, recipient, template_id, vars_json, status, attempts, COALESCE(provider_ref,''),
		       COALESCE(last_error,''), created_at, updated_at`

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var n domain.Notification
	var vars []byte
	if err := row.Scan(&n.ID, &n.Channel, &n.Recipient, &n.TemplateID, &vars, &n.Status, &n.Attempts,
		&n.ProviderRef, &n.LastError, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return domain.Notification{}, err
	}
	_ = json.Unmarshal(vars, &n.Vars)
	return n, nil
}

func (s *TenantStore) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	n, err := scanNotification(s.DB.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`,
		notificationColumns, s.t("notifications")), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Notification{}, domain.ErrNotFound
	}
	return n, err
}

func (s *TenantStore) ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE status='pending' ORDER BY created_at LIMIT $1`,
		notificationColumns, s.t("notifications")), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *TenantStore) MarkNotification(ctx context.Context, in store.NotificationUpdate) error {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status=$2, attempts=$3, provider_ref=$4, last_error=$5, updated_at=$6 WHERE id=$1
	`, s.t("notifications")), in.ID, in.Status, in.Attempts, nullIfEmpty(in.ProviderRef), nullIfEmpty(in.LastError), in.Now)
	return err
}

// Job runs

func (s *TenantStore) InsertJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := s.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, kind, tenant_id, started_at, finished_at, outcome, processed, updated, errored, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.t("job_runs")), run.ID, run.Kind, run.TenantID, run.StartedAt, run.FinishedAt, run.Outcome,
		run.Counts.Processed, run.Counts.Updated, run.Counts.Errored, nullIfEmpty(run.Error))
	return err
}

func (s *TenantStore) DeleteJobRunsBefore(ctx context.Context, before time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE finished_at < $1`, s.t("job_runs")), before)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
