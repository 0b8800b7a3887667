package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"portline/internal/domain"
)

// Migration upgrades one decoded document to Version.
type Migration struct {
	Version int
	Name    string
	Up      func(doc map[string]any, now time.Time) error
}

var portMigrations = []Migration{
	{Version: 1, Name: "legacy_port_defaults", Up: portV1},
}

var withdrawalMigrations = []Migration{
	{Version: 1, Name: "legacy_withdrawal_amount", Up: withdrawalV1},
}

// apply runs every migration newer than the document's schema_version.
// Migration lists are kept in ascending version order.
func apply(doc map[string]any, migrations []Migration, now time.Time) error {
	current := int(intField(doc, "schema_version", 0))
	if current > domain.SchemaVersion {
		return fmt.Errorf("schema_version %d is newer than supported %d", current, domain.SchemaVersion)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := m.Up(doc, now); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		doc["schema_version"] = m.Version
		current = m.Version
	}
	return nil
}

// Port decodes a port document, upgrading legacy layouts.
func Port(raw []byte, now time.Time) (domain.Port, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return domain.Port{}, err
	}
	if err := apply(doc, portMigrations, now); err != nil {
		return domain.Port{}, err
	}
	var p domain.Port
	if err := remarshal(doc, &p); err != nil {
		return domain.Port{}, err
	}
	if p.ID == "" {
		return domain.Port{}, fmt.Errorf("port document has no id")
	}
	if !domain.ValidStatus(p.Status) {
		return domain.Port{}, fmt.Errorf("port %s has invalid status %q", p.ID, p.Status)
	}
	return p, nil
}

func portV1(doc map[string]any, now time.Time) error {
	doc["owner"] = domain.NormalizeUsername(stringField(doc, "owner"))
	doc["port_number"] = intField(doc, "port_number", 0)
	reward := floatField(doc, "reward", 0)
	if reward < 0 {
		reward = 0
	}
	doc["reward"] = domain.Round2(reward)
	delay := intField(doc, "resolve_delay_sec", 0)
	if delay < 0 {
		delay = 0
	}
	doc["resolve_delay_sec"] = delay
	if stringField(doc, "created_at") == "" {
		doc["created_at"] = now.UTC().Format(time.RFC3339Nano)
	}
	if v := intField(doc, "version", 1); v < 1 {
		doc["version"] = int64(1)
	} else {
		doc["version"] = v
	}
	doc["status"] = strings.ToLower(stringField(doc, "status"))
	return nil
}

// Withdrawals decodes the withdrawals list. Legacy entries carry amount_sar.
func Withdrawals(raw []byte, now time.Time) ([]domain.WithdrawalRequest, error) {
	docs, err := decodeList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WithdrawalRequest, 0, len(docs))
	for i, doc := range docs {
		if err := apply(doc, withdrawalMigrations, now); err != nil {
			return nil, fmt.Errorf("withdrawal %d: %w", i, err)
		}
		var w domain.WithdrawalRequest
		if err := remarshal(doc, &w); err != nil {
			return nil, fmt.Errorf("withdrawal %d: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func withdrawalV1(doc map[string]any, now time.Time) error {
	if _, ok := doc["amount"]; !ok {
		doc["amount"] = floatField(doc, "amount_sar", 0)
	} else {
		doc["amount"] = floatField(doc, "amount", 0)
	}
	delete(doc, "amount_sar")
	doc["amount"] = domain.Round2(doc["amount"].(float64))
	doc["id"] = intField(doc, "id", 0)
	doc["username"] = domain.NormalizeUsername(stringField(doc, "username"))
	status := strings.ToLower(stringField(doc, "status"))
	switch status {
	case domain.WithdrawalPending, domain.WithdrawalApproved, domain.WithdrawalRejected:
	case "":
		status = domain.WithdrawalPending
	default:
		return fmt.Errorf("invalid withdrawal status %q", status)
	}
	doc["status"] = status
	if stringField(doc, "created_at") == "" {
		doc["created_at"] = now.UTC().Format(time.RFC3339Nano)
	}
	return nil
}

// Users decodes the users list shared with the auth layer. Only the fields
// the core needs are kept.
func Users(raw []byte) ([]domain.User, error) {
	docs, err := decodeList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		name := domain.NormalizeUsername(stringField(doc, "username"))
		if name == "" {
			continue
		}
		admin, _ := doc["is_admin"].(bool)
		out = append(out, domain.User{Username: name, IsAdmin: admin, CreatedAt: stringField(doc, "created_at")})
	}
	return out, nil
}

// Wallet decodes a wallet snapshot, clamping balances to cents.
func Wallet(raw []byte) (domain.WalletSnapshot, error) {
	doc, err := decodeObject(raw)
	if err != nil {
		return domain.WalletSnapshot{}, err
	}
	w := domain.WalletSnapshot{
		SchemaVersion:    domain.SchemaVersion,
		AvailableBalance: domain.Round2(floatField(doc, "available_balance", 0)),
		TotalEarned:      domain.Round2(floatField(doc, "total_earned", 0)),
		UpdatedAt:        stringField(doc, "updated_at"),
	}
	return w, nil
}

// Idempotency decodes the processed-requests document. Legacy records have no
// status and are completed by definition.
func Idempotency(raw []byte) (domain.IdempotencyDoc, error) {
	var doc domain.IdempotencyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.IdempotencyDoc{}, fmt.Errorf("decode idempotency document: %w", err)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]domain.IdempotencyRecord{}
	}
	for k, rec := range doc.Keys {
		if rec.Status == "" {
			rec.Status = domain.IdemCompleted
			doc.Keys[k] = rec
		}
	}
	doc.SchemaVersion = domain.SchemaVersion
	return doc, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode document: empty")
	}
	return doc, nil
}

func decodeList(raw []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var docs []map[string]any
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return docs, nil
}

func remarshal(doc map[string]any, dst any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func stringField(doc map[string]any, key string) string {
	switch v := doc[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

func floatField(doc map[string]any, key string, def float64) float64 {
	switch v := doc[key].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func intField(doc map[string]any, key string, def int64) int64 {
	switch v := doc[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}
