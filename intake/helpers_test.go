package intake

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/gorm"
)

const testSecret = "s3cret"

type mockQueue struct {
	mu    sync.Mutex
	ids   []uint
	failN int
}

func (m *mockQueue) Enqueue(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("mock enqueue failure")
	}
	m.ids = append(m.ids, id)
	return nil
}

func (m *mockQueue) Consume(ctx context.Context) (<-chan Job, error) {
	return nil, errors.New("mock queue does not consume")
}

func (m *mockQueue) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockQueue) IDs() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint, len(m.ids))
	copy(out, m.ids)
	return out
}

type testPipeline struct {
	db       *gorm.DB
	ledger   *Ledger
	audit    *AuditTrail
	contacts *ContactStore
	gate     *Gate
	engine   *Engine
	queue    *mockQueue
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "intake.db"), DBOptions{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func newTestPipeline(t *testing.T, engineCfg EngineConfig) *testPipeline {
	t.Helper()
	db := openTestDB(t)
	p := &testPipeline{db: db, queue: &mockQueue{}}
	p.ledger = NewLedger(db)
	p.audit = NewAuditTrail(db)
	p.contacts = NewContactStore(db, p.audit)
	p.gate = NewGate(GateConfig{
		SharedSecret:  testSecret,
		Sources:       map[string]string{DefaultSourceSystem: DefaultEventType, "partner_api": "lead.partner.created"},
		DefaultSource: DefaultSourceSystem,
	}, p.ledger, p.queue, nil)
	p.engine = NewEngine(engineCfg, db, p.ledger, p.audit, nil)
	return p
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// submitAndProcess accepts payload through the gate and runs the engine on it.
func (p *testPipeline) submitAndProcess(t *testing.T, payload map[string]any) (Receipt, Outcome) {
	t.Helper()
	receipt, err := p.gate.Submit(context.Background(), "", testSecret, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err := p.engine.Process(context.Background(), receipt.DeliveryID)
	if err != nil {
		t.Fatalf("process delivery %d: %v", receipt.DeliveryID, err)
	}
	return receipt, out
}

func (p *testPipeline) countContacts(t *testing.T, unscoped bool) int64 {
	t.Helper()
	q := p.db.Model(&Contact{})
	if unscoped {
		q = q.Unscoped()
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func (p *testPipeline) countDeliveries(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := p.db.Model(&Delivery{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func strPtr(s string) *string { return &s }
