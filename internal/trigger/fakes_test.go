package trigger

import (
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory Store + RunLogger for engine-level tests.
type fakeStore struct {
	mu         sync.Mutex
	rules      []Rule
	records    map[string][]CandidateRecord // tenant|module
	templates  map[string]Template          // tenant|id
	transports map[string]TransportConfig   // tenant
	lastRuns   map[string]time.Time
	runs       []RunEntry

	listRulesErr   error
	listRecordsErr error
	updateErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    map[string][]CandidateRecord{},
		templates:  map[string]Template{},
		transports: map[string]TransportConfig{},
		lastRuns:   map[string]time.Time{},
	}
}

func (f *fakeStore) addRecords(tenant, module string, recs ...CandidateRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[tenant+"|"+module] = append(f.records[tenant+"|"+module], recs...)
}

func (f *fakeStore) ListActiveRules(context.Context) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listRulesErr != nil {
		return nil, f.listRulesErr
	}
	out := make([]Rule, 0, len(f.rules))
	for _, r := range f.rules {
		if !r.IsActive {
			continue
		}
		// Reflect persisted last-run updates like the real store would.
		if at, ok := f.lastRuns[r.ID]; ok {
			t := at
			r.LastRunAt = &t
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) ListPendingRecords(_ context.Context, tenantID, module string) ([]CandidateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listRecordsErr != nil {
		return nil, f.listRecordsErr
	}
	return append([]CandidateRecord(nil), f.records[tenantID+"|"+module]...), nil
}

func (f *fakeStore) GetEmailTemplate(_ context.Context, tenantID, templateID string) (Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[tenantID+"|"+templateID]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetTransportConfig(_ context.Context, tenantID string) (TransportConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.transports[tenantID]
	if !ok {
		return TransportConfig{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) UpdateRuleLastRun(_ context.Context, ruleID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.lastRuns[ruleID] = at
	return nil
}

func (f *fakeStore) AppendRun(_ context.Context, e RunEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, e)
	return nil
}

func (f *fakeStore) lastRun(ruleID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.lastRuns[ruleID]
	return at, ok
}

// fakeEmail records sends and can fail selectively.
type fakeEmail struct {
	mu     sync.Mutex
	sent   []string // recipients
	failTo map[string]error
}

func (f *fakeEmail) Send(_ context.Context, _ TransportConfig, to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTo[to]; ok {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

// fakeWhatsApp records messages and can fail selectively.
type fakeWhatsApp struct {
	mu     sync.Mutex
	sent   map[string]string // phone -> message
	failTo map[string]error
}

func newFakeWhatsApp() *fakeWhatsApp {
	return &fakeWhatsApp{sent: map[string]string{}, failTo: map[string]error{}}
}

func (f *fakeWhatsApp) Send(_ context.Context, _ TransportConfig, to, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTo[to]; ok {
		return err
	}
	f.sent[to] = message
	return nil
}
