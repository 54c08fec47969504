package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Ephemera-Network/rollup_console/internal/chain"
	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/domain/instance"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/lifecycle"
	"github.com/Ephemera-Network/rollup_console/internal/notify"
	"github.com/Ephemera-Network/rollup_console/internal/registry"
	"github.com/Ephemera-Network/rollup_console/internal/settlement"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
)

type acceptAllSubmitter struct{ submissions int }

func (s *acceptAllSubmitter) SubmitBatch(context.Context, chain.Submission) (string, error) {
	s.submissions++
	return fmt.Sprintf("0xtx%d", s.submissions), nil
}

func (s *acceptAllSubmitter) BatchStatus(context.Context, string) (chain.ConfirmationStatus, error) {
	return chain.StatusConfirmed, nil
}

type apiHarness struct {
	router  http.Handler
	store   *storage.Memory
	ledger  *ledger.Ledger
	machine *lifecycle.Machine
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	store := storage.NewMemory()
	reg := registry.New(store)
	machine := lifecycle.New(store, reg, notify.NewInProc(), nil)
	lg := ledger.New(store, store, nil)
	coordinator := settlement.New(store, lg, machine, reg, &acceptAllSubmitter{}, settlement.JSONStrategy{}, nil, settlement.Config{})

	srv := New(machine, reg, lg, coordinator, nil, nil, store, store, nil)
	return &apiHarness{router: srv.Router(), store: store, ledger: lg, machine: machine}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) createInstance(t *testing.T) string {
	t.Helper()

	rec := h.do(t, http.MethodPost, "/instances", map[string]string{
		"project_id":     "proj1",
		"base_chain_rpc": "http://base",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create instance: %d %s", rec.Code, rec.Body)
	}
	var inst instance.Instance
	if err := json.Unmarshal(rec.Body.Bytes(), &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	return inst.ID
}

func TestInstanceLifecycleRoutes(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createInstance(t)

	rec := h.do(t, http.MethodGet, "/instances/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var inst instance.Instance
	_ = json.Unmarshal(rec.Body.Bytes(), &inst)
	if inst.Status != instance.StatusProvisioning {
		t.Fatalf("status = %v", inst.Status)
	}

	rec = h.do(t, http.MethodPost, "/instances/"+id+"/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &inst)
	if inst.Status != instance.StatusActive {
		t.Fatalf("status after ready = %v", inst.Status)
	}

	// An instance with nothing to settle terminates straight away.
	rec = h.do(t, http.MethodPost, "/instances/"+id+"/teardown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("teardown: %d %s", rec.Code, rec.Body)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &inst)
	if inst.Status != instance.StatusTerminated {
		t.Fatalf("status after teardown = %v", inst.Status)
	}
}

func TestInvalidTransitionReturnsConflict(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createInstance(t)

	// Retry is only legal from failed.
	rec := h.do(t, http.MethodPost, "/instances/"+id+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry from provisioning: %d %s", rec.Code, rec.Body)
	}
}

func TestUnknownInstanceReturnsNotFound(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/instances/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get ghost: %d", rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/instances/ghost/ready", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ready ghost: %d", rec.Code)
	}
}

func TestListInstancesFiltersByProject(t *testing.T) {
	h := newAPIHarness(t)
	h.createInstance(t)

	rec := h.do(t, http.MethodPost, "/instances", map[string]string{"project_id": "proj2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/instances?project_id=proj2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var instances []instance.Instance
	_ = json.Unmarshal(rec.Body.Bytes(), &instances)
	if len(instances) != 1 || instances[0].ProjectID != "proj2" {
		t.Fatalf("instances = %+v", instances)
	}
}

func TestDelegationRoutes(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createInstance(t)
	h.do(t, http.MethodPost, "/instances/"+id+"/ready", nil)

	rec := h.do(t, http.MethodPost, "/instances/"+id+"/delegations", map[string]string{"account_ref": "acc1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("delegate: %d %s", rec.Code, rec.Body)
	}

	// Same account on the same rollup is idempotent.
	rec = h.do(t, http.MethodPost, "/instances/"+id+"/delegations", map[string]string{"account_ref": "acc1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("re-delegate: %d %s", rec.Code, rec.Body)
	}

	// The same account on another rollup conflicts.
	other := h.createInstance(t)
	rec = h.do(t, http.MethodPost, "/instances/"+other+"/delegations", map[string]string{"account_ref": "acc1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("cross-rollup delegate: %d %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodGet, "/instances/"+id+"/delegations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list delegations: %d", rec.Code)
	}

	rec = h.do(t, http.MethodDelete, "/instances/"+id+"/delegations/acc1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release: %d %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodDelete, "/instances/"+id+"/delegations/acc-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("release missing: %d", rec.Code)
	}
}

func TestSettleRoute(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createInstance(t)
	h.do(t, http.MethodPost, "/instances/"+id+"/ready", nil)

	// Nothing buffered yet: the settle request is a no-op, not an error.
	rec := h.do(t, http.MethodPost, "/instances/"+id+"/settle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty settle: %d %s", rec.Code, rec.Body)
	}
	var noop map[string]bool
	_ = json.Unmarshal(rec.Body.Bytes(), &noop)
	if noop["settled"] {
		t.Fatalf("noop = %v", noop)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		payload := []byte(fmt.Sprintf(`{"account":"acc%d","data":{"n":%d}}`, seq, seq))
		if _, err := h.ledger.Append(context.Background(), event.Event{
			RollupID: id, Epoch: 1, Sequence: seq, Type: "state_write", Payload: payload,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec = h.do(t, http.MethodPost, "/instances/"+id+"/settle", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("settle: %d %s", rec.Code, rec.Body)
	}
	var batch struct {
		ID      string `json:"id"`
		FromSeq uint64 `json:"from_seq"`
		ToSeq   uint64 `json:"to_seq"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &batch)
	if batch.FromSeq != 0 || batch.ToSeq != 3 {
		t.Fatalf("batch window = [%d, %d]", batch.FromSeq, batch.ToSeq)
	}

	rec = h.do(t, http.MethodGet, "/batches/"+batch.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get batch: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/instances/"+id+"/batches", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list batches: %d", rec.Code)
	}
}

func TestAuditRoutes(t *testing.T) {
	h := newAPIHarness(t)
	id := h.createInstance(t)
	h.do(t, http.MethodPost, "/instances/"+id+"/ready", nil)

	if _, err := h.ledger.NextEpoch(context.Background(), id); err != nil {
		t.Fatalf("epoch: %v", err)
	}
	for seq := uint64(1); seq <= 5; seq++ {
		if _, err := h.ledger.Append(context.Background(), event.Event{
			RollupID: id, Epoch: 1, Sequence: seq, Type: "heartbeat", Payload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := h.do(t, http.MethodGet, "/instances/"+id+"/events?from_seq=2&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	var events []event.Event
	_ = json.Unmarshal(rec.Body.Bytes(), &events)
	if len(events) != 2 || events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("events = %+v", events)
	}

	rec = h.do(t, http.MethodGet, "/instances/"+id+"/epochs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("epochs: %d", rec.Code)
	}
	var epochs []event.EpochStatus
	_ = json.Unmarshal(rec.Body.Bytes(), &epochs)
	if len(epochs) != 1 || epochs[0].Epoch != 1 {
		t.Fatalf("epochs = %+v", epochs)
	}
}

func TestCreateInstanceRejectsUnknownFields(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/instances", map[string]string{"projectid": "typo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create with unknown field: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}
