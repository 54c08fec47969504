package broker

import (
	"context"
	"testing"
	"time"

	"github.com/Ephemera-Network/rollup_console/internal/domain/event"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
)

func ev(rollupID string, seq uint64) event.Event {
	return event.Event{RollupID: rollupID, Epoch: 1, Sequence: seq, Type: "state_write"}
}

func recvOne(t *testing.T, sub *Subscription) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := sub.Recv(ctx)
	if !ok {
		t.Fatal("Recv returned closed")
	}
	return got
}

func TestPublishMatchesRollupScope(t *testing.T) {
	b := New(8, nil, nil, nil, nil)

	sub, err := b.Subscribe(context.Background(), Scope{RollupID: "r1"}, "", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub.ID)

	b.Publish(ev("r1", 1))
	b.Publish(ev("r2", 1))
	b.Publish(ev("r1", 2))

	if got := recvOne(t, sub); got.Sequence != 1 {
		t.Fatalf("first delivery seq = %d", got.Sequence)
	}
	if got := recvOne(t, sub); got.RollupID != "r1" || got.Sequence != 2 {
		t.Fatalf("second delivery = %+v, other rollup leaked in", got)
	}
}

func TestPublishMatchesProjectScope(t *testing.T) {
	resolver := func(_ context.Context, rollupID string) (string, error) {
		if rollupID == "r1" || rollupID == "r2" {
			return "p1", nil
		}
		return "p2", nil
	}
	b := New(8, resolver, nil, nil, nil)

	sub, err := b.Subscribe(context.Background(), Scope{ProjectID: "p1"}, "", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub.ID)

	b.Publish(ev("r1", 1))
	b.Publish(ev("r3", 1))
	b.Publish(ev("r2", 1))

	if got := recvOne(t, sub); got.RollupID != "r1" {
		t.Fatalf("first delivery from %s", got.RollupID)
	}
	if got := recvOne(t, sub); got.RollupID != "r2" {
		t.Fatalf("second delivery from %s, foreign project leaked in", got.RollupID)
	}
}

func TestSubscribeRequiresScope(t *testing.T) {
	b := New(8, nil, nil, nil, nil)
	if _, err := b.Subscribe(context.Background(), Scope{}, "", nil); err == nil {
		t.Fatal("expected error for empty scope")
	}
}

// A viewer that never drains its queue must not block the publisher, and
// loses exactly its oldest events.
func TestSlowSubscriberDropsOldestAndFlagsGap(t *testing.T) {
	const depth = 4
	b := New(depth, nil, nil, nil, nil)

	slow, _ := b.Subscribe(context.Background(), Scope{RollupID: "r1"}, "", nil)
	fast, _ := b.Subscribe(context.Background(), Scope{RollupID: "r1"}, "", nil)
	defer b.Unsubscribe(slow.ID)
	defer b.Unsubscribe(fast.ID)

	consumed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= depth*3; seq++ {
			b.Publish(ev("r1", seq))
			<-consumed
		}
		close(done)
	}()

	// The fast viewer drains everything in order, keeping pace with the
	// publisher so only the slow viewer's queue overflows.
	for seq := uint64(1); seq <= depth*3; seq++ {
		if got := recvOne(t, fast); got.Sequence != seq {
			t.Fatalf("fast viewer got seq %d, want %d", got.Sequence, seq)
		}
		consumed <- struct{}{}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow viewer kept only the newest events and knows it lost some.
	first := recvOne(t, slow)
	if first.Sequence != depth*2+1 {
		t.Fatalf("slow viewer first surviving seq = %d, want %d", first.Sequence, depth*2+1)
	}
	if !slow.HasGap() {
		t.Fatal("gap flag not raised after drops")
	}
	if slow.HasGap() {
		t.Fatal("gap flag must clear after the check")
	}
}

func TestResumeReplaysHistoryInOrder(t *testing.T) {
	store := storage.NewMemory()
	lg := ledger.New(store, store, nil)
	ctx := context.Background()

	for seq := uint64(1); seq <= 10; seq++ {
		if _, err := lg.Append(ctx, ev("r1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	b := New(32, nil, NewMemoryCheckpoints(), lg, nil)

	resumeFrom := uint64(4)
	sub, err := b.Subscribe(ctx, Scope{RollupID: "r1"}, "", &resumeFrom)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(sub.ID)

	// New live events land while the viewer catches up.
	b.Publish(ev("r1", 11))

	for want := uint64(5); want <= 11; want++ {
		got := recvOne(t, sub)
		if got.Sequence != want {
			t.Fatalf("delivery seq = %d, want %d", got.Sequence, want)
		}
	}
}

func TestRecvFiltersReplayedDuplicates(t *testing.T) {
	b := New(8, nil, nil, nil, nil)

	sub, _ := b.Subscribe(context.Background(), Scope{RollupID: "r1"}, "", nil)
	defer b.Unsubscribe(sub.ID)

	b.Publish(ev("r1", 1))
	b.Publish(ev("r1", 1))
	b.Publish(ev("r1", 2))

	if got := recvOne(t, sub); got.Sequence != 1 {
		t.Fatalf("first = %d", got.Sequence)
	}
	if got := recvOne(t, sub); got.Sequence != 2 {
		t.Fatalf("duplicate not filtered, got seq %d", got.Sequence)
	}
}

func TestCancelInstanceClosesRollupSubscriptions(t *testing.T) {
	b := New(8, func(context.Context, string) (string, error) { return "p1", nil }, nil, nil, nil)

	rollupSub, _ := b.Subscribe(context.Background(), Scope{RollupID: "r1"}, "", nil)
	projectSub, _ := b.Subscribe(context.Background(), Scope{ProjectID: "p1"}, "", nil)
	defer b.Unsubscribe(projectSub.ID)

	b.CancelInstance("r1")

	select {
	case <-rollupSub.Done():
	case <-time.After(time.Second):
		t.Fatal("rollup-scoped subscription not cancelled")
	}

	select {
	case <-projectSub.Done():
		t.Fatal("project-wide subscription must survive one instance's teardown")
	default:
	}

	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}
}

func TestCheckpointsPersistDeliveryPosition(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewMemoryCheckpoints()
	b := New(8, nil, checkpoints, nil, nil)

	sub, _ := b.Subscribe(ctx, Scope{RollupID: "r1"}, "viewer-1", nil)

	b.Publish(ev("r1", 1))
	b.Publish(ev("r1", 2))
	recvOne(t, sub)
	recvOne(t, sub)

	positions, err := checkpoints.LoadCheckpoints(ctx, "viewer-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if positions["r1"] != 2 {
		t.Fatalf("checkpoint = %d, want 2", positions["r1"])
	}

	// A durable identity keeps its positions across disconnects.
	b.Unsubscribe(sub.ID)
	positions, _ = checkpoints.LoadCheckpoints(ctx, "viewer-1")
	if positions["r1"] != 2 {
		t.Fatalf("durable checkpoints lost on unsubscribe: %v", positions)
	}
}

func TestAnonymousCheckpointsDropOnUnsubscribe(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewMemoryCheckpoints()
	b := New(8, nil, checkpoints, nil, nil)

	sub, _ := b.Subscribe(ctx, Scope{RollupID: "r1"}, "", nil)

	b.Publish(ev("r1", 1))
	recvOne(t, sub)

	b.Unsubscribe(sub.ID)
	positions, _ := checkpoints.LoadCheckpoints(ctx, sub.ID)
	if len(positions) != 0 {
		t.Fatalf("checkpoints leaked after unsubscribe: %v", positions)
	}
}

// A viewer with a stable identity must see the events it missed while the
// process was down, replayed from the ledger starting at its checkpoint.
func TestDurableSubscriberResumesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	lg := ledger.New(store, store, nil)
	checkpoints := NewMemoryCheckpoints()

	before := New(8, nil, checkpoints, lg, nil)
	sub, err := before.Subscribe(ctx, Scope{RollupID: "r1"}, "viewer-1", nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := lg.Append(ctx, ev("r1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
		before.Publish(ev("r1", seq))
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if got := recvOne(t, sub); got.Sequence != seq {
			t.Fatalf("pre-restart seq = %d, want %d", got.Sequence, seq)
		}
	}
	before.Unsubscribe(sub.ID)

	// Events keep landing while the viewer is away.
	for seq := uint64(4); seq <= 5; seq++ {
		if _, err := lg.Append(ctx, ev("r1", seq)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// A new broker over the same checkpoint store stands in for the
	// restarted process.
	after := New(8, nil, checkpoints, lg, nil)
	resumed, err := after.Subscribe(ctx, Scope{RollupID: "r1"}, "viewer-1", nil)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer after.Unsubscribe(resumed.ID)

	after.Publish(ev("r1", 6))

	for want := uint64(4); want <= 6; want++ {
		got := recvOne(t, resumed)
		if got.Sequence != want {
			t.Fatalf("post-restart delivery seq = %d, want %d", got.Sequence, want)
		}
	}
}

func TestReconnectUnderSameIdentityReplacesSubscription(t *testing.T) {
	ctx := context.Background()
	b := New(8, nil, NewMemoryCheckpoints(), nil, nil)

	first, _ := b.Subscribe(ctx, Scope{RollupID: "r1"}, "viewer-1", nil)
	second, err := b.Subscribe(ctx, Scope{RollupID: "r1"}, "viewer-1", nil)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer b.Unsubscribe(second.ID)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("stale connection not closed on reconnect")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}
}
