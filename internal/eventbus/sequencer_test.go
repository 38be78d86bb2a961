package eventbus

import "testing"

func TestSeqStrictlyIncreasing(t *testing.T) {
	seq := NewSequencer(10, 10)
	e1 := seq.Publish(KindAgentSpawned, "", "A", nil)
	e2 := seq.Publish(KindAgentReady, "", "A", nil)
	if e2.Seq <= e1.Seq {
		t.Fatalf("expected strictly increasing seq, got %d then %d", e1.Seq, e2.Seq)
	}
}

func TestSubscribeReplaysFromSince(t *testing.T) {
	seq := NewSequencer(10, 10)
	seq.Publish(KindAgentSpawned, "", "A", nil)
	seq.Publish(KindAgentReady, "", "A", nil)

	sub := seq.Subscribe(1)
	var got []Event
	for i := 0; i < 2; i++ {
		got = append(got, <-sub.Events)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

// TestReplayGapSynthesized models scenario S4: subscriber reconnects with
// since_seq older than the oldest retained event.
func TestReplayGapSynthesized(t *testing.T) {
	seq := NewSequencer(3, 10)
	for i := 0; i < 5; i++ {
		seq.Publish(KindPresence, "", "A", nil)
	}
	// ring size 3: retains seq 3,4,5; oldest=3
	sub := seq.Subscribe(1)
	first := <-sub.Events
	if first.Kind != KindReplayGap {
		t.Fatalf("expected replay_gap first, got %+v", first)
	}
	if first.Payload["since_seq"] != uint64(1) || first.Payload["oldest_available"] != uint64(3) {
		t.Fatalf("unexpected replay_gap payload: %+v", first.Payload)
	}
	second := <-sub.Events
	if second.Seq != 3 {
		t.Fatalf("expected replay to continue from oldest retained seq, got %+v", second)
	}
}

func TestLiveBroadcastAfterSubscribe(t *testing.T) {
	seq := NewSequencer(10, 10)
	sub := seq.Subscribe(1)
	seq.Publish(KindAgentSpawned, "", "A", nil)

	evt := <-sub.Events
	if evt.Kind != KindAgentSpawned {
		t.Fatalf("expected live event, got %+v", evt)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	seq := NewSequencer(10, 10)
	sub := seq.Subscribe(1)
	seq.Unsubscribe(sub)
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}
