package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskflow/internal/ports"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)
	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.OnProgress(ports.Progress{WorkflowID: "wf-1", Percentage: 50})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, TypeProgress, ev.Type)
			require.Equal(t, "wf-1", ev.WorkflowID)
			require.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Emit after unsubscribe must not panic.
	bus.Emit(Event{Type: TypeLog})
}

func TestBusNonBlockingEmit(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Emit(Event{Type: TypeLog})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestOnLogCarriesWorkflowID(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.OnLog("info", "stage done", map[string]any{"workflowId": "wf-9", "stage": 2})

	ev := <-ch
	require.Equal(t, TypeLog, ev.Type)
	require.Equal(t, "wf-9", ev.WorkflowID)
	payload := ev.Payload.(map[string]any)
	require.Equal(t, "stage done", payload["message"])
	require.Equal(t, 2, payload["stage"])
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBridgePublishesToWorkflowSubject(t *testing.T) {
	bus := NewBus(nil)
	conn := &fakeConn{}
	bridge := newBridge(conn, bus, nil)

	bus.Terminal("wf one", map[string]any{"status": "completed"})
	bus.OnProgress(ports.Progress{WorkflowID: "wf-2"})
	bridge.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Equal(t, []string{
		"taskflow.workflows.wf-one.terminal",
		"taskflow.workflows.wf-2.progress",
	}, conn.subjects)

	var ev Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &ev))
	require.Equal(t, TypeTerminal, ev.Type)
}

func TestSubjectFor(t *testing.T) {
	cases := map[Event]string{
		{Type: TypeProgress, WorkflowID: "wf-1"}:   "taskflow.workflows.wf-1.progress",
		{Type: TypeLog}:                            "taskflow.workflows._global.log",
		{Type: TypeTerminal, WorkflowID: "a.b c!"}: "taskflow.workflows.a-b-c-.terminal",
	}
	for ev, want := range cases {
		require.Equal(t, want, subjectFor(ev))
	}
}
