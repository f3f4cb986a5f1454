package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/model"
	"github.com/ndvanh/vaultchat/internal/presence"
	"github.com/ndvanh/vaultchat/internal/repository"
	"github.com/ndvanh/vaultchat/internal/wire"
)

// --- fakes ---

type fakeMsgRepo struct {
	inserted  []model.Message
	insertErr error

	delivered []string
	markErr   error

	pending    []model.Message
	pendingErr error

	history    []model.Message
	historyErr error
}

func (f *fakeMsgRepo) Insert(_ context.Context, m *model.Message) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *m)
	return nil
}

func (f *fakeMsgRepo) MarkDelivered(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeMsgRepo) PendingFor(_ context.Context, _ string, limit int) ([]model.Message, error) {
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	if len(f.pending) > limit {
		return append([]model.Message(nil), f.pending[:limit]...), nil
	}
	return append([]model.Message(nil), f.pending...), nil
}

func (f *fakeMsgRepo) History(_ context.Context, _ string, _ int) ([]model.Message, error) {
	return append([]model.Message(nil), f.history...), f.historyErr
}

var _ repository.MessageRepository = (*fakeMsgRepo)(nil)

type fakeConvRepo struct {
	ids          []string
	participants [][]string
	err          error
}

func (f *fakeConvRepo) Upsert(_ context.Context, id string, participants []string, _ time.Time) error {
	f.ids = append(f.ids, id)
	f.participants = append(f.participants, participants)
	return f.err
}

type fakeContactRepo struct {
	touched [][2]string
	set     []model.Contact
	setErr  error
	list    []model.Contact
	listErr error
}

func (f *fakeContactRepo) Touch(_ context.Context, owner, peer string, _ time.Time) error {
	f.touched = append(f.touched, [2]string{owner, peer})
	return nil
}

func (f *fakeContactRepo) SetNickname(_ context.Context, owner, peer, nickname string, at time.Time) (model.Contact, error) {
	c := model.Contact{Owner: owner, Peer: peer, Nickname: nickname, LastContacted: at}
	f.set = append(f.set, c)
	return c, f.setErr
}

func (f *fakeContactRepo) ListFor(_ context.Context, _ string) ([]model.Contact, error) {
	return append([]model.Contact(nil), f.list...), f.listErr
}

var (
	_ repository.ConversationRepository = (*fakeConvRepo)(nil)
	_ repository.ContactRepository      = (*fakeContactRepo)(nil)
)

type sent struct {
	connID  string
	event   string
	payload any
}

type fakeSender struct {
	events []sent
	dead   map[string]bool // connIDs whose sends fail
}

func (f *fakeSender) Send(connID, event string, payload any) bool {
	if f.dead[connID] {
		return false
	}
	f.events = append(f.events, sent{connID: connID, event: event, payload: payload})
	return true
}

func (f *fakeSender) byEvent(event string) []sent {
	var out []sent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	r        *Router
	msgs     *fakeMsgRepo
	convs    *fakeConvRepo
	contacts *fakeContactRepo
	reg      *presence.Registry
	sender   *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		msgs:     &fakeMsgRepo{},
		convs:    &fakeConvRepo{},
		contacts: &fakeContactRepo{},
		reg:      presence.NewRegistry(),
		sender:   &fakeSender{dead: map[string]bool{}},
	}
	f.r = New(f.msgs, f.convs, f.contacts, f.reg, f.sender, zap.NewNop())
	f.r.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func testDM(id string) wire.DM {
	return wire.DM{
		MessageID: id,
		From:      "alice",
		To:        "bob",
		EncryptedMessage: model.Envelope{
			Ciphertext: []byte{1}, WrappedKey: []byte{2}, IV: []byte{3},
		},
		Timestamp: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC).UnixMilli(),
	}
}

// --- tests ---

func TestHandleSend_OfflineRecipient_QueuesAndAcks(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	require.Len(t, f.msgs.inserted, 1)
	require.Equal(t, model.StatusPending, f.msgs.inserted[0].Status)
	require.Equal(t, "alice_bob", f.msgs.inserted[0].ConversationID)
	require.Empty(t, f.msgs.delivered)
	require.Empty(t, f.sender.byEvent(wire.EvDM))

	acks := f.sender.byEvent(wire.EvDMAck)
	require.Len(t, acks, 1)
	require.Equal(t, "cA", acks[0].connID)
	ack := acks[0].payload.(wire.DMAck)
	require.Equal(t, "m-1", ack.MessageID)
	require.Equal(t, "bob", ack.To)
	require.NotZero(t, ack.Timestamp)
}

func TestHandleSend_OnlineRecipient_RelaysAndDelivers(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")
	f.reg.Join("bob", nil, "cB")

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	require.Equal(t, []string{"m-1"}, f.msgs.delivered)

	dms := f.sender.byEvent(wire.EvDM)
	require.Len(t, dms, 1)
	require.Equal(t, "cB", dms[0].connID)
	dm := dms[0].payload.(wire.DM)
	require.Equal(t, "alice", dm.From)
	require.Equal(t, []byte{1}, dm.EncryptedMessage.Ciphertext)

	require.Len(t, f.sender.byEvent(wire.EvDMAck), 1)
}

func TestHandleSend_RelayFailure_StaysPending(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")
	f.reg.Join("bob", nil, "cB")
	f.sender.dead["cB"] = true

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	// bob's connection died before the relay landed: the message must stay
	// pending so the next join flushes it, not advance to delivered.
	require.Len(t, f.msgs.inserted, 1)
	require.Empty(t, f.msgs.delivered)

	acks := f.sender.byEvent(wire.EvDMAck)
	require.Len(t, acks, 1)
	require.Equal(t, "cA", acks[0].connID)
}

func TestHandleSend_PersistFailure_EmitsExplicitError(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")
	f.reg.Join("bob", nil, "cB")
	f.msgs.insertErr = errors.New("db down")

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	// No relay, no ack, but not silence either: an explicit failure event.
	require.Empty(t, f.sender.byEvent(wire.EvDM))
	require.Empty(t, f.sender.byEvent(wire.EvDMAck))
	errsOut := f.sender.byEvent(wire.EvDMError)
	require.Len(t, errsOut, 1)
	require.Equal(t, "cA", errsOut[0].connID)
	require.Equal(t, "m-1", errsOut[0].payload.(wire.DMError).MessageID)
}

func TestHandleSend_ReplayedMessage_AcksWithoutRelay(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")
	f.reg.Join("bob", nil, "cB")
	f.msgs.insertErr = errs.ErrAlreadyExists

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	require.Empty(t, f.sender.byEvent(wire.EvDM))
	require.Empty(t, f.convs.ids)
	require.Empty(t, f.contacts.touched)
	require.Len(t, f.sender.byEvent(wire.EvDMAck), 1)
}

func TestHandleSend_StaleConnectionIgnored(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA1")
	f.reg.Join("alice", nil, "cA2") // evicts cA1

	f.r.HandleSend(context.Background(), "cA1", testDM("m-1"))

	require.Empty(t, f.msgs.inserted)
	require.Empty(t, f.sender.events)
}

func TestHandleSend_LedgerBothDirections(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("alice", nil, "cA")

	f.r.HandleSend(context.Background(), "cA", testDM("m-1"))

	require.Equal(t, []string{"alice_bob"}, f.convs.ids)
	require.Equal(t, []string{"alice", "bob"}, f.convs.participants[0])
	require.Equal(t, [][2]string{{"alice", "bob"}, {"bob", "alice"}}, f.contacts.touched)
}

func TestFlushPending_OldestFirstMarkedDelivered(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m-1", "m-2", "m-3"} {
		f.msgs.pending = append(f.msgs.pending, model.Message{
			MessageID: id,
			From:      "alice",
			To:        "bob",
			Envelope:  model.Envelope{Ciphertext: []byte{1}, WrappedKey: []byte{2}, IV: []byte{3}},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Status:    model.StatusPending,
		})
	}

	f.r.FlushPending(context.Background(), "bob", "cB")

	dms := f.sender.byEvent(wire.EvDM)
	require.Len(t, dms, 3)
	require.Equal(t, "m-1", dms[0].payload.(wire.DM).MessageID)
	require.Equal(t, "m-3", dms[2].payload.(wire.DM).MessageID)
	require.Equal(t, []string{"m-1", "m-2", "m-3"}, f.msgs.delivered)
}

func TestFlushPending_StopsWhenConnectionDies(t *testing.T) {
	f := newFixture(t)
	f.msgs.pending = []model.Message{
		{MessageID: "m-1", From: "alice", To: "bob", Envelope: model.Envelope{Ciphertext: []byte{1}}},
	}
	f.sender.dead["cB"] = true

	f.r.FlushPending(context.Background(), "bob", "cB")

	// Undelivered rows stay pending for the next join.
	require.Empty(t, f.msgs.delivered)
}

func TestFlushPending_BatchCap(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < DefaultFlushBatch+10; i++ {
		f.msgs.pending = append(f.msgs.pending, model.Message{
			MessageID: "m", From: "alice", To: "bob",
			Envelope: model.Envelope{Ciphertext: []byte{1}},
		})
	}

	f.r.FlushPending(context.Background(), "bob", "cB")

	require.Len(t, f.sender.byEvent(wire.EvDM), DefaultFlushBatch)
}

func TestHandleTyping_OnlyWhenRecipientPresent(t *testing.T) {
	f := newFixture(t)
	f.reg.Join("bob", nil, "cB")

	f.r.HandleTyping(wire.EvTyping, wire.Typing{From: "alice", To: "bob"})
	f.r.HandleTyping(wire.EvStopTyping, wire.Typing{From: "alice", To: "bob"})
	f.r.HandleTyping(wire.EvTyping, wire.Typing{From: "alice", To: "carol"})

	require.Len(t, f.sender.byEvent(wire.EvTyping), 1)
	require.Len(t, f.sender.byEvent(wire.EvStopTyping), 1)
	require.Equal(t, "cB", f.sender.byEvent(wire.EvTyping)[0].connID)
	require.Equal(t, "alice", f.sender.byEvent(wire.EvTyping)[0].payload.(wire.Typing).From)
}

func TestHandleHistory_MapsMessages(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f.msgs.history = []model.Message{{
		MessageID:      "m-1",
		From:           "alice",
		To:             "bob",
		Envelope:       model.Envelope{Ciphertext: []byte{1}, WrappedKey: []byte{2}, IV: []byte{3}},
		Timestamp:      ts,
		Status:         model.StatusDelivered,
		ConversationID: "alice_bob",
	}}

	f.r.HandleHistory(context.Background(), "cA", wire.GetHistory{Username: "Bob", WithUser: "Alice"})

	hist := f.sender.byEvent(wire.EvHistory)
	require.Len(t, hist, 1)
	h := hist[0].payload.(wire.History)
	require.Equal(t, "alice_bob", h.ConversationID)
	require.Len(t, h.Messages, 1)
	require.Equal(t, ts.UnixMilli(), h.Messages[0].Timestamp)
	require.Equal(t, "delivered", h.Messages[0].Status)
}

func TestHandleHistory_ErrorServesEmpty(t *testing.T) {
	f := newFixture(t)
	f.msgs.historyErr = errors.New("db down")

	f.r.HandleHistory(context.Background(), "cA", wire.GetHistory{Username: "alice", WithUser: "bob"})

	hist := f.sender.byEvent(wire.EvHistory)
	require.Len(t, hist, 1)
	require.Empty(t, hist[0].payload.(wire.History).Messages)
}

func TestHandleAddContact_DefaultNickname(t *testing.T) {
	f := newFixture(t)

	f.r.HandleAddContact(context.Background(), "cA", wire.AddContact{Username: "alice", ContactUsername: "Bob"})

	added := f.sender.byEvent(wire.EvContactAdded)
	require.Len(t, added, 1)
	c := added[0].payload.(wire.ContactAdded).Contact
	require.Equal(t, "bob", c.Peer)
	require.Equal(t, "Bob", c.Nickname)
}

func TestHandleContacts_ServesRows(t *testing.T) {
	f := newFixture(t)
	f.contacts.list = []model.Contact{{Owner: "alice", Peer: "bob"}}

	f.r.HandleContacts(context.Background(), "cA", wire.GetContacts{Username: "alice"})

	out := f.sender.byEvent(wire.EvContacts)
	require.Len(t, out, 1)
	require.Len(t, out[0].payload.(wire.Contacts).Contacts, 1)
}
