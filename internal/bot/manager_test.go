package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/personabot/internal/modelcfg"
	"github.com/quailyquaily/personabot/internal/prompts"
	"github.com/quailyquaily/personabot/internal/worker"
	"github.com/quailyquaily/personabot/llm"
	"github.com/quailyquaily/personabot/transport"
)

type stubClient struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (c *stubClient) Chat(_ context.Context, _ llm.Request) (llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return llm.Result{Text: c.reply}, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type sent struct {
	kind transport.ChatKind
	chat int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	texts []sent
	ch    chan sent
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan sent, 32)}
}

func (s *fakeSender) SendText(_ context.Context, kind transport.ChatKind, chatID int64, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, sent{kind, chatID, text})
	s.mu.Unlock()
	s.ch <- sent{kind, chatID, text}
	return nil
}

func (s *fakeSender) SendImage(context.Context, transport.ChatKind, int64, string) error {
	return nil
}

func (s *fakeSender) SendRecord(context.Context, transport.ChatKind, int64, string) error {
	return nil
}

func (s *fakeSender) waitText(t *testing.T) sent {
	t.Helper()
	select {
	case got := <-s.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound text")
		return sent{}
	}
}

func (s *fakeSender) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.ch:
		t.Fatalf("unexpected outbound text: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func testPrompts(t *testing.T) *prompts.Store {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Shiroko.txt"), []byte("你是砂狼白子。"), 0o644); err != nil {
		t.Fatal(err)
	}
	return prompts.NewStore(dir, nil, nil)
}

func testManager(t *testing.T, gateReply string) (*Manager, *fakeSender, *stubClient) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sender := newFakeSender()
	replyClient := &stubClient{reply: "好呀"}
	gateClient := &stubClient{reply: gateReply}

	m := NewManager(ctx, Config{
		BotName: "白子",
		BotID:   1291606697,
		Models: modelcfg.Config{
			Reply:  modelcfg.Selection{Name: "deepseek-chat", Type: modelcfg.TypeAPI},
			Decide: modelcfg.Selection{Name: "qwen3-vl:4b", Type: modelcfg.TypeLocal},
			Emoji:  modelcfg.Selection{Name: "deepseek-chat", Type: modelcfg.TypeAPI},
		},
		EmojiProbability: 0.0001, // effectively off; rand can't be seeded here
		EmojiAssetDir:    t.TempDir(),
	}, Deps{
		Reply:       replyClient,
		Judge:       &stubClient{reply: "True"},
		Classifier:  gateClient,
		EmojiClient: &stubClient{reply: "无"},
		Prompts:     testPrompts(t),
		EmojiPrompt: "p",
		Sender:      sender,
	})
	return m, sender, gateClient
}

func TestKeySeparatesGroupAndPrivate(t *testing.T) {
	g, err := Key(transport.KindGroup, 111)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Key(transport.KindPrivate, 111)
	if err != nil {
		t.Fatal(err)
	}
	if g == p {
		t.Fatalf("group and private keys collide: %q", g)
	}
	if _, err := Key(transport.ChatKind("channel"), 1); err == nil {
		t.Fatal("invalid kind accepted")
	}
	if _, err := Key(transport.KindGroup, 0); err == nil {
		t.Fatal("zero chat id accepted")
	}
}

func TestRouteDropsBlankText(t *testing.T) {
	m, sender, gateClient := testManager(t, "True")

	for _, text := range []string{"", "   ", "\n"} {
		if err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindGroup, ChatID: 1, Text: text}); err != nil {
			t.Fatalf("Route(%q): %v", text, err)
		}
	}
	sender.assertQuiet(t)
	if m.Sessions() != 0 {
		t.Fatalf("blank text created %d sessions", m.Sessions())
	}
	if gateClient.callCount() != 0 {
		t.Fatalf("gate consulted for blank text")
	}
}

func TestPrivateMessagesBypassGate(t *testing.T) {
	m, sender, gateClient := testManager(t, "False")

	err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindPrivate, ChatID: 42, SenderID: 42, Text: "在吗"})
	if err != nil {
		t.Fatal(err)
	}
	got := sender.waitText(t)
	if got.kind != transport.KindPrivate || got.chat != 42 || got.text != "好呀" {
		t.Fatalf("outbound = %+v", got)
	}
	if gateClient.callCount() != 0 {
		t.Fatalf("gate consulted for a private message")
	}
}

func TestGroupMessagesAreGated(t *testing.T) {
	m, sender, gateClient := testManager(t, "False")

	err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindGroup, ChatID: 7, Text: "大家晚上好"})
	if err != nil {
		t.Fatal(err)
	}
	sender.assertQuiet(t)
	if gateClient.callCount() != 1 {
		t.Fatalf("gate calls = %d, want 1", gateClient.callCount())
	}
}

func TestGroupMentionAlwaysReplies(t *testing.T) {
	m, sender, gateClient := testManager(t, "False")

	text := fmt.Sprintf("[CQ:at,qq=%d] 白子在吗", 1291606697)
	err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindGroup, ChatID: 7, Text: text})
	if err != nil {
		t.Fatal(err)
	}
	got := sender.waitText(t)
	if got.text != "好呀" {
		t.Fatalf("outbound = %+v", got)
	}
	if gateClient.callCount() != 0 {
		t.Fatalf("mention path consulted the model")
	}
}

func TestSameNumericIDDistinctSessions(t *testing.T) {
	m, sender, _ := testManager(t, "True")

	if err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindGroup, ChatID: 111, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	sender.waitText(t)
	if err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindPrivate, ChatID: 111, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	sender.waitText(t)

	if m.Sessions() != 2 {
		t.Fatalf("sessions = %d, want 2 (group and private must not share)", m.Sessions())
	}
}

// blockedClient parks every Chat call until release is closed, so a chat's
// worker can be pinned in-flight while its queue fills up.
type blockedClient struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockedClient) Chat(_ context.Context, _ llm.Request) (llm.Result, error) {
	c.entered <- struct{}{}
	<-c.release
	return llm.Result{Text: "好呀"}, nil
}

func TestEvictionUnblocksParkedProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	release := make(chan struct{})
	defer close(release)
	reply := &blockedClient{entered: make(chan struct{}, 32), release: release}
	sender := newFakeSender()

	m := NewManager(ctx, Config{
		BotName: "白子",
		BotID:   1,
		Models: modelcfg.Config{
			Reply:  modelcfg.Selection{Name: "deepseek-chat", Type: modelcfg.TypeAPI},
			Decide: modelcfg.Selection{Name: "qwen3-vl:4b", Type: modelcfg.TypeLocal},
			Emoji:  modelcfg.Selection{Name: "deepseek-chat", Type: modelcfg.TypeAPI},
		},
		MaxSessions:      1,
		EmojiProbability: 0.0001,
		EmojiAssetDir:    t.TempDir(),
	}, Deps{
		Reply:       reply,
		Judge:       &stubClient{reply: "True"},
		Classifier:  &stubClient{reply: "True"},
		EmojiClient: &stubClient{reply: "无"},
		Prompts:     testPrompts(t),
		EmojiPrompt: "p",
		Sender:      sender,
	})

	// Pin private:1's worker in-flight, then fill its queue to capacity.
	if err := m.Route(ctx, transport.Inbound{Kind: transport.KindPrivate, ChatID: 1, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reply.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started the first job")
	}
	for i := 0; i < jobQueueSize; i++ {
		if err := m.Route(ctx, transport.Inbound{Kind: transport.KindPrivate, ChatID: 1, Text: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	// One more producer for the full queue has to park on the send.
	parked := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				parked <- fmt.Errorf("Route panicked: %v", r)
			}
		}()
		parked <- m.Route(ctx, transport.Inbound{Kind: transport.KindPrivate, ChatID: 1, Text: "hi"})
	}()
	time.Sleep(50 * time.Millisecond)

	// Routing another chat evicts private:1 while its producer is parked.
	if err := m.Route(ctx, transport.Inbound{Kind: transport.KindPrivate, ChatID: 2, Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-parked:
		if !errors.Is(err, worker.ErrQueueClosed) {
			t.Fatalf("parked Route returned %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked Route never returned")
	}
	if m.Sessions() != 1 {
		t.Fatalf("sessions = %d, want 1 after eviction", m.Sessions())
	}
}

func TestRegistryEvictsLeastRecentlyActive(t *testing.T) {
	m, sender, _ := testManager(t, "True")
	m.cfg.MaxSessions = 2

	for _, id := range []int64{1, 2, 3} {
		if err := m.Route(context.Background(), transport.Inbound{Kind: transport.KindPrivate, ChatID: id, Text: "hi"}); err != nil {
			t.Fatal(err)
		}
		sender.waitText(t)
		time.Sleep(5 * time.Millisecond) // distinct activity stamps
	}

	if m.Sessions() != 2 {
		t.Fatalf("sessions = %d, want 2 after eviction", m.Sessions())
	}
	m.mu.Lock()
	_, oldest := m.entries["private:1"]
	_, newest := m.entries["private:3"]
	m.mu.Unlock()
	if oldest {
		t.Fatal("least recently active session survived eviction")
	}
	if !newest {
		t.Fatal("most recent session was evicted")
	}
}
