package emoji

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/quailyquaily/personabot/llm"
)

type stubClient struct {
	reply string
	err   error
	calls int
	last  llm.Request
}

func (c *stubClient) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	c.calls++
	c.last = req
	if c.err != nil {
		return llm.Result{}, c.err
	}
	return llm.Result{Text: c.reply}, nil
}

func newDecider(client llm.Client, assetDir string) *Decider {
	return New(client, Config{
		SystemPrompt: "从 [安详, 微笑] 中选择一个。",
		Model:        "deepseek-chat",
		RoleName:     "砂狼白子",
		AssetDir:     assetDir,
	})
}

func TestDecideAcceptsOnlyKnownTags(t *testing.T) {
	cases := map[string]string{
		"微笑":      "微笑",
		" 震惊 ":    "震惊",
		"无":       "",
		"False":   "",
		"非常False": "",
		"开心":      "", // outside the configured set
		"":        "",
	}
	for reply, want := range cases {
		client := &stubClient{reply: reply}
		d := newDecider(client, t.TempDir())
		if got := d.Decide(context.Background(), "text"); got != want {
			t.Errorf("Decide with model output %q = %q, want %q", reply, got, want)
		}
	}
}

func TestDecideIsStatelessAndDeterministic(t *testing.T) {
	client := &stubClient{reply: "微笑"}
	d := newDecider(client, t.TempDir())

	d.Decide(context.Background(), "第一句")
	d.Decide(context.Background(), "第二句")

	if len(client.last.Messages) != 2 {
		t.Fatalf("call carried %d messages, want system + one user turn", len(client.last.Messages))
	}
	if client.last.Messages[1].Content != "第二句" {
		t.Fatalf("history leaked across calls: %+v", client.last.Messages)
	}
	if client.last.Temperature == nil || *client.last.Temperature != 0 {
		t.Fatalf("classification temperature = %v, want 0", client.last.Temperature)
	}
}

func TestDecideFailureMeansNoEmoji(t *testing.T) {
	d := newDecider(&stubClient{err: errors.New("down")}, t.TempDir())
	if got := d.Decide(context.Background(), "text"); got != "" {
		t.Fatalf("Decide on failure = %q", got)
	}
}

func TestResolveAssetGatesBeforeDeciding(t *testing.T) {
	client := &stubClient{reply: "微笑"}
	d := newDecider(client, t.TempDir())
	d.randFloat = func() float64 { return 0.9 } // above any p < 0.9

	if got := d.ResolveAsset(context.Background(), "text", 0.5); got != "" {
		t.Fatalf("gated call returned %q", got)
	}
	if client.calls != 0 {
		t.Fatalf("classifier called despite failed Bernoulli gate")
	}
}

func TestResolveAssetChecksFile(t *testing.T) {
	dir := t.TempDir()
	client := &stubClient{reply: "微笑"}
	d := newDecider(client, dir)
	d.randFloat = func() float64 { return 0 } // always pass the gate

	// Missing file degrades to no emoji.
	if got := d.ResolveAsset(context.Background(), "text", 1); got != "" {
		t.Fatalf("missing asset resolved to %q", got)
	}

	assetPath := filepath.Join(dir, "砂狼白子", "微笑.png")
	if err := os.MkdirAll(filepath.Dir(assetPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(assetPath, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := d.ResolveAsset(context.Background(), "text", 1); got != assetPath {
		t.Fatalf("ResolveAsset = %q, want %q", got, assetPath)
	}
}

func TestDefaultRandSourceUsable(t *testing.T) {
	d := New(&stubClient{reply: "无"}, Config{
		SystemPrompt: "p",
		Rand:         rand.New(rand.NewSource(1)),
	})
	_ = d.ResolveAsset(context.Background(), "text", 1)
}
