package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watee22/epubTranslator/internal/glossary"
)

type stubBackend struct {
	calls   atomic.Int32
	reply   func(text string) (string, error)
	mu      sync.Mutex
	lastIn  string
	prompts []string
}

func (s *stubBackend) Translate(_ context.Context, text, prompt string) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastIn = text
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.reply(text)
}

func newTestClient(b Backend, retries int) *Client {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewClient(b, Options{
		SourceLanguage: "en",
		TargetLanguage: "zh-CN",
		MaxRetries:     retries,
		RetryDelay:     time.Millisecond,
	}, logger)
}

func TestTranslateTextGlossaryHit(t *testing.T) {
	backend := &stubBackend{reply: func(string) (string, error) { return "x", nil }}
	client := newTestClient(backend, 3)
	g := glossary.New(glossary.Terms{"Gandalf": "甘道夫"})

	res := client.TranslateText(t.Context(), "Gandalf", g)
	assert.True(t, res.Success)
	assert.Equal(t, "甘道夫", res.Text)
	assert.Equal(t, SourceGlossary, res.Source)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestTranslateTextNoLetters(t *testing.T) {
	backend := &stubBackend{reply: func(string) (string, error) { return "x", nil }}
	client := newTestClient(backend, 3)

	for _, raw := range []string{"", "   ", "1984", "— 42 —", "***"} {
		res := client.TranslateText(t.Context(), raw, nil)
		assert.True(t, res.Success)
		assert.Equal(t, raw, res.Text)
		assert.Equal(t, SourceUnchanged, res.Source)
	}
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestTranslateTextSubstitutesBeforeBackend(t *testing.T) {
	backend := &stubBackend{reply: func(s string) (string, error) { return " 我住在" + s + " ", nil }}
	client := newTestClient(backend, 0)
	g := glossary.New(glossary.Terms{"New York": "纽约", "York": "约克"})

	res := client.TranslateText(t.Context(), "I live in New York.", g)
	require.True(t, res.Success)
	assert.Equal(t, "I live in 纽约.", backend.lastIn)
	assert.Equal(t, "我住在I live in 纽约.", res.Text)
	assert.Contains(t, backend.prompts[0], "from English into ")
}

func TestRetryOnTimeoutOnly(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retries   int
		wantCalls int32
	}{
		{name: "timeout exhausts retries", err: ErrBackendTimeout, retries: 3, wantCalls: 4},
		{name: "wrapped timeout", err: fmt.Errorf("%w: deadline", ErrBackendTimeout), retries: 2, wantCalls: 3},
		{name: "zero retries", err: ErrBackendTimeout, retries: 0, wantCalls: 1},
		{name: "other errors are not retried", err: ErrBackend, retries: 3, wantCalls: 1},
		{name: "plain error", err: errors.New("boom"), retries: 3, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &stubBackend{reply: func(string) (string, error) { return "", tc.err }}
			client := newTestClient(backend, tc.retries)

			res := client.TranslateText(t.Context(), "Hello there", nil)
			assert.False(t, res.Success)
			assert.Equal(t, ErrorBackend, res.Kind)
			assert.Equal(t, "Hello there", res.Text)
			assert.Error(t, res.Err)
			assert.Equal(t, tc.wantCalls, backend.calls.Load())
		})
	}
}

func TestRetryRecoversAfterTimeout(t *testing.T) {
	var n atomic.Int32
	backend := &stubBackend{reply: func(string) (string, error) {
		if n.Add(1) < 3 {
			return "", ErrBackendTimeout
		}
		return "你好", nil
	}}
	client := newTestClient(backend, 3)

	res := client.TranslateText(t.Context(), "Hello", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "你好", res.Text)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestCancelledContextStillCompletesCall(t *testing.T) {
	backend := &stubBackend{reply: func(string) (string, error) { return "你好", nil }}
	client := newTestClient(backend, 0)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res := client.TranslateText(ctx, "Hello", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "你好", res.Text)
}

func TestTranslateMarkup(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		terms     glossary.Terms
		reply     string
		want      string
		wantIn    string
		wantCalls int32
		source    Source
	}{
		{
			name:      "image only",
			raw:       `<p><img src="cover.png" alt="Cover"/></p>`,
			want:      `<p><img src="cover.png" alt="Cover"/></p>`,
			wantCalls: 0,
			source:    SourceUnchanged,
		},
		{
			name:      "attributes are not substituted",
			raw:       `<p class="York">York is <a href="York.xhtml">near</a>.</p>`,
			terms:     glossary.Terms{"York": "约克"},
			reply:     `<p class="York">约克很<a href="York.xhtml">近</a>。</p>`,
			want:      `<p class="York">约克很<a href="York.xhtml">近</a>。</p>`,
			wantIn:    `<p class="York">约克 is <a href="York.xhtml">near</a>.</p>`,
			wantCalls: 1,
			source:    SourceBackend,
		},
		{
			name:      "whole block is a glossary term",
			raw:       "<h1>\n  Prologue\n</h1>",
			terms:     glossary.Terms{"Prologue": "序幕"},
			want:      "<h1>\n  序幕\n</h1>",
			wantCalls: 0,
			source:    SourceGlossary,
		},
		{
			name:      "code fence stripped",
			raw:       `<p>Hello</p>`,
			reply:     "```html\n<p>你好</p>\n```",
			want:      `<p>你好</p>`,
			wantIn:    `<p>Hello</p>`,
			wantCalls: 1,
			source:    SourceBackend,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &stubBackend{reply: func(string) (string, error) { return tc.reply, nil }}
			client := newTestClient(backend, 0)

			res := client.TranslateMarkup(t.Context(), tc.raw, glossary.New(tc.terms))
			require.True(t, res.Success)
			assert.Equal(t, tc.want, res.Text)
			assert.Equal(t, tc.source, res.Source)
			assert.Equal(t, tc.wantCalls, backend.calls.Load())
			if tc.wantIn != "" {
				assert.Equal(t, tc.wantIn, backend.lastIn)
			}
			if tc.wantCalls > 0 {
				assert.True(t, strings.Contains(backend.prompts[0], "XHTML fragment"))
			}
		})
	}
}

func TestPacingDelaysCaller(t *testing.T) {
	backend := &stubBackend{reply: func(string) (string, error) { return "你好", nil }}
	client := NewClient(backend, Options{TargetLanguage: "zh", Pacing: 30 * time.Millisecond}, logrus.New())

	start := time.Now()
	client.TranslateText(t.Context(), "Hello", nil)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Contains(t, backend.prompts[0], "into Chinese.")
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "English", LanguageName("en"))
	assert.Equal(t, "French", LanguageName("fr"))
	assert.Equal(t, "not a tag!", LanguageName("not a tag!"))
}
