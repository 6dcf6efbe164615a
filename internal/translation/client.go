// Package translation turns source text into target language text through a
// completion backend, honouring a glossary.
package translation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
	nethtml "golang.org/x/net/html"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/Watee22/epubTranslator/internal/glossary"
)

var (
	// ErrBackendTimeout marks a backend call that did not answer in time.
	ErrBackendTimeout = errors.New("translation backend timed out")
	// ErrBackend marks any other backend failure.
	ErrBackend = errors.New("translation backend failed")
)

// Backend is a text completion service.
type Backend interface {
	Translate(ctx context.Context, text, systemPrompt string) (string, error)
}

// ErrorKind classifies a failed Result.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorBackend
)

func (k ErrorKind) String() string {
	if k == ErrorBackend {
		return "backend"
	}
	return "none"
}

// Source tells where a successful Result's text came from.
type Source int

const (
	SourceBackend Source = iota
	SourceGlossary
	SourceUnchanged
)

func (s Source) String() string {
	switch s {
	case SourceGlossary:
		return "glossary"
	case SourceUnchanged:
		return "unchanged"
	default:
		return "backend"
	}
}

// Result is the outcome of translating one piece of text.
type Result struct {
	Success bool
	Kind    ErrorKind
	Text    string
	Source  Source
	Err     error
}

// Options configures a Client.
type Options struct {
	// SourceLanguage is a BCP 47 tag; empty leaves the source unspecified.
	SourceLanguage string
	TargetLanguage string
	MaxRetries     int
	RetryDelay     time.Duration
	// Pacing is slept by the calling goroutine after each successful call.
	Pacing time.Duration
	// TextPrompt and MarkupPrompt override the default system prompts.
	TextPrompt   string
	MarkupPrompt string
}

// Client translates text and markup fragments. It is safe for concurrent use.
type Client struct {
	backend Backend
	logger  *logrus.Logger
	opts    Options

	textPrompt   string
	markupPrompt string
}

func NewClient(backend Backend, opts Options, logger *logrus.Logger) *Client {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	c := &Client{
		backend:      backend,
		logger:       logger,
		opts:         opts,
		textPrompt:   opts.TextPrompt,
		markupPrompt: opts.MarkupPrompt,
	}

	direction := "into " + LanguageName(opts.TargetLanguage)
	if opts.SourceLanguage != "" {
		direction = "from " + LanguageName(opts.SourceLanguage) + " " + direction
	}

	if c.textPrompt == "" {
		c.textPrompt = fmt.Sprintf(`You are a professional literary translator. Translate the user's text %s. Maintain the original tone and style. Return only the translated text without any additional comments, explanations or quotation marks.`, direction)
	}
	if c.markupPrompt == "" {
		c.markupPrompt = fmt.Sprintf(`You are a professional literary translator. The user's message is an XHTML fragment. Translate its text %s.

IMPORTANT INSTRUCTIONS:
1. Preserve ALL tags, attributes and structure exactly as they are
2. Only translate the text content between tags
3. Do NOT translate tag names, attribute names or attribute values
4. Return only the translated fragment without any additional comments
5. If the fragment cannot be translated without breaking its markup, return it unchanged`, direction)
	}

	return c
}

// TranslateText translates a plain string such as a table of contents title.
func (c *Client) TranslateText(ctx context.Context, raw string, g *glossary.Glossary) Result {
	if v, ok := g.Lookup(raw); ok {
		return Result{Success: true, Text: v, Source: SourceGlossary}
	}
	if v, ok := g.Lookup(strings.TrimSpace(raw)); ok {
		return Result{Success: true, Text: v, Source: SourceGlossary}
	}

	if !hasLetter(raw) {
		return Result{Success: true, Text: raw, Source: SourceUnchanged}
	}

	out, err := c.call(ctx, g.Substitute(raw), c.textPrompt)
	if err != nil {
		return Result{Kind: ErrorBackend, Text: raw, Err: err}
	}

	return Result{Success: true, Text: strings.TrimSpace(out), Source: SourceBackend}
}

// TranslateMarkup translates an XHTML fragment. The glossary and the letter
// check only look at text between tags, never at tags or attributes.
func (c *Client) TranslateMarkup(ctx context.Context, raw string, g *glossary.Glossary) Result {
	if v, ok := g.Lookup(raw); ok {
		return Result{Success: true, Text: v, Source: SourceGlossary}
	}

	text := markupText(raw)
	if !hasLetter(text) {
		return Result{Success: true, Text: raw, Source: SourceUnchanged}
	}

	if v, ok := g.Lookup(strings.TrimSpace(text)); ok {
		if out, ok := replaceSoleText(raw, v); ok {
			return Result{Success: true, Text: out, Source: SourceGlossary}
		}
	}

	out, err := c.call(ctx, substituteMarkup(raw, g), c.markupPrompt)
	if err != nil {
		return Result{Kind: ErrorBackend, Text: raw, Err: err}
	}

	return Result{Success: true, Text: stripCodeFence(strings.TrimSpace(out)), Source: SourceBackend}
}

// call runs one backend request, retrying timeouts only. The request is not
// bound to ctx's cancellation so a job being cancelled lets it finish.
func (c *Client) call(ctx context.Context, text, prompt string) (string, error) {
	callCtx := context.WithoutCancel(ctx)

	var out string
	err := retry.Do(
		func() error {
			resp, err := c.backend.Translate(callCtx, text, prompt)
			if err != nil {
				return err
			}
			out = resp
			return nil
		},
		retry.Context(callCtx),
		retry.Attempts(uint(c.opts.MaxRetries)+1),
		retry.Delay(c.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrBackendTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debugf("Retrying translation request (attempt %d/%d): %v", n+2, c.opts.MaxRetries+1, err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrBackendTimeout) {
			return "", fmt.Errorf("%w: retries exhausted: %w", ErrBackend, err)
		}
		return "", err
	}

	c.pace(ctx)
	return out, nil
}

func (c *Client) pace(ctx context.Context) {
	if c.opts.Pacing <= 0 {
		return
	}

	timer := time.NewTimer(c.opts.Pacing)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// LanguageName returns the English display name of a BCP 47 tag, or the
// input unchanged when it does not parse.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

var codeFence = regexp.MustCompile("(?s)^```[A-Za-z]*\\s*\\n(.*?)\\n?```$")

func stripCodeFence(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// walkMarkup tokenises raw and calls fn for every token. fn returns the
// bytes to emit in place of the token's raw text.
func walkMarkup(raw string, fn func(tt nethtml.TokenType, rawToken []byte) []byte) string {
	z := nethtml.NewTokenizer(strings.NewReader(raw))

	var sb strings.Builder
	sb.Grow(len(raw))
	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			if !errors.Is(z.Err(), io.EOF) {
				return raw
			}
			return sb.String()
		}
		sb.Write(fn(tt, z.Raw()))
	}
}

func markupText(raw string) string {
	var sb strings.Builder
	walkMarkup(raw, func(tt nethtml.TokenType, rawToken []byte) []byte {
		if tt == nethtml.TextToken {
			sb.WriteString(html.UnescapeString(string(rawToken)))
		}
		return rawToken
	})
	return sb.String()
}

func substituteMarkup(raw string, g *glossary.Glossary) string {
	if g.Len() == 0 {
		return raw
	}

	return walkMarkup(raw, func(tt nethtml.TokenType, rawToken []byte) []byte {
		if tt != nethtml.TextToken {
			return rawToken
		}
		text := html.UnescapeString(string(rawToken))
		replaced := g.Substitute(text)
		if replaced == text {
			return rawToken
		}
		return []byte(html.EscapeString(replaced))
	})
}

// replaceSoleText swaps the only non-blank text token of raw for value.
func replaceSoleText(raw, value string) (string, bool) {
	count := 0
	walkMarkup(raw, func(tt nethtml.TokenType, rawToken []byte) []byte {
		if tt == nethtml.TextToken && strings.TrimSpace(string(rawToken)) != "" {
			count++
		}
		return rawToken
	})
	if count != 1 {
		return "", false
	}

	out := walkMarkup(raw, func(tt nethtml.TokenType, rawToken []byte) []byte {
		s := string(rawToken)
		if tt != nethtml.TextToken || strings.TrimSpace(s) == "" {
			return rawToken
		}
		lead := s[:len(s)-len(strings.TrimLeft(s, " \t\r\n"))]
		trail := s[len(strings.TrimRight(s, " \t\r\n")):]
		return []byte(lead + html.EscapeString(value) + trail)
	})
	return out, true
}
