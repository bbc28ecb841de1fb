// Package imap manages one mailbox session per sync run: secure connect,
// folder select, UID working-set resolution and message fetch. Transient
// transport errors retry with exponential backoff and jitter; authentication
// failures surface immediately.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"hostsync/internal/config"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"

	_ "github.com/emersion/go-message/charset"
)

// Message is one fetched mail, reduced to what the extractor needs.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	HTML      string
}

// Session wraps a logged-in IMAP connection with the selected folder open.
type Session struct {
	c       *client.Client
	account config.AccountConfig
	cfg     config.IMAPConfig
}

// Dial connects, authenticates and selects the account's folder. Transient
// dial errors are retried up to cfg.MaxAttempts with backoff and jitter; a
// rejected credential aborts at once with ErrAuthFailed.
func Dial(ctx context.Context, account config.AccountConfig, cfg config.IMAPConfig) (*Session, error) {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := dialOnce(ctx, account, cfg)
		if err == nil {
			return sess, nil
		}
		if IsAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		lastErr = err
		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrNetwork, lastErr)
}

func dialOnce(ctx context.Context, account config.AccountConfig, cfg config.IMAPConfig) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	tlsConfig := &tls.Config{ServerName: account.Host}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap handshake %s: %w", addr, err)
	}
	c.Timeout = cfg.CommandTimeout

	if err := authenticate(ctx, c, account); err != nil {
		_ = c.Logout()
		return nil, err
	}

	if _, err := c.Select(account.Folder, true); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("select %s: %w", account.Folder, err)
	}

	return &Session{c: c, account: account, cfg: cfg}, nil
}

func authenticate(ctx context.Context, c *client.Client, account config.AccountConfig) error {
	if account.Auth == "xoauth2" {
		token, err := fetchAccessToken(ctx, account)
		if err != nil {
			return fmt.Errorf("oauth token: %w", err)
		}
		if err := c.Authenticate(newXOAuth2Client(account.Username, token)); err != nil {
			return fmt.Errorf("xoauth2 login: %w", err)
		}
		return nil
	}

	if err := c.Login(account.Username, account.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// fetchAccessToken exchanges the configured refresh token for a short-lived
// access token.
func fetchAccessToken(ctx context.Context, account config.AccountConfig) (string, error) {
	conf := &oauth2.Config{
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: account.TokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken}).Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// xoAuth2Client implements the SASL XOAUTH2 mechanism.
type xoAuth2Client struct {
	username    string
	accessToken string
}

func newXOAuth2Client(username, token string) *xoAuth2Client {
	return &xoAuth2Client{username: username, accessToken: token}
}

func (x *xoAuth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", x.username, x.accessToken))
	return "XOAUTH2", ir, nil
}

func (x *xoAuth2Client) Next(fromServer []byte) ([]byte, error) {
	// The server sends a base64 error blob on failure; replying with an empty
	// line makes it return the final NO so the error surfaces as an auth error.
	return []byte(""), nil
}

func (s *Session) Close() {
	if s != nil && s.c != nil {
		_ = s.c.Logout()
	}
}

// SearchSinceUID resolves the incremental working set: UIDs strictly greater
// than the cursor, ascending, truncated to limit.
func (s *Session) SearchSinceUID(lastUID uint32, limit int) ([]uint32, error) {
	criteria := goimap.NewSearchCriteria()
	uidRange := new(goimap.SeqSet)
	uidRange.AddRange(lastUID+1, 0)
	criteria.Uid = uidRange

	return s.search(criteria, limit)
}

// SearchWindow resolves a backfill working set over the [since, before)
// internal-date window.
func (s *Session) SearchWindow(since, before time.Time, limit int) ([]uint32, error) {
	criteria := goimap.NewSearchCriteria()
	criteria.Since = since
	criteria.Before = before

	return s.search(criteria, limit)
}

func (s *Session) search(criteria *goimap.SearchCriteria, limit int) ([]uint32, error) {
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids, nil
}

// Fetch retrieves envelope and full body for the given UIDs. Messages whose
// body cannot be parsed are returned with an empty HTML field rather than
// dropped, so the pipeline can audit them as failures.
func (s *Session) Fetch(uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchUid, section.FetchItem()}

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqSet, items, messages)
	}()

	var out []Message
	for msg := range messages {
		out = append(out, decodeMessage(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	return out, nil
}

func decodeMessage(msg *goimap.Message, section *goimap.BodySectionName) Message {
	m := Message{UID: msg.Uid}

	if env := msg.Envelope; env != nil {
		m.MessageID = env.MessageId
		m.Subject = env.Subject
		m.Date = env.Date
		if len(env.From) > 0 {
			m.From = env.From[0].Address()
		}
	}

	if body := msg.GetBody(section); body != nil {
		m.HTML = extractBody(body)
	}
	return m
}

// extractBody walks the MIME tree and returns the HTML part, falling back to
// text/plain when the message carries no HTML alternative.
func extractBody(r io.Reader) string {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return ""
	}

	var plain string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch strings.ToLower(contentType) {
		case "text/html":
			return string(data)
		case "text/plain":
			if plain == "" {
				plain = string(data)
			}
		}
	}
	return plain
}

// backoffDelay computes the exponential delay for a (1-based) attempt with
// half-delay jitter.
func backoffDelay(cfg config.IMAPConfig, attempt int) time.Duration {
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			delay = cfg.MaxRetryDelay
			break
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
