package lookup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/textproto"
	"strings"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/store"
)

// Caps concurrent port-25 connections so large MX operators don't ban the
// probing IP.
var smtpSemaphore = make(chan struct{}, 15)

type cachedSMTP struct {
	Valid       bool `json:"valid"`
	Deliverable bool `json:"deliverable"`
	CatchAll    bool `json:"catch_all"`
}

// SMTPProber talks RCPT-level SMTP to the domain's best MX host to learn
// whether the mailbox exists, and probes a ghost address to spot catch-all
// domains. Disabled by default; it needs outbound port 25 and a clean IP.
type SMTPProber struct {
	store    *store.Store
	mx       *MXProber
	sender   string
	heloHost string
	timeout  time.Duration
	cacheTTL time.Duration

	// dial is swapped out by tests to point at a local listener.
	dial func(ctx context.Context, host string) (net.Conn, error)
}

func NewSMTPProber(s *store.Store, mx *MXProber, sender, heloHost string, timeout, cacheTTL time.Duration) *SMTPProber {
	p := &SMTPProber{
		store:    s,
		mx:       mx,
		sender:   sender,
		heloHost: heloHost,
		timeout:  timeout,
		cacheTTL: cacheTTL,
	}
	p.dial = func(ctx context.Context, host string) (net.Conn, error) {
		d := net.Dialer{Timeout: p.timeout}
		return d.DialContext(ctx, "tcp", host+":25")
	}
	return p
}

// Probe checks deliverability for email, or nil when no verdict could be
// reached (no MX host, connection failure, ambiguous reply).
func (p *SMTPProber) Probe(ctx context.Context, email, domain string) *models.SMTPResult {
	key := "smtp:" + strings.ToLower(email)

	var cached cachedSMTP
	if err := p.store.GetJSON(ctx, key, &cached); err == nil {
		return &models.SMTPResult{Valid: cached.Valid, Deliverable: cached.Deliverable, CatchAll: cached.CatchAll}
	} else if !errors.Is(err, store.ErrNotFound) {
		metrics.ProbeFailures.WithLabelValues("smtp", "store").Inc()
	}

	hosts := p.mx.Hosts(ctx, domain)
	if len(hosts) == 0 {
		return nil
	}

	result, err := p.dialogue(ctx, hosts[0], email, domain)
	if err != nil {
		log.Printf("smtp: probe failed for %s via %s: %v", domain, hosts[0], err)
		metrics.ProbeFailures.WithLabelValues("smtp", errKind(err)).Inc()
		return nil
	}

	if err := p.store.SetJSON(ctx, key, cachedSMTP{
		Valid:       result.Valid,
		Deliverable: result.Deliverable,
		CatchAll:    result.CatchAll,
	}, p.cacheTTL); err != nil {
		metrics.ProbeFailures.WithLabelValues("smtp", "store").Inc()
	}
	return result
}

// dialogue runs one SMTP session: banner, EHLO (HELO fallback), MAIL FROM,
// RCPT for the real address, then RCPT for a ghost address. A ghost that is
// also accepted marks the domain catch-all.
func (p *SMTPProber) dialogue(ctx context.Context, mxHost, email, domain string) (*models.SMTPResult, error) {
	select {
	case smtpSemaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-smtpSemaphore }()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, mxHost)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", mxHost, err)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	tp := textproto.NewConn(conn)
	defer tp.Close()
	defer metrics.ProbeDuration.WithLabelValues("smtp").Observe(time.Since(start).Seconds())

	if _, _, err := tp.ReadResponse(220); err != nil {
		return nil, fmt.Errorf("banner: %w", err)
	}

	if _, err := tp.Cmd("EHLO %s", p.heloHost); err != nil {
		return nil, err
	}
	if _, _, err := tp.ReadResponse(250); err != nil {
		// Old servers only speak HELO.
		if _, err := tp.Cmd("HELO %s", p.heloHost); err != nil {
			return nil, err
		}
		if _, _, err := tp.ReadResponse(250); err != nil {
			return nil, fmt.Errorf("HELO rejected: %w", err)
		}
	}

	if _, err := tp.Cmd("MAIL FROM:<%s>", p.sender); err != nil {
		return nil, err
	}
	if _, _, err := tp.ReadResponse(250); err != nil {
		return nil, fmt.Errorf("MAIL FROM rejected: %w", err)
	}

	accepted, err := p.rcpt(tp, email)
	if err != nil {
		return nil, err
	}

	result := &models.SMTPResult{Valid: accepted, Deliverable: accepted}

	if accepted {
		// A second RCPT for a mailbox that cannot exist. Acceptance means the
		// server says yes to everything and the first answer proves nothing.
		ghost, err := p.rcpt(tp, ghostAddress(domain))
		if err == nil && ghost {
			result.CatchAll = true
		}
	}

	tp.Cmd("QUIT")
	return result, nil
}

// rcpt sends one RCPT TO and maps the reply: 250/251 accepted, 4xx/5xx
// rejected. A read failure is a transport error, not a verdict.
func (p *SMTPProber) rcpt(tp *textproto.Conn, email string) (bool, error) {
	if _, err := tp.Cmd("RCPT TO:<%s>", email); err != nil {
		return false, err
	}
	code, _, err := tp.ReadResponse(0)
	if err != nil {
		var textErr *textproto.Error
		if !errors.As(err, &textErr) {
			return false, fmt.Errorf("rcpt read: %w", err)
		}
		code = textErr.Code
	}
	return code == 250 || code == 251, nil
}

const ghostAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func ghostAddress(domain string) string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ghostAlphabet[rand.Intn(len(ghostAlphabet))]
	}
	return string(b) + "@" + domain
}
