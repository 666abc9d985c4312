package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// SIPHandler delivers alerts to sip:// channel URLs as SIP MESSAGE requests
// over UDP (RFC 3428 paging mode). The channel URL names the target, e.g.
// sip://1001@pbx.example.com:5060.
type SIPHandler struct {
	timeout time.Duration
}

func NewSIPHandler(timeout time.Duration) *SIPHandler {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &SIPHandler{timeout: timeout}
}

func (h *SIPHandler) Name() string { return "sip" }

func (h *SIPHandler) Matches(rawURL string) bool {
	return strings.HasPrefix(rawURL, "sip://") || strings.HasPrefix(rawURL, "sips://")
}

func (h *SIPHandler) Send(ctx context.Context, rawURL, title, message string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("notify: parsing sip url: %w", err)
	}
	user := u.User.Username()
	if user == "" || u.Hostname() == "" {
		return fmt.Errorf("notify: sip url %q needs user@host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "5060"
	}
	target := net.JoinHostPort(u.Hostname(), port)

	dialer := net.Dialer{Timeout: h.timeout}
	conn, err := dialer.DialContext(ctx, "udp", target)
	if err != nil {
		return fmt.Errorf("notify: dialing sip peer: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	body := title + "\n" + message
	req := h.buildMessage(user, u.Hostname(), conn.LocalAddr().String(), body)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("notify: sending sip message: %w", err)
	}

	// Paging-mode MESSAGE expects a final response on the same socket.
	// Digest challenges (401/407) count as rejection; the target must
	// accept unauthenticated MESSAGE.
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("notify: no sip reply from %s: %w", target, err)
	}
	status := strings.SplitN(string(buf[:n]), "\r\n", 2)[0]
	if !strings.HasPrefix(status, "SIP/2.0 2") && !strings.HasPrefix(status, "SIP/2.0 1") {
		return fmt.Errorf("notify: sip peer rejected message: %s", status)
	}
	return nil
}

func (h *SIPHandler) buildMessage(user, host, localAddr, body string) string {
	branch := "z9hG4bK" + randomToken()
	tag := randomToken()
	callID := randomToken() + "@fleetd"

	var b strings.Builder
	fmt.Fprintf(&b, "MESSAGE sip:%s@%s SIP/2.0\r\n", user, host)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s;branch=%s\r\n", localAddr, branch)
	b.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&b, "From: <sip:fleetd@%s>;tag=%s\r\n", localAddr, tag)
	fmt.Fprintf(&b, "To: <sip:%s@%s>\r\n", user, host)
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callID)
	b.WriteString("CSeq: 1 MESSAGE\r\n")
	b.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.WriteString(body)
	return b.String()
}

func randomToken() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
