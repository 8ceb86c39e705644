package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"regexp"
	"strings"
)

// rfc5322ish is a pragmatic (not fully compliant) recipient validator —
// good enough to reject obviously malformed addresses before an SMTP round
// trip.
var rfc5322ish = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type emailProvider struct{}

func (emailProvider) Send(ctx context.Context, cfg map[string]interface{}, payload Payload) error {
	host, _ := cfg["host"].(string)
	portRaw, _ := cfg["port"].(float64)
	port := int(portRaw)
	secure, _ := cfg["secure"].(bool)
	user, _ := cfg["user"].(string)
	pass, _ := cfg["pass"].(string)
	from, _ := cfg["from"].(string)
	toRaw, _ := cfg["to"].([]interface{})

	if host == "" || port == 0 || from == "" {
		return fmt.Errorf("email config missing host/port/from")
	}
	if secure && port != 465 {
		return fmt.Errorf("secure is only valid with port 465")
	}

	var recipients []string
	for _, v := range toRaw {
		addr, _ := v.(string)
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !rfc5322ish.MatchString(addr) {
			return fmt.Errorf("invalid recipient address %q", addr)
		}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	msg := buildMessage(from, recipients, payload)

	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, pass, host)
	}

	if secure {
		return sendImplicitTLS(addr, host, auth, from, recipients, msg)
	}
	return smtp.SendMail(addr, auth, from, recipients, msg)
}

func sendImplicitTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("tls dial %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, payload Payload) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + payload.Title + "\r\n")
	if payload.Priority == PriorityHigh {
		b.WriteString("X-Priority: 1\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(payload.Body)
	return []byte(b.String())
}
