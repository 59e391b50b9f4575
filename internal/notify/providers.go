package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"breachscope/internal/model"
)

// Provider delivers one rendered payload to one address
type Provider interface {
	Send(ctx context.Context, address string, p Payload) error
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, address string, p Payload) error

func (f ProviderFunc) Send(ctx context.Context, address string, p Payload) error {
	return f(ctx, address, p)
}

// SMTPConfig configures the email provider
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one whole SMTP conversation, dial included
	Timeout time.Duration
}

// SMTPProvider sends plain text email
type SMTPProvider struct {
	cfg    SMTPConfig
	dialer *net.Dialer
}

func NewSMTPProvider(cfg SMTPConfig) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPProvider{cfg: cfg, dialer: &net.Dialer{Timeout: cfg.Timeout}}
}

func (p *SMTPProvider) Send(ctx context.Context, address string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(address, "\r\n") {
		return fmt.Errorf("invalid recipient address")
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", p.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", address)
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(payload.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(payload.Body, "\n", "\r\n"))

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	if err := p.transmit(ctx, address, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// transmit runs one SMTP conversation. The connection deadline follows ctx
// and cancelling ctx closes the connection, so a server that stops answering
// cannot hold a worker past the timeout.
func (p *SMTPProvider) transmit(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if p.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(p.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end message: %w", err)
	}
	return c.Quit()
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// HTTPConfig configures a JSON webhook style provider
type HTTPConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPProvider posts the payload as JSON to an SMS or push gateway
type HTTPProvider struct {
	cfg     HTTPConfig
	channel model.Channel
	client  *http.Client
}

func NewHTTPProvider(channel model.Channel, cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPProvider{
		cfg:     cfg,
		channel: channel,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type httpMessage struct {
	Channel   string `json:"channel"`
	To        string `json:"to"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url,omitempty"`
	AlertType string `json:"alert_type"`
	Severity  string `json:"severity"`
}

func (p *HTTPProvider) Send(ctx context.Context, address string, payload Payload) error {
	if p.cfg.Endpoint == "" {
		return fmt.Errorf("%s provider misconfigured", p.channel)
	}

	body := payload.Body
	if p.channel == model.ChannelSMS {
		body = payload.Short
	}
	data, err := json.Marshal(httpMessage{
		Channel:   string(p.channel),
		To:        address,
		Title:     payload.Subject,
		Body:      body,
		URL:       payload.URL,
		AlertType: string(payload.AlertType),
		Severity:  string(payload.Severity),
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s provider error: %s %s", p.channel, resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

// LogProvider stands in for an unconfigured channel during development. It
// reports success without delivering anything.
type LogProvider struct {
	channel model.Channel
	logger  *log.Logger
}

func NewLogProvider(channel model.Channel, logger *log.Logger) *LogProvider {
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Send(_ context.Context, address string, payload Payload) error {
	p.logger.Printf("No %s provider configured, would send to %s: %s", p.channel, address, payload.Subject)
	return nil
}
