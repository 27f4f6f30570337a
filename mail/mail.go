package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"taskmaster/core"

	"github.com/sirupsen/logrus"
)

// Mailer sends the notification emails the task flows trigger. Every
// send is best-effort: callers fire and forget, and a failure never
// fails the operation that triggered it.
type Mailer interface {
	SendTaskShared(ctx context.Context, to, from *core.User, task *core.Task) error
	SendPasswordReset(ctx context.Context, to *core.User, resetURL string) error
}

type smtpMailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	useTLS   bool
}

// NewFromEnv builds a Mailer from SMTP_* environment variables. When
// SMTP_HOST is unset a no-op mailer is returned and sends are skipped.
func NewFromEnv() Mailer {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		logrus.Warn("SMTP_HOST is not set. Email notifications are disabled.")
		return noopMailer{}
	}

	port := os.Getenv("SMTP_PORT")
	if port == "" {
		port = "587"
	}
	from := os.Getenv("SMTP_FROM")
	if from == "" {
		from = os.Getenv("SMTP_USERNAME")
	}

	logrus.WithFields(logrus.Fields{
		"host": host,
		"port": port,
	}).Info("SMTP mailer configured")

	return &smtpMailer{
		host:     host,
		port:     port,
		username: os.Getenv("SMTP_USERNAME"),
		password: os.Getenv("SMTP_PASSWORD"),
		from:     from,
		useTLS:   os.Getenv("SMTP_TLS") == "true",
	}
}

func (m *smtpMailer) SendTaskShared(ctx context.Context, to, from *core.User, task *core.Task) error {
	subject := "Task Shared with You"
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\nA new task has been shared with you by %s.\r\n\r\nTask: %s\r\nTask ID: %s\r\n\r\nBest regards,\r\nTask Management Team\r\n",
		to.Name, from.Name, task.Title, task.ID)
	return m.send(to.Email, subject, body)
}

func (m *smtpMailer) SendPasswordReset(ctx context.Context, to *core.User, resetURL string) error {
	subject := "Password Reset Request"
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\nYou have requested to reset your password. Open the link below to reset it:\r\n\r\n%s\r\n\r\nIf you did not request this, please ignore this email.\r\n\r\nThanks,\r\nThe Support Team\r\n",
		to.Name, resetURL)
	return m.send(to.Email, subject, body)
}

func (m *smtpMailer) send(to, subject, body string) error {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", m.from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := m.host + ":" + m.port
	if m.useTLS {
		return m.sendWithTLS(addr, to, msg.String())
	}
	return m.sendWithStartTLS(addr, to, msg.String())
}

// sendWithTLS sends an email over an implicit TLS connection.
func (m *smtpMailer) sendWithTLS(addr, to, body string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.host})
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := m.auth(client); err != nil {
		return err
	}
	return m.deliver(client, to, body)
}

// sendWithStartTLS sends an email using STARTTLS.
func (m *smtpMailer) sendWithStartTLS(addr, to, body string) error {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := client.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	if err := m.auth(client); err != nil {
		return err
	}
	return m.deliver(client, to, body)
}

func (m *smtpMailer) auth(client *smtp.Client) error {
	if m.username == "" {
		return nil
	}
	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}
	return nil
}

func (m *smtpMailer) deliver(client *smtp.Client, to, body string) error {
	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}

type noopMailer struct{}

func (noopMailer) SendTaskShared(ctx context.Context, to, from *core.User, task *core.Task) error {
	return nil
}

func (noopMailer) SendPasswordReset(ctx context.Context, to *core.User, resetURL string) error {
	return nil
}
