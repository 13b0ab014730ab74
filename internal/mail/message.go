package mail

import (
	"fmt"
	"mime"
	"strings"
)

// Message は送信するメール1通分の情報。
type Message struct {
	FromName    string
	FromEmail   string
	ToName      string
	ToEmail     string
	Subject     string
	HTMLContent string
	TextContent string
}

// buildMIME はMessageをRFC 5322のメッセージ文字列へ組み立てる。
// 件名と表示名は非ASCIIを含みうるためRFC 2047でエンコードする。
// テキスト版があればmultipart/alternativeになる。
func buildMIME(msg Message) string {
	var b strings.Builder

	writeHeader(&b, "From", formatAddress(msg.FromName, msg.FromEmail))
	writeHeader(&b, "To", formatAddress(msg.ToName, msg.ToEmail))
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&b, "MIME-Version", "1.0")

	if msg.TextContent == "" {
		writeHeader(&b, "Content-Type", `text/html; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.HTMLContent)
		return b.String()
	}

	const boundary = "----=_ytletter_alternative"
	writeHeader(&b, "Content-Type", fmt.Sprintf(`multipart/alternative; boundary=%q`, boundary))
	b.WriteString("\r\n")

	writePart(&b, boundary, `text/plain; charset="utf-8"`, msg.TextContent)
	writePart(&b, boundary, `text/html; charset="utf-8"`, msg.HTMLContent)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}

func writeHeader(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%s: %s\r\n", name, value)
}

func writePart(b *strings.Builder, boundary, contentType, body string) {
	fmt.Fprintf(b, "--%s\r\n", boundary)
	fmt.Fprintf(b, "Content-Type: %s\r\n\r\n", contentType)
	b.WriteString(body)
	b.WriteString("\r\n")
}

// formatAddress は表示名つきメールアドレスを組み立てる。
func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}
