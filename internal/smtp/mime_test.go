package smtp

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestParseEmail_PlainText(t *testing.T) {
	raw := "From: Sender <sender@example.com>\r\n" +
		"To: abc@temp.mail\r\n" +
		"Subject: hello\r\n" +
		"Message-Id: <1@example.com>\r\n" +
		"\r\n" +
		"body line\r\n"

	parsed, err := ParseEmail([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "hello", parsed.Subject)
	assert.Equal(t, "Sender <sender@example.com>", parsed.From)
	assert.Equal(t, "body line\r\n", parsed.Text)
	assert.Equal(t, "<1@example.com>", parsed.Headers["Message-Id"])
	assert.Equal(t, "abc@temp.mail", parsed.Headers["To"])
}

func TestParseEmail_MultipartWithAttachment(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("0123456789"))
	raw := strings.Join([]string{
		"From: sender@example.com",
		"Subject: =?utf-8?B?" + base64.StdEncoding.EncodeToString([]byte("验证码")) + "?=",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"code 123456",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<b>code=20123456</b>",
		"--inner--",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		payload,
		"--outer--",
		"",
	}, "\r\n")

	parsed, err := ParseEmail([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "验证码", parsed.Subject)
	assert.Equal(t, "code 123456", parsed.Text)
	assert.Equal(t, "<b>code 123456</b>", parsed.HTML)
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "report.pdf", parsed.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", parsed.Attachments[0].ContentType)
	assert.Equal(t, int64(10), parsed.Attachments[0].Size)
}

func TestParseEmail_GBK(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("你好")
	require.NoError(t, err)

	raw := "From: sender@example.com\r\n" +
		"Subject: =?gbk?B?" + base64.StdEncoding.EncodeToString([]byte(gbk)) + "?=\r\n" +
		"Content-Type: text/plain; charset=gbk\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString([]byte(gbk)) + "\r\n"

	parsed, err := ParseEmail([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Subject)
	assert.Equal(t, "你好", parsed.Text)
}

func TestParseEmail_MissingBoundary(t *testing.T) {
	raw := "Subject: x\r\nContent-Type: multipart/mixed\r\n\r\nbody\r\n"
	_, err := ParseEmail([]byte(raw))
	assert.Error(t, err)
}
