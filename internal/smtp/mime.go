package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// keptHeaders 原样保留到邮件记录中的头部
var keptHeaders = []string{"Message-Id", "Date", "Reply-To", "To", "Cc"}

// Attachment 附件元数据。临时邮箱只保留文件名和大小，不保存内容。
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
}

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject     string
	From        string
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []Attachment
}

// ParseEmail 解析邮件，提取文本、HTML 和附件。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    decodeHeader(msg.Header.Get("From")),
		Headers: make(map[string]string),
	}
	for _, key := range keptHeaders {
		if v := msg.Header.Get(key); v != "" {
			parsed.Headers[key] = decodeHeader(v)
		}
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 如果没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		// 多部分邮件，需要解析各个部分
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}

		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		// 单部分邮件
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}

		if strings.HasPrefix(mediaType, "text/html") {
			parsed.HTML = body
		} else {
			parsed.Text = body
		}
	}

	return parsed, nil
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		// 检查是否是附件
		disposition := part.Header.Get("Content-Disposition")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				// 这是一个附件
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}

				// 解码文件名
				filename = decodeHeader(filename)

				// 只统计解码后的大小
				var content io.Reader = part
				if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
					content = base64.NewDecoder(base64.StdEncoding, part)
				}
				size, err := io.Copy(io.Discard, content)
				if err != nil {
					continue
				}

				parsed.Attachments = append(parsed.Attachments, Attachment{
					Filename:    filename,
					ContentType: mediaType,
					Size:        size,
				})
				continue
			}
		}

		// 处理嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			boundary := params["boundary"]
			if boundary != "" {
				nestedReader := multipart.NewReader(part, boundary)
				if err := parseMultipart(nestedReader, parsed); err != nil {
					return err
				}
			}
			continue
		}

		// 处理文本内容
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "text/html") {
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}

	return nil
}

// decodeBody 根据编码方式解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader

	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		// 7bit / 8bit / binary 以及未知编码直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	// 字符集转换
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			decoder := enc.NewDecoder()
			converted, _, err := transform.Bytes(decoder, body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "shift_jis", "sjis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// charsetReader 供 mime.WordDecoder 解码非 UTF-8 的头部
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := getCharsetEncoding(strings.ToLower(strings.TrimSpace(charset)))
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
