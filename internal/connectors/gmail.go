package connectors

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"dossier/internal/ingest"
	"dossier/internal/logging"
	store "dossier/internal/store"
)

// GmailConnector pulls attachments off labelled messages. It is not an
// ingest.Source: mail has no folder tree to enumerate, so the email watcher
// fetches attachments directly and hands the bytes to the pipeline.
type GmailConnector struct {
	svc *gmail.Service
}

// EmailAttachment pairs a fetched attachment with its file metadata.
type EmailAttachment struct {
	Ref     ingest.FileRef
	Content []byte
}

func NewGmailConnector(ctx context.Context, opts ...option.ClientOption) (*GmailConnector, error) {
	opts = append([]option.ClientOption{option.WithScopes(gmail.GmailReadonlyScope)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building gmail service: %w", err)
	}
	return &GmailConnector{svc: svc}, nil
}

// FetchAttachments returns every attachment on messages carrying the label,
// plus the number of messages scanned. A maxResults of 0 takes the API
// default. Failures on individual messages are logged and skipped so one
// broken message cannot stall a poll cycle.
func (g *GmailConnector) FetchAttachments(ctx context.Context, label string, maxResults int64) ([]EmailAttachment, int, error) {
	call := g.svc.Users.Messages.List("me").Q(fmt.Sprintf("label:%s has:attachment", label)).Context(ctx)
	if maxResults > 0 {
		call = call.MaxResults(maxResults)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, 0, classify("gmail.list", err)
	}

	var out []EmailAttachment
	for _, m := range resp.Messages {
		msg, err := g.svc.Users.Messages.Get("me", m.Id).Format("full").Context(ctx).Do()
		if err != nil {
			logging.WatchWarn("Skipping message %s: %v", m.Id, err)
			continue
		}
		subject := headerValue(msg.Payload, "Subject")
		from := headerValue(msg.Payload, "From")
		date := headerValue(msg.Payload, "Date")

		for _, part := range collectAttachmentParts(msg.Payload) {
			att, err := g.svc.Users.Messages.Attachments.Get("me", m.Id, part.Body.AttachmentId).Context(ctx).Do()
			if err != nil {
				logging.WatchWarn("Skipping attachment %q on message %s: %v", part.Filename, m.Id, err)
				continue
			}
			data, err := decodeAttachment(att.Data)
			if err != nil {
				logging.WatchWarn("Undecodable attachment %q on message %s: %v", part.Filename, m.Id, err)
				continue
			}
			ref := ingest.FileRef{
				Source:    store.SourceEmail,
				SourceID:  m.Id,
				Name:      part.Filename,
				FolderID:  label,
				MediaType: part.MimeType,
				SizeBytes: int64(len(data)),
				Provenance: map[string]interface{}{
					"email_subject":    subject,
					"email_from":       from,
					"email_date":       date,
					"email_message_id": m.Id,
				},
			}
			if ref.MediaType == "" {
				ref.MediaType = mediaTypeForPath(part.Filename)
			}
			if t, err := mail.ParseDate(date); err == nil {
				ref.ModifiedAt = t
			}
			out = append(out, EmailAttachment{Ref: ref, Content: data})
		}
	}
	return out, len(resp.Messages), nil
}

func headerValue(payload *gmail.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// collectAttachmentParts walks the MIME tree for parts that carry a filename
// and a server-side attachment id. Inline bodies have neither.
func collectAttachmentParts(part *gmail.MessagePart) []*gmail.MessagePart {
	if part == nil {
		return nil
	}
	var parts []*gmail.MessagePart
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		parts = append(parts, part)
	}
	for _, sub := range part.Parts {
		parts = append(parts, collectAttachmentParts(sub)...)
	}
	return parts
}

// decodeAttachment handles the URL-safe base64 the API returns, padded or not.
func decodeAttachment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
