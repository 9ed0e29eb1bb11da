// ABOUTME: Delivery pipeline resolving webhook requests into room sends
// ABOUTME: Dispatches on content type and translates all failures to typed results

package hook

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/2389/webhook-bridge/internal/tokens"
)

// Sender is the session surface the pipeline delivers through.
type Sender interface {
	SendMessage(ctx context.Context, body, room, sender string) error
	SendImage(ctx context.Context, data []byte, filename, mimetype, room, sender, caption string) error
}

// Status classifies the outcome of one webhook request.
type Status int

const (
	// StatusSent means a text message was delivered.
	StatusSent Status = iota
	// StatusImageSent means a file upload was delivered.
	StatusImageSent
	// StatusTokenMismatch means the token is not registered (404).
	StatusTokenMismatch
	// StatusNoFile means a multipart request had no usable file field (400).
	StatusNoFile
	// StatusBadFormat means the configured message format is unknown (415).
	StatusBadFormat
	// StatusSendFailed means the message could not be delivered; the
	// caller is responsible for re-delivery (500).
	StatusSendFailed
)

// Result is the typed outcome handed back to the HTTP layer.
type Result struct {
	Status   Status
	Filename string
}

// Upload carries the extracted file field of a multipart request.
type Upload struct {
	Data     []byte
	Filename string
	Mimetype string
	Caption  string
}

// Request is one webhook call, already parsed out of HTTP specifics.
type Request struct {
	Token     string
	Body      []byte
	Multipart bool
	// Upload is nil for a multipart request without a usable file field.
	Upload *Upload
}

// Pipeline resolves webhook requests against the token registry and
// forwards them to the sender. It is safe for concurrent use: the
// registry is immutable and the sender serializes its own writes.
type Pipeline struct {
	registry     *tokens.Registry
	sender       Sender
	format       string
	allowUnicode bool
	logger       *slog.Logger
}

// NewPipeline creates a delivery pipeline.
func NewPipeline(registry *tokens.Registry, sender Sender, format string, allowUnicode bool, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:     registry,
		sender:       sender,
		format:       format,
		allowUnicode: allowUnicode,
		logger:       logger,
	}
}

// Recognizes reports whether the token is registered. The HTTP layer
// consults it before reading the request body so an unknown token is
// answered identically no matter what the body contains.
func (p *Pipeline) Recognizes(token string) bool {
	_, ok := p.registry.Lookup(token)
	return ok
}

// Handle processes one webhook request. Every outcome, including a
// panic below this point, maps to a typed Result; nothing escapes to
// the HTTP layer.
func (p *Pipeline) Handle(ctx context.Context, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling webhook request",
				"token", req.Token,
				"panic", r,
				"stack", string(debug.Stack()))
			result = Result{Status: StatusSendFailed}
		}
	}()

	entry, ok := p.registry.Lookup(req.Token)
	if !ok {
		p.logger.Error("webhook token is not recognized", "token", req.Token)
		return Result{Status: StatusTokenMismatch}
	}

	if req.Multipart {
		return p.handleUpload(ctx, entry, req.Upload)
	}
	return p.handleBody(ctx, entry, req.Body)
}

func (p *Pipeline) handleUpload(ctx context.Context, entry tokens.Entry, upload *Upload) Result {
	if upload == nil {
		p.logger.Error("multipart webhook request without file field", "token", entry.Token)
		return Result{Status: StatusNoFile}
	}

	filename := upload.Filename
	if filename == "" {
		filename = "upload.bin"
	}
	mimetype := upload.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}

	// Upload failures are absorbed inside SendImage; a single failed
	// image must not fail the request or crash the bridge.
	if err := p.sender.SendImage(ctx, upload.Data, filename, mimetype, entry.Room, entry.AppName, upload.Caption); err != nil {
		p.logger.Error("failed to send image", "room", entry.Room, "error", err)
		return Result{Status: StatusSendFailed}
	}
	return Result{Status: StatusImageSent, Filename: filename}
}

func (p *Pipeline) handleBody(ctx context.Context, entry tokens.Entry, body []byte) Result {
	if !ValidFormat(p.format) {
		p.logger.Error("message format not allowed", "format", p.format)
		return Result{Status: StatusBadFormat}
	}

	message := formatMessage(p.format, p.allowUnicode, body, p.logger)
	if err := p.sender.SendMessage(ctx, message, entry.Room, entry.AppName); err != nil {
		p.logger.Error("failed to send message", "room", entry.Room, "error", err)
		return Result{Status: StatusSendFailed}
	}
	return Result{Status: StatusSent}
}
