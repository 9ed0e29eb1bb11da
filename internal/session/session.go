// ABOUTME: Authenticated Matrix session for the webhook bridge
// ABOUTME: Handles login/restore, message and image delivery, and the sync loop

package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/webhook-bridge/internal/config"
	"github.com/2389/webhook-bridge/internal/creds"
	"github.com/2389/webhook-bridge/internal/verify"
)

// syncTimeout is the long-poll timeout of the sync loop. The bounded
// poll keeps the process periodically schedulable even with no server
// activity, so shutdown stays timely.
const syncTimeout = 300 * time.Second

// forcedSyncTimeout is the short timeout used for the one-off full sync
// before the startup greeting.
const forcedSyncTimeout = 3 * time.Second

// Session owns the authenticated Matrix connection. One Session is
// shared by the sync loop and the webhook listener; sends are
// serialized internally.
type Session struct {
	cfg      *config.Config
	store    *creds.Store
	client   *mautrix.Client
	crypto   *CryptoManager
	verifier *matrixVerifier
	machine  *verify.Machine
	logger   *slog.Logger

	// joinRooms is the precomputed join-set: admin room plus every
	// registered token room, joined before the sync loop starts.
	joinRooms []string

	sendMu    sync.Mutex
	greetOnce sync.Once
}

// New creates a session for the given configuration. Login must be
// called before any send.
func New(cfg *config.Config, store *creds.Store, joinRooms []string, logger *slog.Logger) *Session {
	return &Session{
		cfg:       cfg,
		store:     store,
		joinRooms: joinRooms,
		logger:    logger,
	}
}

// Login authenticates the session. When a credential record exists the
// stored device identity is restored without a password exchange;
// otherwise a first-time password login runs and its result is
// persisted. A login rejection is not retried: it signals
// misconfiguration, and the caller terminates the process.
func (s *Session) Login(ctx context.Context) error {
	cred, err := s.store.Load()
	switch {
	case err == nil:
		s.logger.Info("logging in using stored credentials",
			"homeserver", cred.Homeserver, "user", cred.UserID, "device", cred.DeviceID)
		if err := s.restoreLogin(cred); err != nil {
			return err
		}
	case errors.Is(err, creds.ErrNotFound):
		s.logger.Info("first time use, did not find credential file",
			"path", s.store.Path())
		if err := s.firstLogin(ctx); err != nil {
			return err
		}
		s.logger.Info("logged in, credentials stored", "path", s.store.Path())
	default:
		return fmt.Errorf("loading credentials: %w", err)
	}

	cryptoMgr, err := SetupCrypto(ctx, s.client, s.client.UserID.String(), s.cfg.Store.Path, s.logger)
	if err != nil {
		return fmt.Errorf("setting up encryption: %w", err)
	}
	s.crypto = cryptoMgr

	verifier, err := newMatrixVerifier(ctx, s.client, cryptoMgr.Machine(), s.logger)
	if err != nil {
		return fmt.Errorf("setting up verification: %w", err)
	}
	s.verifier = verifier
	s.machine = verify.NewMachine(verifier, s.logger)

	return nil
}

// Close releases the crypto store.
func (s *Session) Close() error {
	if s.crypto != nil {
		return s.crypto.Close()
	}
	return nil
}

func (s *Session) newClient(homeserver, userID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if !s.cfg.Matrix.SSLVerify {
		s.logger.Warn("TLS certificate verification is disabled")
		client.Client = &http.Client{
			Timeout: client.Client.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	return client, nil
}

func (s *Session) firstLogin(ctx context.Context) error {
	client, err := s.newClient(s.cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return err
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: s.cfg.Matrix.UserID,
		},
		Password:                 s.cfg.Matrix.Password,
		InitialDeviceDisplayName: s.cfg.Matrix.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		// Operator-actionable context only; never the password.
		s.logger.Error("login rejected",
			"homeserver", s.cfg.Matrix.Homeserver,
			"user", s.cfg.Matrix.UserID,
			"error", err)
		return fmt.Errorf("logging in to %s as %s: %w", s.cfg.Matrix.Homeserver, s.cfg.Matrix.UserID, err)
	}

	if err := s.store.Save(&creds.Credential{
		Homeserver:  s.cfg.Matrix.Homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    resp.DeviceID.String(),
		AccessToken: resp.AccessToken,
	}); err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}

	s.client = client
	return nil
}

func (s *Session) restoreLogin(cred *creds.Credential) error {
	client, err := s.newClient(cred.Homeserver, cred.UserID, cred.AccessToken)
	if err != nil {
		return err
	}
	client.DeviceID = id.DeviceID(cred.DeviceID)
	s.client = client
	return nil
}

// SendMessage composes and delivers a text message. When forceSync is
// set a one-off full synchronization runs first so the room state is
// current; this is used once at startup for the greeting.
func (s *Session) SendMessage(ctx context.Context, body, room, sender string, forceSync bool) error {
	if forceSync {
		if err := s.forceSync(ctx); err != nil {
			s.logger.Warn("forced sync before send failed", "error", err)
		}
	}

	content := s.buildTextContent(body, sender)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending message to %s: %w", room, err)
	}
	return nil
}

// SendImage uploads a file and delivers it as an image message. For an
// encrypted destination room the bytes are encrypted client-side before
// upload and referenced through an encrypted file payload; otherwise
// they are uploaded as-is and referenced by URL. An upload failure is
// logged and absorbed: one failed image must not crash the bridge or
// take a later text message down with it.
func (s *Session) SendImage(ctx context.Context, data []byte, filename, mimetype, room, sender, caption string, forceSync bool) error {
	if forceSync {
		if err := s.forceSync(ctx); err != nil {
			s.logger.Warn("forced sync before send failed", "error", err)
		}
	}

	encrypted, err := s.client.StateStore.IsEncrypted(ctx, id.RoomID(room))
	if err != nil {
		// Assume encrypted when state is unknown: uploading plaintext
		// into an encrypted room would leak the attachment.
		s.logger.Warn("could not determine room encryption, assuming encrypted",
			"room", room, "error", err)
		encrypted = true
	}

	payload := prepareUpload(data, mimetype, encrypted)

	resp, err := s.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: payload.data,
		ContentType:  payload.contentType,
		FileName:     filename,
	})
	if err != nil {
		s.logger.Error("image upload failed", "room", room, "error", err)
		return nil
	}

	content := s.buildImageContent(filename, mimetype, len(data), caption, sender)
	if payload.file != nil {
		content.File = &event.EncryptedFileInfo{
			EncryptedFile: *payload.file,
			URL:           resp.ContentURI.CUString(),
		}
	} else {
		content.URL = resp.ContentURI.CUString()
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content); err != nil {
		s.logger.Error("failed to send image message", "room", room, "error", err)
		return nil
	}
	return nil
}

// uploadPayload is what actually goes over the wire for an attachment.
type uploadPayload struct {
	data        []byte
	contentType string
	// file carries the key/IV/hashes for an encrypted attachment; nil
	// for a plaintext upload.
	file *attachment.EncryptedFile
}

// prepareUpload encrypts the attachment bytes for an encrypted room
// (fresh random key and IV per attachment) or passes them through
// unchanged for a plaintext room. The ciphertext replaces the declared
// mimetype with octet-stream; the real mimetype travels in the message
// info instead.
func prepareUpload(data []byte, mimetype string, encrypted bool) uploadPayload {
	if !encrypted {
		return uploadPayload{data: data, contentType: mimetype}
	}
	file := attachment.NewEncryptedFile()
	ciphertext := make([]byte, len(data))
	copy(ciphertext, data)
	file.EncryptInPlace(ciphertext)
	return uploadPayload{
		data:        ciphertext,
		contentType: "application/octet-stream",
		file:        file,
	}
}

// buildTextContent applies the sender prefix and optional Markdown
// rendering shared by text messages.
func (s *Session) buildTextContent(body, sender string) *event.MessageEventContent {
	text := s.prefixed(body, sender)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if s.cfg.Webhook.UseMarkdown {
		if html, ok := renderMarkdown(text, s.logger); ok {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}
	return content
}

// buildImageContent assembles the image message body: the caption (or
// filename) with the usual prefix and Markdown treatment, plus the file
// info carrying the declared mimetype and the plaintext size.
func (s *Session) buildImageContent(filename, mimetype string, size int, caption, sender string) *event.MessageEventContent {
	body := caption
	if body == "" {
		body = filename
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    s.prefixed(body, sender),
		Info: &event.FileInfo{
			MimeType: mimetype,
			Size:     size,
		},
	}
	if s.cfg.Webhook.UseMarkdown {
		if html, ok := renderMarkdown(s.prefixed(body, sender), s.logger); ok {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}
	return content
}

func (s *Session) prefixed(body, sender string) string {
	if !s.cfg.Webhook.DisplayAppName {
		return body
	}
	return fmt.Sprintf("**%s** says:  \n%s", sender, body)
}

func renderMarkdown(text string, logger *slog.Logger) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		logger.Error("failed to render markdown", "error", err)
		return "", false
	}
	return buf.String(), true
}

func (s *Session) forceSync(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, forcedSyncTimeout+5*time.Second)
	defer cancel()
	_, err := s.client.FullSyncRequest(syncCtx, mautrix.ReqSync{
		Timeout:   int(forcedSyncTimeout.Milliseconds()),
		FullState: true,
	})
	return err
}

// Run registers the event handlers, performs the initial key upload and
// room joins, then blocks in the synchronization loop until the context
// is cancelled. This is the session's main activity and does not return
// under normal operation.
func (s *Session) Run(ctx context.Context) error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}

	syncer.OnEventType(event.EventMessage, s.handleRoomMessage)
	for _, evType := range verificationEventTypes {
		syncer.OnEventType(evType, s.handleVerificationEvent)
	}

	// Upload this device's identity keys if the server has never seen
	// them. The crypto machine tracks whether a share is pending.
	if err := s.crypto.Machine().ShareKeys(ctx, 0); err != nil {
		s.logger.Warn("initial key upload failed", "error", err)
	}

	// Join every room in the join-set before syncing so delivery never
	// races against membership.
	for _, room := range s.joinRooms {
		if _, err := s.client.JoinRoom(ctx, room, nil); err != nil {
			s.logger.Error("failed to join room", "room", room, "error", err)
		}
	}

	s.logger.Info("matrix session waiting for events")

	since := ""
	for {
		resp, err := s.client.FullSyncRequest(ctx, mautrix.ReqSync{
			Timeout:   int(syncTimeout.Milliseconds()),
			Since:     since,
			FullState: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("sync failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		since = resp.NextBatch
		s.logger.Debug("synced", "next_batch", since)

		if err := syncer.ProcessResponse(ctx, resp, since); err != nil {
			// Per-event failures are contained by the handlers; an
			// error here is a processing fault, never fatal.
			s.logger.Error("failed to process sync response", "error", err)
		}

		s.greet(ctx)
	}
}

// greet announces readiness in the admin room exactly once, after the
// first successful sync, with a forced full sync so our own room state
// is current before anything is sent.
func (s *Session) greet(ctx context.Context) {
	s.greetOnce.Do(func() {
		greeting := fmt.Sprintf("Hi, I'm up and running from **%s**, waiting for webhooks!",
			s.cfg.Matrix.DeviceName)
		if err := s.SendMessage(ctx, greeting, s.cfg.Matrix.AdminRoom, "Webhook server", true); err != nil {
			s.logger.Error("failed to send greeting", "error", err)
		}
	})
}

// handleRoomMessage logs incoming room traffic. The bridge never
// responds to room messages; the log line gives the operator a view of
// what the bridge's rooms are seeing.
func (s *Session) handleRoomMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == s.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	s.logger.Info("room message",
		"room", evt.RoomID.String(),
		"sender", evt.Sender.String(),
		"body", content.Body)
}

// handleVerificationEvent translates a verification to-device event into
// the machine's closed union and hands it over. The machine contains
// its own isolation boundary, so this handler cannot kill the sync loop.
func (s *Session) handleVerificationEvent(ctx context.Context, evt *event.Event) {
	s.machine.Handle(ctx, translateVerificationEvent(evt))
}
