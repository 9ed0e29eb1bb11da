// ABOUTME: Tests for the webhook delivery pipeline
// ABOUTME: Covers token resolution, upload dispatch, and typed failure results

package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/webhook-bridge/internal/tokens"
)

type sentMessage struct {
	Body   string
	Room   string
	Sender string
}

type sentImage struct {
	Data     []byte
	Filename string
	Mimetype string
	Room     string
	Sender   string
	Caption  string
}

// fakeSender captures deliveries and returns scripted errors.
type fakeSender struct {
	messages []sentMessage
	images   []sentImage
	sendErr  error
	panics   bool
}

func (f *fakeSender) SendMessage(_ context.Context, body, room, sender string) error {
	if f.panics {
		panic("session exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.messages = append(f.messages, sentMessage{Body: body, Room: room, Sender: sender})
	return nil
}

func (f *fakeSender) SendImage(_ context.Context, data []byte, filename, mimetype, room, sender, caption string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.images = append(f.images, sentImage{
		Data: data, Filename: filename, Mimetype: mimetype,
		Room: room, Sender: sender, Caption: caption,
	})
	return nil
}

func testRegistry(t *testing.T) *tokens.Registry {
	t.Helper()
	return tokens.Parse("tok1,!roomA:example.org,BuildBot", "!admin:example.org", testLogger())
}

func TestHandle_TokenMismatch(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	for _, req := range []Request{
		{Token: "unknown", Body: []byte("hello")},
		{Token: "unknown", Multipart: true, Upload: &Upload{Data: []byte{1}}},
	} {
		result := pipeline.Handle(context.Background(), req)
		assert.Equal(t, StatusTokenMismatch, result.Status)
	}
	assert.Empty(t, sender.messages)
	assert.Empty(t, sender.images)
}

func TestHandle_RawDelivery(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	result := pipeline.Handle(context.Background(), Request{Token: "tok1", Body: []byte("build ok")})

	assert.Equal(t, StatusSent, result.Status)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "build ok", sender.messages[0].Body)
	assert.Equal(t, "!roomA:example.org", sender.messages[0].Room)
	assert.Equal(t, "BuildBot", sender.messages[0].Sender)
}

func TestHandle_BadFormatRejectedBeforeBody(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, "xml", true, testLogger())

	result := pipeline.Handle(context.Background(), Request{Token: "tok1", Body: []byte(`{"x":1}`)})

	assert.Equal(t, StatusBadFormat, result.Status)
	assert.Empty(t, sender.messages)
}

func TestHandle_UploadDelivery(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	result := pipeline.Handle(context.Background(), Request{
		Token:     "tok1",
		Multipart: true,
		Upload: &Upload{
			Data:     []byte{0x89, 0x50, 0x4e, 0x47},
			Filename: "graph.png",
			Mimetype: "image/png",
			Caption:  "cpu usage",
		},
	})

	assert.Equal(t, StatusImageSent, result.Status)
	assert.Equal(t, "graph.png", result.Filename)
	require.Len(t, sender.images, 1)
	assert.Equal(t, "image/png", sender.images[0].Mimetype)
	assert.Equal(t, "cpu usage", sender.images[0].Caption)
	assert.Equal(t, "!roomA:example.org", sender.images[0].Room)
}

func TestHandle_UploadDefaults(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	result := pipeline.Handle(context.Background(), Request{
		Token:     "tok1",
		Multipart: true,
		Upload:    &Upload{Data: []byte{1, 2, 3}},
	})

	assert.Equal(t, StatusImageSent, result.Status)
	require.Len(t, sender.images, 1)
	assert.Equal(t, "upload.bin", sender.images[0].Filename)
	assert.Equal(t, "application/octet-stream", sender.images[0].Mimetype)
}

func TestHandle_MultipartWithoutFile(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	result := pipeline.Handle(context.Background(), Request{Token: "tok1", Multipart: true})

	assert.Equal(t, StatusNoFile, result.Status)
	assert.Empty(t, sender.images)
}

func TestHandle_SendFailure(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("homeserver unreachable")}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	result := pipeline.Handle(context.Background(), Request{Token: "tok1", Body: []byte("hi")})
	assert.Equal(t, StatusSendFailed, result.Status)
}

func TestHandle_PanicIsContained(t *testing.T) {
	sender := &fakeSender{panics: true}
	pipeline := NewPipeline(testRegistry(t), sender, FormatRaw, true, testLogger())

	var result Result
	assert.NotPanics(t, func() {
		result = pipeline.Handle(context.Background(), Request{Token: "tok1", Body: []byte("hi")})
	})
	assert.Equal(t, StatusSendFailed, result.Status)
}

// Token mismatch must win regardless of format validity or content type.
func TestHandle_TokenMismatchBeatsBadFormat(t *testing.T) {
	sender := &fakeSender{}
	pipeline := NewPipeline(testRegistry(t), sender, "xml", true, testLogger())

	result := pipeline.Handle(context.Background(), Request{Token: "unknown", Body: []byte("hi")})
	assert.Equal(t, StatusTokenMismatch, result.Status)
}
