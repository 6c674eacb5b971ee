package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"github.com/onlyvaibhav/streamflix/internal/logging"
)

const (
	callTimeout = 30 * time.Second
	listPage    = 100
)

// Telegram implements Client over an MTProto user session (gotd).
type Telegram struct {
	apiID     int
	apiHash   string
	sessPath  string
	channelID int64 // bare channel id (the -100 prefix is stripped)

	log zerolog.Logger

	ready  atomic.Bool
	api    *tg.Client
	runErr chan error

	mu      sync.Mutex
	channel *tg.InputChannel        // resolved once, then cached
	docs    map[int64]*tg.Document  // file id -> last known document
}

// NewTelegram builds the client; Start must be called before use.
func NewTelegram(apiID int, apiHash, sessionFile string, channelID int64) *Telegram {
	return &Telegram{
		apiID:     apiID,
		apiHash:   apiHash,
		sessPath:  sessionFile,
		channelID: normalizeChannelID(channelID),
		log:       logging.WithComponent("remote"),
		runErr:    make(chan error, 1),
		docs:      make(map[int64]*tg.Document),
	}
}

// normalizeChannelID strips the Bot-API style -100 prefix.
func normalizeChannelID(id int64) int64 {
	if id < 0 {
		s := fmt.Sprintf("%d", -id)
		s = strings.TrimPrefix(s, "100")
		var out int64
		fmt.Sscanf(s, "%d", &out)
		return out
	}
	return id
}

// Start connects and blocks until the client is authorized and the channel is
// resolved, or returns an error. The connection lives until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	client := telegram.NewClient(t.apiID, t.apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: t.sessPath},
	})

	started := make(chan error, 1)
	go func() {
		err := client.Run(ctx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				started <- fmt.Errorf("auth status: %w", err)
				return err
			}
			if !status.Authorized {
				err := errors.New("session not authorized; generate a session first")
				started <- err
				return err
			}
			t.api = client.API()
			if err := t.resolveChannel(ctx); err != nil {
				started <- err
				return err
			}
			t.ready.Store(true)
			t.log.Info().Int64("channel", t.channelID).Msg("remote client ready")
			started <- nil
			<-ctx.Done()
			t.ready.Store(false)
			return ctx.Err()
		})
		select {
		case t.runErr <- err:
		default:
		}
	}()

	select {
	case err := <-started:
		return err
	case err := <-t.runErr:
		if err == nil {
			err = errors.New("remote client exited during startup")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether calls can be issued.
func (t *Telegram) Ready() bool { return t.ready.Load() }

// resolveChannel finds the channel access hash by scanning dialogs.
// A user session only needs this once; the result is cached for the process.
func (t *Telegram) resolveChannel(ctx context.Context) error {
	dialogs, err := t.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      500,
	})
	if err != nil {
		return fmt.Errorf("get dialogs: %w", err)
	}
	var chats []tg.ChatClass
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	default:
		return fmt.Errorf("unexpected dialogs type %T", dialogs)
	}
	for _, c := range chats {
		ch, ok := c.(*tg.Channel)
		if !ok {
			continue
		}
		if ch.ID == t.channelID {
			t.mu.Lock()
			t.channel = &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			t.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("channel %d not in account dialogs", t.channelID)
}

func (t *Telegram) inputChannel() (*tg.InputChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel == nil {
		return nil, ErrUnavailable
	}
	return t.channel, nil
}

// Resolve maps a message id to a file handle and caches the document location.
func (t *Telegram) Resolve(ctx context.Context, fileID int64) (*FileHandle, error) {
	if !t.Ready() {
		return nil, ErrUnavailable
	}
	doc, err := t.fetchDocument(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &FileHandle{
		ID:       fileID,
		Size:     doc.Size,
		Name:     documentFileName(doc),
		MIMEType: doc.MimeType,
	}, nil
}

func (t *Telegram) fetchDocument(ctx context.Context, fileID int64) (*tg.Document, error) {
	ch, err := t.inputChannel()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := t.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: ch,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(fileID)}},
	})
	if err != nil {
		return nil, t.classify(err)
	}
	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(msgs.Messages) == 0 {
		return nil, ErrNotFound
	}
	msg, ok := msgs.Messages[0].(*tg.Message)
	if !ok {
		return nil, ErrNotFound
	}
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := media.Document.AsNotEmpty()
	if !ok {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	t.docs[fileID] = doc
	t.mu.Unlock()
	return doc, nil
}

func (t *Telegram) cachedDocument(fileID int64) *tg.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.docs[fileID]
}

// ReadChunk issues one upload.getFile call. offset must be a multiple of limit.
// An expired file reference is refreshed once by re-resolving the message.
func (t *Telegram) ReadChunk(ctx context.Context, h *FileHandle, offset int64, limit int) ([]byte, error) {
	if !t.Ready() {
		return nil, ErrUnavailable
	}
	doc := t.cachedDocument(h.ID)
	if doc == nil {
		var err error
		doc, err = t.fetchDocument(ctx, h.ID)
		if err != nil {
			return nil, err
		}
	}
	data, err := t.getFile(ctx, doc, offset, limit)
	if err == nil {
		return data, nil
	}
	if tgerr.Is(err, "FILE_REFERENCE_EXPIRED") {
		doc, rerr := t.fetchDocument(ctx, h.ID)
		if rerr != nil {
			return nil, rerr
		}
		data, err = t.getFile(ctx, doc, offset, limit)
		if err == nil {
			return data, nil
		}
	}
	return nil, t.classify(err)
}

func (t *Telegram) getFile(ctx context.Context, doc *tg.Document, offset int64, limit int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := t.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
		Precise: true,
		Location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	file, ok := res.(*tg.UploadFile)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected upload result %T", ErrRemote, res)
	}
	return file.Bytes, nil
}

// ListVideos walks the channel history newest-first, keeping video documents.
func (t *Telegram) ListVideos(ctx context.Context) ([]VideoEntry, error) {
	if !t.Ready() {
		return nil, ErrUnavailable
	}
	ch, err := t.inputChannel()
	if err != nil {
		return nil, err
	}
	peer := &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash}

	var out []VideoEntry
	offsetID := 0
	for {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		res, err := t.api.MessagesGetHistory(callCtx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    listPage,
		})
		cancel()
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				t.log.Warn().Dur("wait", wait).Msg("flood wait during listing")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
					continue
				}
			}
			return nil, t.classify(err)
		}
		msgs, ok := res.(*tg.MessagesChannelMessages)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected history type %T", ErrRemote, res)
		}
		if len(msgs.Messages) == 0 {
			break
		}
		for _, m := range msgs.Messages {
			msg, ok := m.(*tg.Message)
			if !ok {
				continue
			}
			offsetID = msg.ID
			media, ok := msg.Media.(*tg.MessageMediaDocument)
			if !ok {
				continue
			}
			doc, ok := media.Document.AsNotEmpty()
			if !ok || !isVideoDocument(doc) {
				continue
			}
			t.mu.Lock()
			t.docs[int64(msg.ID)] = doc
			t.mu.Unlock()
			out = append(out, VideoEntry{
				ID:   int64(msg.ID),
				Name: documentFileName(doc),
				Size: doc.Size,
			})
		}
		if len(msgs.Messages) < listPage {
			break
		}
	}
	return out, nil
}

func isVideoDocument(doc *tg.Document) bool {
	if strings.HasPrefix(doc.MimeType, "video/") {
		return true
	}
	name := strings.ToLower(documentFileName(doc))
	for _, ext := range []string{".mp4", ".mkv", ".avi", ".webm", ".mov", ".m4v", ".ts"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func documentFileName(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return fn.FileName
		}
	}
	return fmt.Sprintf("file_%d", doc.ID)
}

// classify maps transport errors onto the package taxonomy.
func (t *Telegram) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	default:
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return fmt.Errorf("%w: flood wait %s", ErrRemote, wait)
		}
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
}
