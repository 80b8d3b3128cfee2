package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

const apiPrefix = "/api/v1"

// HTTP talks to a relay over HTTP.
type HTTP struct {
	Base  string
	Token string
	// HTTP serves unary calls and may carry a timeout; Stream serves the
	// long-lived event streams and should not.
	HTTP   *http.Client
	Stream *http.Client

	log *zap.Logger
}

// NewHTTP returns a client for the relay at base authenticated with token.
func NewHTTP(base, token string, log *zap.Logger) *HTTP {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTP{
		Base:   strings.TrimRight(base, "/"),
		Token:  token,
		HTTP:   http.DefaultClient,
		Stream: http.DefaultClient,
		log:    log,
	}
}

func (c *HTTP) PublishPublicKey(ctx context.Context, user domain.UserID, key domain.X25519Public) error {
	body := struct {
		UserID    domain.UserID       `json:"user_id"`
		PublicKey domain.X25519Public `json:"public_key"`
	}{user, key}
	return c.do(ctx, http.MethodPut, "/keys/"+url.PathEscape(string(user)), body, nil)
}

func (c *HTTP) GetPublicKey(ctx context.Context, user domain.UserID) (domain.X25519Public, bool, error) {
	var out struct {
		PublicKey domain.X25519Public `json:"public_key"`
	}
	err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(string(user)), nil, &out)
	if isNotFound(err) {
		return domain.X25519Public{}, false, nil
	}
	if err != nil {
		return domain.X25519Public{}, false, err
	}
	return out.PublicKey, true, nil
}

func (c *HTTP) CreateOrGetConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error) {
	var out domain.Conversation
	body := struct {
		Participants [2]domain.UserID `json:"participants"`
	}{[2]domain.UserID{a, b}}
	err := c.do(ctx, http.MethodPost, "/conversations", body, &out)
	return out, err
}

// ListConversations returns the inbox of the token's user. The relay
// identifies the viewer by token, so user is not sent.
func (c *HTTP) ListConversations(ctx context.Context, _ domain.UserID) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) MarkRead(ctx context.Context, conv domain.ConversationID) error {
	return c.do(ctx, http.MethodPost, convPath(conv)+"/read", struct{}{}, nil)
}

func (c *HTTP) FetchMessages(ctx context.Context, conv domain.ConversationID, since int64) ([]domain.EnvelopeRow, error) {
	var out []domain.EnvelopeRow
	path := convPath(conv) + "/messages?since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTP) SubmitMessage(ctx context.Context, row domain.EnvelopeRow) (domain.EnvelopeRow, error) {
	var out domain.EnvelopeRow
	err := c.do(ctx, http.MethodPost, convPath(row.ConversationID)+"/messages", row, &out)
	return out, err
}

func (c *HTTP) SubmitEdit(ctx context.Context, edit domain.EditRequest) (domain.EnvelopeRow, error) {
	var out domain.EnvelopeRow
	err := c.do(ctx, http.MethodPut, msgPath(edit.ConversationID, edit.MessageID), edit, &out)
	return out, err
}

func (c *HTTP) SubmitDelete(ctx context.Context, conv domain.ConversationID, id domain.MessageID) (domain.EnvelopeRow, error) {
	var out domain.EnvelopeRow
	err := c.do(ctx, http.MethodDelete, msgPath(conv, id), nil, &out)
	return out, err
}

func (c *HTTP) SubmitReaction(ctx context.Context, change domain.ReactionChange) (domain.EnvelopeRow, error) {
	var out domain.EnvelopeRow
	err := c.do(ctx, http.MethodPost, msgPath(change.ConversationID, change.MessageID)+"/reactions", change, &out)
	return out, err
}

func (c *HTTP) PublishTyping(ctx context.Context, ev domain.TypingEvent) error {
	return c.do(ctx, http.MethodPost, convPath(ev.ConversationID)+"/typing", ev, nil)
}

// UploadBlob streams body to the relay's blob store.
func (c *HTTP) UploadBlob(ctx context.Context, name, mimeType string, body io.Reader) (domain.AttachmentRef, error) {
	path := "/blobs?name=" + url.QueryEscape(name)
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return domain.AttachmentRef{}, err
	}
	req.Header.Set("Content-Type", mimeType)
	var out domain.AttachmentRef
	err = c.send(c.HTTP, req, path, &out)
	return out, err
}

func convPath(id domain.ConversationID) string {
	return "/conversations/" + url.PathEscape(string(id))
}

func msgPath(conv domain.ConversationID, id domain.MessageID) string {
	return convPath(conv) + "/messages/" + url.PathEscape(string(id))
}

func (c *HTTP) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+apiPrefix+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(c.HTTP, req, path, out)
}

func (c *HTTP) send(hc *http.Client, req *http.Request, path string, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("relay %s %s: %w: %v", strings.ToLower(req.Method), path, domain.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(req.Method, path, resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("relay %s %s: decode: %w", strings.ToLower(req.Method), path, err)
		}
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	e := &StatusError{Method: strings.ToLower(method), Path: path, Status: resp.Status, Code: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(b, &e.Body)
	return e
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Body.Code == CodeNotFound
}

var _ domain.RelayClient = (*HTTP)(nil)
