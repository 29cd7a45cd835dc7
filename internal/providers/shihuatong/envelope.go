package shihuatong

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// secretPlaceholder fills the envelope's "secret" field; the gateway ignores it
// for webhook pushes signed at the HTTP layer.
const secretPlaceholder = "unused"

// Envelope is the plaintext message wrapper that gets AES-encrypted.
// Field order follows the gateway's reference payload.
type Envelope struct {
	SendType  int    `json:"sendType"`
	HookToken string `json:"hook_token"`
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
	Secret    string `json:"secret"`
	ID        string `json:"id"`
	MsgType   string `json:"msgType"`
	Data      string `json:"data"`
}

type textBody struct {
	Text textContent `json:"text"`
}

type textContent struct {
	Content  string   `json:"content"`
	Reminder Reminder `json:"reminder"`
}

type Reminder struct {
	All     bool     `json:"all"`
	UserIDs []string `json:"userIds"`
}

// Outgoing describes one chat message before it is wrapped.
type Outgoing struct {
	HookToken  string
	Title      string
	Content    string
	MsgType    string
	MentionAll bool
	UserIDs    []string
}

// BuildEnvelope wraps an outgoing message and returns it with its fresh envelope id.
// Only text bodies exist on the wire; other kinds are sent as text.
func BuildEnvelope(out Outgoing) (Envelope, string, error) {
	id := uuid.NewString()
	userIDs := out.UserIDs
	if userIDs == nil {
		userIDs = []string{}
	}
	body := textBody{Text: textContent{
		Content:  urlEncode(out.Title + "\n" + out.Content),
		Reminder: Reminder{All: out.MentionAll, UserIDs: userIDs},
	}}
	data, err := marshal(body)
	if err != nil {
		return Envelope{}, "", err
	}
	return Envelope{
		SendType:  1,
		HookToken: out.HookToken,
		Secret:    secretPlaceholder,
		ID:        id,
		MsgType:   "text",
		Data:      string(data),
	}, id, nil
}

// ParseText decodes an envelope's data field back into its body and reminder.
func ParseText(env Envelope) (string, Reminder, error) {
	var body textBody
	if err := json.Unmarshal([]byte(env.Data), &body); err != nil {
		return "", Reminder{}, err
	}
	text, err := url.QueryUnescape(body.Text.Content)
	if err != nil {
		return "", Reminder{}, err
	}
	return text, body.Text.Reminder, nil
}

// urlEncode percent-encodes everything outside the unreserved set, spaces as %20.
func urlEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// marshal is json.Marshal without HTML escaping and without the trailing newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
